package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaostrace/sandbox/pkg/run"
	"github.com/chaostrace/sandbox/pkg/sandbox"
)

// AuditEntry records one teardown action taken against a run's sandbox,
// adapted from the teacher's sidecar-cleanup audit trail to the three
// containers and one network a run owns.
type AuditEntry struct {
	Timestamp time.Time
	Action    string
	Target    string
	Success   bool
	Error     error
}

// CleanupSummary tallies an audit log's outcomes.
type CleanupSummary struct {
	TotalActions int
	Succeeded    int
	Failed       int
}

func (s CleanupSummary) String() string {
	return fmt.Sprintf("cleanup: %d actions, %d succeeded, %d failed", s.TotalActions, s.Succeeded, s.Failed)
}

// cleanupCoordinator tears down one run's containers and network in
// agent -> proxy -> database -> network order, with a bounded grace
// period per container, recording every step to an audit log regardless
// of outcome. Cleanup runs in "finally" discipline: every step is
// attempted even if an earlier one failed.
type cleanupCoordinator struct {
	docker *sandbox.DockerClient
	log    zerolog.Logger

	auditLog []AuditEntry
}

func newCleanupCoordinator(docker *sandbox.DockerClient, log zerolog.Logger) *cleanupCoordinator {
	return &cleanupCoordinator{docker: docker, log: log}
}

func (c *cleanupCoordinator) logAudit(action, target string, err error) {
	c.auditLog = append(c.auditLog, AuditEntry{
		Timestamp: time.Now(),
		Action:    action,
		Target:    target,
		Success:   err == nil,
		Error:     err,
	})
}

// teardown stops and removes a run's agent, proxy, and database
// containers (in that order, per the external teardown contract), then
// removes the network. A missing resource is not a failure.
func (c *cleanupCoordinator) teardown(ctx context.Context, runID uuid.UUID, containers run.Containers, grace time.Duration) {
	for _, cc := range []struct {
		role string
		id   string
	}{
		{"agent", containers.AgentID},
		{"proxy", containers.ProxyID},
		{"database", containers.DatabaseID},
	} {
		if cc.id == "" {
			continue
		}
		err := c.docker.StopAndRemove(ctx, cc.id, grace)
		c.logAudit("stop_and_remove_container", cc.role, err)
		if err != nil {
			c.log.Warn().Err(err).Str("run_id", runID.String()).Str("role", cc.role).Msg("orchestrator: container teardown failed")
		}
	}

	if containers.NetworkID != "" {
		err := c.docker.RemoveNetwork(ctx, containers.NetworkID)
		c.logAudit("remove_network", containers.NetworkID, err)
		if err != nil {
			c.log.Warn().Err(err).Str("run_id", runID.String()).Msg("orchestrator: network teardown failed")
		}
	}
}

// summary returns a tally of the audit log collected so far.
func (c *cleanupCoordinator) summary() CleanupSummary {
	s := CleanupSummary{TotalActions: len(c.auditLog)}
	for _, e := range c.auditLog {
		if e.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
	}
	return s
}
