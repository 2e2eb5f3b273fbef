// Package orchestrator drives a run's lifecycle end to end: it stands up
// the per-run sandbox (an isolated network plus database, proxy, and
// agent containers), watches the agent container to completion or
// timeout, derives a verdict from the events the proxy recorded, and
// tears the sandbox down. It is the direct descendant of the teacher's
// chaos-test state machine, replacing chain-fork-injection phases with
// the simpler start/monitor/finalize shape a sandboxed agent run needs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chaostrace/sandbox/pkg/config"
	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/chaostrace/sandbox/pkg/run"
	"github.com/chaostrace/sandbox/pkg/sandbox"
)

// Orchestrator owns every active and completed run's in-memory state for
// the lifetime of the process. Runs are never evicted from memory; only
// their sandbox containers are reclaimed once finalized.
type Orchestrator struct {
	cfg    *config.Config
	docker *sandbox.DockerClient
	store  *events.Store
	log    zerolog.Logger

	mu      sync.RWMutex
	runs    map[uuid.UUID]*run.State
	cancels map[uuid.UUID]context.CancelFunc
}

// New builds an orchestrator bound to one sandbox Docker client and one
// shared event store.
func New(cfg *config.Config, docker *sandbox.DockerClient, store *events.Store, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		docker:  docker,
		store:   store,
		log:     logger,
		runs:    make(map[uuid.UUID]*run.State),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// CreateRun validates the request, registers a PENDING run, and launches
// its lifecycle goroutine. It returns as soon as the run is registered,
// matching the external create_run contract's fire-and-poll shape.
func (o *Orchestrator) CreateRun(req run.Request) (run.Response, error) {
	req.ApplyDefaults()
	if err := req.Validate(); err != nil {
		return run.Response{}, err
	}

	state := &run.State{
		RunID:     uuid.New(),
		Request:   req,
		Status:    run.StatusPending,
		CreatedAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(req.TimeoutSeconds)*time.Second)

	o.mu.Lock()
	o.runs[state.RunID] = state
	o.cancels[state.RunID] = cancel
	o.mu.Unlock()

	go o.executeRun(ctx, state.RunID)

	return run.Response{
		RunID:     state.RunID,
		Status:    state.Status,
		CreatedAt: state.CreatedAt,
		Message:   "run accepted",
	}, nil
}

// GetRunStatus returns a snapshot of a run's current state.
func (o *Orchestrator) GetRunStatus(runID uuid.UUID) (run.State, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.runs[runID]
	if !ok {
		return run.State{}, false
	}
	return *s, true
}

// ListRuns returns a page of run summaries, most recent first.
func (o *Orchestrator) ListRuns(page, pageSize int) run.ListResponse {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	o.mu.RLock()
	all := make([]*run.State, 0, len(o.runs))
	for _, s := range o.runs {
		all = append(all, s)
	}
	o.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	start := (page - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}

	summaries := make([]run.Summary, 0, end-start)
	for _, s := range all[start:end] {
		summaries = append(summaries, s.ToSummary())
	}

	return run.ListResponse{Runs: summaries, Total: len(all), Page: page, PageSize: pageSize}
}

// TerminateRun cancels an active run early. It reports false if the run
// does not exist or has already reached a terminal status.
func (o *Orchestrator) TerminateRun(runID uuid.UUID) bool {
	o.mu.RLock()
	state, ok := o.runs[runID]
	cancel := o.cancels[runID]
	o.mu.RUnlock()
	if !ok || !state.Status.Active() {
		return false
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// TerminateAll cancels every active run, used by the emergency-stop
// surface to halt all sandboxes at once.
func (o *Orchestrator) TerminateAll() {
	o.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(o.cancels))
	for runID, state := range o.runs {
		if state.Status.Active() {
			cancels = append(cancels, o.cancels[runID])
		}
	}
	o.mu.RUnlock()
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
}

func (o *Orchestrator) setStatus(runID uuid.UUID, status run.Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.runs[runID]; ok {
		s.Status = status
	}
}

// executeRun is the lifecycle goroutine body: initialize the sandbox,
// monitor the agent until it exits or the run's context is cancelled,
// finalize a verdict, then clean up unconditionally.
func (o *Orchestrator) executeRun(ctx context.Context, runID uuid.UUID) {
	logger := o.log.With().Str("run_id", runID.String()).Logger()

	o.setStatus(runID, run.StatusInitializing)
	now := time.Now()
	o.mu.Lock()
	state := o.runs[runID]
	state.StartedAt = &now
	o.mu.Unlock()

	cleanup := newCleanupCoordinator(o.docker, logger)
	defer func() {
		o.mu.RLock()
		final := state.Status
		o.mu.RUnlock()
		o.setStatus(runID, run.StatusCleanup)
		defer o.setStatus(runID, final)
		if o.cfg.Sandbox.CleanupOnExit {
			teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			o.mu.RLock()
			containers := state.Containers
			o.mu.RUnlock()
			cleanup.teardown(teardownCtx, runID, containers, o.cfg.Sandbox.TeardownGrace)
			logger.Info().Str("summary", cleanup.summary().String()).Msg("orchestrator: sandbox torn down")
		}
	}()

	containers, err := o.initialize(ctx, runID, state.Request)
	if err != nil {
		logger.Error().Err(err).Msg("orchestrator: initialization failed")
		o.fail(runID, containers, fmt.Sprintf("initialization failed: %v", err))
		return
	}

	o.mu.Lock()
	state.Containers = containers
	o.mu.Unlock()
	o.setStatus(runID, run.StatusRunning)

	agentErr := o.monitor(ctx, containers.AgentID)

	o.finalize(context.Background(), runID, agentErr)
}

// initialize builds the per-run network and starts the database, proxy,
// and agent containers in that order, waiting for each to become ready
// before starting the next (mirroring the control plane's sequential
// _create_network / _start_postgres / _start_proxy / _start_agent steps).
func (o *Orchestrator) initialize(ctx context.Context, runID uuid.UUID, req run.Request) (run.Containers, error) {
	var containers run.Containers
	shortID := runID.String()[:8]
	labels := map[string]string{"chaostrace.run_id": runID.String()}
	networkName := fmt.Sprintf("%s_net_%s", o.cfg.Sandbox.NetworkPrefix, shortID)

	networkID, err := o.docker.CreateNetwork(ctx, networkName, labels)
	if err != nil {
		return containers, fmt.Errorf("create network: %w", err)
	}
	containers.NetworkID = networkID

	dbName := fmt.Sprintf("chaostrace_db_%s", shortID)
	dbID, err := o.docker.RunContainer(ctx, sandbox.RunContainerSpec{
		Name:        dbName,
		Image:       o.cfg.Sandbox.DatabaseImage,
		NetworkName: networkName,
		Env: []string{
			"POSTGRES_USER=" + o.cfg.Sandbox.DBUser,
			"POSTGRES_PASSWORD=" + o.cfg.Sandbox.DBPassword,
			"POSTGRES_DB=" + o.cfg.Sandbox.DBName,
		},
		Labels: labels,
	})
	if err != nil {
		return containers, fmt.Errorf("start database container: %w", err)
	}
	containers.DatabaseID = dbID

	if err := o.docker.WaitReady(ctx, dbID, []string{"pg_isready", "-U", o.cfg.Sandbox.DBUser}, o.cfg.Sandbox.ReadyTimeout); err != nil {
		return containers, fmt.Errorf("database not ready: %w", err)
	}

	proxyName := fmt.Sprintf("chaostrace_proxy_%s", shortID)
	proxyID, err := o.docker.RunContainer(ctx, sandbox.RunContainerSpec{
		Name:        proxyName,
		Image:       o.cfg.Sandbox.ProxyImage,
		NetworkName: networkName,
		Cmd:         []string{"chaostrace", "proxy"},
		Env: []string{
			"RUN_ID=" + runID.String(),
			"DB_HOST=" + dbName,
			"DB_PORT=5432",
			"DB_USER=" + o.cfg.Sandbox.DBUser,
			"DB_PASSWORD=" + o.cfg.Sandbox.DBPassword,
			"DB_NAME=" + o.cfg.Sandbox.DBName,
			fmt.Sprintf("PROXY_LISTEN_PORT=%d", o.cfg.Sandbox.ProxyPort),
			"EVENTS_DATABASE_URL=" + o.cfg.Database.DSN,
			"POLICY_PROFILE=" + req.PolicyProfile,
			"CHAOS_PROFILE=" + req.ChaosProfile,
		},
		Labels: labels,
	})
	if err != nil {
		return containers, fmt.Errorf("start proxy container: %w", err)
	}
	containers.ProxyID = proxyID

	if err := o.docker.WaitReady(ctx, proxyID, []string{"true"}, o.cfg.Sandbox.ReadyTimeout); err != nil {
		return containers, fmt.Errorf("proxy not ready: %w", err)
	}

	agentEnv := []string{
		"RUN_ID=" + runID.String(),
		"DB_HOST=" + proxyName,
		fmt.Sprintf("DB_PORT=%d", o.cfg.Sandbox.ProxyPort),
		"DB_USER=" + o.cfg.Sandbox.DBUser,
		"DB_PASSWORD=" + o.cfg.Sandbox.DBPassword,
		"DB_NAME=" + o.cfg.Sandbox.DBName,
	}
	for k, v := range req.Environment {
		agentEnv = append(agentEnv, k+"="+v)
	}

	agentID, err := o.docker.RunContainer(ctx, sandbox.RunContainerSpec{
		Name:        fmt.Sprintf("chaostrace_agent_%s", shortID),
		Image:       o.cfg.Sandbox.AgentImage,
		NetworkName: networkName,
		Cmd:         agentCommand(req),
		Env:         agentEnv,
		Labels:      labels,
	})
	if err != nil {
		return containers, fmt.Errorf("start agent container: %w", err)
	}
	containers.AgentID = agentID

	return containers, nil
}

// agentCommand builds the agent container's entrypoint from its
// declared type, matching the control plane's agent invocation
// convention: a Python interpreter running the supplied entry script
// for every currently supported agent type.
func agentCommand(req run.Request) []string {
	switch req.AgentType {
	case run.AgentPython, run.AgentOpenAI, run.AgentLangChain, run.AgentCustom:
		return []string{"python", req.AgentEntry}
	default:
		return []string{"python", req.AgentEntry}
	}
}

// monitor polls the agent container until it exits, the run's context is
// cancelled (timeout or explicit termination), or polling itself fails.
func (o *Orchestrator) monitor(ctx context.Context, agentContainerID string) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, err := o.docker.Inspect(ctx, agentContainerID)
			if err != nil {
				return err
			}
			if !status.Found {
				return fmt.Errorf("agent container disappeared")
			}
			if !status.Running {
				if status.ExitCode != 0 {
					return fmt.Errorf("agent exited with code %d", status.ExitCode)
				}
				return nil
			}
		}
	}
}

// finalize derives a verdict from the event store's accumulated stats
// and violations, then transitions the run to its terminal status.
// agentErr is nil on clean agent exit, context.DeadlineExceeded on
// timeout, context.Canceled on explicit termination, or any other error
// the monitor loop observed.
func (o *Orchestrator) finalize(ctx context.Context, runID uuid.UUID, agentErr error) {
	o.mu.Lock()
	state := o.runs[runID]
	o.mu.Unlock()

	stats, err := o.store.GetRunStats(ctx, runID)
	if err != nil {
		o.log.Warn().Err(err).Str("run_id", runID.String()).Msg("orchestrator: failed to load run stats for verdict")
		stats = &events.RunStats{RunID: runID}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	end := time.Now()
	state.EndedAt = &end
	state.TotalSQLEvents = stats.SQL
	state.BlockedEvents = stats.Blocked
	state.ChaosEventsTriggered = stats.Chaos
	state.Violations = stats.ViolationReasons

	switch {
	case errors.Is(agentErr, context.Canceled):
		state.Status = run.StatusTerminated
		if state.ErrorMessage == "" {
			state.ErrorMessage = "Run terminated"
		}
	case errors.Is(agentErr, context.DeadlineExceeded):
		state.Status = run.StatusTerminated
		state.ErrorMessage = "Run timed out"
	case agentErr != nil:
		state.Status = run.StatusFailed
		state.ErrorMessage = agentErr.Error()
	default:
		state.Status = run.StatusCompleted
	}

	verdict := deriveVerdict(state.Status, stats.Blocked, len(stats.ViolationReasons))
	state.Verdict = &verdict
}

// deriveVerdict implements the external verdict contract: a run terminated
// early (timeout or explicit cancellation) before it could finish is always
// INCOMPLETE; a failed run is always FAIL; a completed run is FAIL if it
// recorded any violation, WARN if only a block with no violation was
// recorded, PASS otherwise.
func deriveVerdict(status run.Status, blocked, violations int) run.Verdict {
	if status == run.StatusTerminated {
		return run.VerdictIncomplete
	}
	if status == run.StatusFailed {
		return run.VerdictFail
	}
	if violations > 0 {
		return run.VerdictFail
	}
	if blocked > 0 {
		return run.VerdictWarn
	}
	return run.VerdictPass
}

func (o *Orchestrator) fail(runID uuid.UUID, containers run.Containers, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state := o.runs[runID]
	state.Status = run.StatusFailed
	state.ErrorMessage = message
	state.Containers = containers
	end := time.Now()
	state.EndedAt = &end
	verdict := run.VerdictFail
	state.Verdict = &verdict
}
