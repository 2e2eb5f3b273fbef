package reporting

import (
	"time"

	"github.com/google/uuid"

	"github.com/chaostrace/sandbox/pkg/run"
)

// RunReport is the complete, persisted record of one run: its request,
// final state, and the chaos/SQL-event detail the report formatter
// renders.
type RunReport struct {
	RunID    uuid.UUID `json:"run_id"`
	Scenario string    `json:"scenario"`

	Status   run.Status   `json:"status"`
	Verdict  run.Verdict  `json:"verdict"`
	Request  run.Request  `json:"request"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Duration  string    `json:"duration"`

	TotalSQLEvents       int      `json:"total_sql_events"`
	BlockedEvents        int      `json:"blocked_events"`
	ChaosEventsTriggered int      `json:"chaos_events_triggered"`
	Violations           []string `json:"violations,omitempty"`
	TablesAccessed       []string `json:"tables_accessed,omitempty"`

	SQLEvents   []SQLEventSummary   `json:"sql_events,omitempty"`
	ChaosEvents []ChaosEventSummary `json:"chaos_events,omitempty"`

	CleanupActions int `json:"cleanup_actions"`
	CleanupFailed  int `json:"cleanup_failed"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// SQLEventSummary is the report-facing projection of one SQL statement
// the proxy observed.
type SQLEventSummary struct {
	Timestamp     time.Time `json:"timestamp"`
	SQLType       string    `json:"sql_type"`
	Tables        []string  `json:"tables"`
	RiskLevel     string    `json:"risk_level"`
	PolicyAction  string    `json:"policy_action"`
	Blocked       bool      `json:"blocked"`
	ViolationReason string  `json:"violation_reason,omitempty"`
}

// ChaosEventSummary is the report-facing projection of one fired chaos
// action.
type ChaosEventSummary struct {
	Timestamp   time.Time `json:"timestamp"`
	TriggerName string    `json:"trigger_name"`
	ActionType  string    `json:"action_type"`
	Outcome     string    `json:"outcome"`
}

// FromState builds a RunReport from an orchestrator's final run state.
// run.State carries no detail-level SQL/chaos events, tables accessed or
// cleanup counts, so those fields are left empty here for the caller to
// fill in.
func FromState(s run.State) RunReport {
	var verdict run.Verdict
	if s.Verdict != nil {
		verdict = *s.Verdict
	}

	r := RunReport{
		RunID:                s.RunID,
		Scenario:             s.Request.Scenario,
		Status:               s.Status,
		Verdict:              verdict,
		Request:              s.Request,
		TotalSQLEvents:       s.TotalSQLEvents,
		BlockedEvents:        s.BlockedEvents,
		ChaosEventsTriggered: s.ChaosEventsTriggered,
		Violations:           s.Violations,
		ErrorMessage:         s.ErrorMessage,
	}
	if s.StartedAt != nil {
		r.StartTime = *s.StartedAt
	}
	if s.EndedAt != nil {
		r.EndTime = *s.EndedAt
	}
	if s.StartedAt != nil && s.EndedAt != nil {
		r.Duration = s.EndedAt.Sub(*s.StartedAt).String()
	}
	return r
}

// LiveRunState is a lightweight snapshot of a running run, used by the
// progress reporter while a run is still in flight.
type LiveRunState struct {
	RunID    uuid.UUID     `json:"run_id"`
	Scenario string        `json:"scenario"`
	Status   run.Status    `json:"status"`
	Elapsed  time.Duration `json:"elapsed"`

	TotalSQLEvents int `json:"total_sql_events"`
	BlockedEvents  int `json:"blocked_events"`
}
