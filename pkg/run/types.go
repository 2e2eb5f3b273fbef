// Package run defines the declarative request, mutable lifecycle state, and
// API response shapes for one test run: one lifecycle instance of
// (agent x scenario x policy x optional chaos) inside an isolated sandbox.
package run

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// AgentType selects how the agent container's entry point is interpreted.
type AgentType string

const (
	AgentPython    AgentType = "python"
	AgentOpenAI    AgentType = "openai"
	AgentLangChain AgentType = "langchain"
	AgentCustom    AgentType = "custom"
)

// Status is a run's position in its lifecycle. Transitions are monotonic;
// the orchestrator is the only writer.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTerminated   Status = "terminated"
	StatusCleanup      Status = "cleanup"
)

// Terminal reports whether s is one of the three terminal statuses a
// finalized run settles into.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// Active reports whether a run in status s can still be cancelled.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusInitializing, StatusRunning:
		return true
	default:
		return false
	}
}

// Verdict is the run's final pass/fail assessment, set once finalize runs.
type Verdict string

const (
	VerdictPass       Verdict = "pass"
	VerdictFail       Verdict = "fail"
	VerdictWarn       Verdict = "warn"
	VerdictIncomplete Verdict = "incomplete"
)

var profileNamePattern = regexp.MustCompile(`^[a-z0-9_]*$`)

// ValidProfileName reports whether s is a legal scenario/policy/chaos
// profile name: lowercase alnum and underscore only.
func ValidProfileName(s string) bool {
	return profileNamePattern.MatchString(s)
}

// Request is the declarative intent behind a run: immutable once accepted
// by the orchestrator.
type Request struct {
	AgentType      AgentType         `json:"agent_type"`
	AgentEntry     string            `json:"agent_entry"`
	Scenario       string            `json:"scenario"`
	PolicyProfile  string            `json:"policy_profile"`
	ChaosProfile   string            `json:"chaos_profile,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Environment    map[string]string `json:"environment,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
}

// ApplyDefaults fills in the request fields the API layer allows to be
// omitted, matching the bounds the external interface imposes.
func (r *Request) ApplyDefaults() {
	if r.PolicyProfile == "" {
		r.PolicyProfile = "strict"
	}
	if r.TimeoutSeconds == 0 {
		r.TimeoutSeconds = 300
	}
	if r.Environment == nil {
		r.Environment = map[string]string{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
}

// Validate checks the request against the bounds the external interface
// documents (timeout range, profile name charset).
func (r *Request) Validate() error {
	if r.AgentEntry == "" {
		return errInvalid("agent_entry is required")
	}
	if r.Scenario == "" || !ValidProfileName(r.Scenario) {
		return errInvalid("scenario must match [a-z0-9_]*")
	}
	if !ValidProfileName(r.PolicyProfile) {
		return errInvalid("policy_profile must match [a-z0-9_]*")
	}
	if r.ChaosProfile != "" && !ValidProfileName(r.ChaosProfile) {
		return errInvalid("chaos_profile must match [a-z0-9_]*")
	}
	if r.TimeoutSeconds < 10 || r.TimeoutSeconds > 3600 {
		return errInvalid("timeout_seconds must be within [10, 3600]")
	}
	return nil
}

type validationError string

func (e validationError) Error() string { return string(e) }

func errInvalid(msg string) error { return validationError(msg) }

// Response is returned immediately by create_run, before the sandbox
// topology exists.
type Response struct {
	RunID     uuid.UUID `json:"run_id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message"`
}

// Containers holds the three sandbox container handles a run owns for
// its lifetime, plus the network joining them.
type Containers struct {
	NetworkID   string `json:"network_id,omitempty"`
	DatabaseID  string `json:"database_container_id,omitempty"`
	ProxyID     string `json:"proxy_container_id,omitempty"`
	AgentID     string `json:"agent_container_id,omitempty"`
}

// State is the mutable lifecycle record the orchestrator owns: created on
// create_run, mutated only by the orchestrator's own goroutine, never
// deleted from memory (it remains queryable until process exit).
type State struct {
	RunID   uuid.UUID `json:"run_id"`
	Request Request   `json:"request"`

	Status  Status   `json:"status"`
	Verdict *Verdict `json:"verdict,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Containers Containers `json:"containers"`

	TotalSQLEvents       int      `json:"total_sql_events"`
	BlockedEvents        int      `json:"blocked_events"`
	ChaosEventsTriggered int      `json:"chaos_events_triggered"`
	Violations           []string `json:"violations,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}

// Summary is the condensed shape list_runs returns per run.
type Summary struct {
	RunID            uuid.UUID  `json:"run_id"`
	Status           Status     `json:"status"`
	Verdict          *Verdict   `json:"verdict,omitempty"`
	Scenario         string     `json:"scenario"`
	PolicyProfile    string     `json:"policy_profile"`
	CreatedAt        time.Time  `json:"created_at"`
	DurationSeconds  *float64   `json:"duration_seconds,omitempty"`
	TotalSQLEvents   int        `json:"total_sql_events"`
	BlockedEvents    int        `json:"blocked_events"`
}

// ToSummary condenses a State into its list-view Summary.
func (s *State) ToSummary() Summary {
	sum := Summary{
		RunID:          s.RunID,
		Status:         s.Status,
		Verdict:        s.Verdict,
		Scenario:       s.Request.Scenario,
		PolicyProfile:  s.Request.PolicyProfile,
		CreatedAt:      s.CreatedAt,
		TotalSQLEvents: s.TotalSQLEvents,
		BlockedEvents:  s.BlockedEvents,
	}
	if s.StartedAt != nil {
		end := time.Now()
		if s.EndedAt != nil {
			end = *s.EndedAt
		}
		d := end.Sub(*s.StartedAt).Seconds()
		sum.DurationSeconds = &d
	}
	return sum
}

// ListResponse is the paginated list_runs response envelope.
type ListResponse struct {
	Runs     []Summary `json:"runs"`
	Total    int       `json:"total"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}
