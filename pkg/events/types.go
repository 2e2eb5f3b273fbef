// Package events defines the sealed event model emitted by every
// subsystem that observes or mutates a run: the proxy connection, the
// chaos scheduler, the orchestrator, and the agent harness itself.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates every event shape that can be appended to the store.
type Type string

const (
	TypeSQLReceived Type = "sql_received"
	TypeSQLAllowed  Type = "sql_allowed"
	TypeSQLBlocked  Type = "sql_blocked"
	TypeSQLFlagged  Type = "sql_flagged"
	TypeSQLError    Type = "sql_error"
	TypeSQLResult   Type = "sql_result"

	TypeChaosScheduled Type = "chaos_scheduled"
	TypeChaosTriggered Type = "chaos_triggered"
	TypeChaosCompleted Type = "chaos_completed"

	TypeRunStarted    Type = "run_started"
	TypeRunCompleted  Type = "run_completed"
	TypeRunFailed     Type = "run_failed"
	TypeRunTerminated Type = "run_terminated"

	TypeAgentAction Type = "agent_action"
	TypeAgentError  Type = "agent_error"
)

// Class is the coarse prefix used by the store's type_filter semantics
// ("sql", "chaos", "run", "agent") and by event_class dispatch.
type Class string

const (
	ClassSQL   Class = "sql"
	ClassChaos Class = "chaos"
	ClassRun   Class = "run"
	ClassAgent Class = "agent"
)

// ClassOf returns the coarse class for a Type, used both for dispatch
// and for the store's prefix-match filter semantics.
func ClassOf(t Type) Class {
	switch t {
	case TypeSQLReceived, TypeSQLAllowed, TypeSQLBlocked, TypeSQLFlagged, TypeSQLError, TypeSQLResult:
		return ClassSQL
	case TypeChaosScheduled, TypeChaosTriggered, TypeChaosCompleted:
		return ClassChaos
	case TypeRunStarted, TypeRunCompleted, TypeRunFailed, TypeRunTerminated:
		return ClassRun
	case TypeAgentAction, TypeAgentError:
		return ClassAgent
	default:
		return ""
	}
}

// RiskLevel classifies the assessed danger of a SQL operation.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = map[RiskLevel]int{
	RiskLow:      0,
	RiskMedium:   1,
	RiskHigh:     2,
	RiskCritical: 3,
}

// Less reports whether r sorts strictly below other in risk severity.
func (r RiskLevel) Less(other RiskLevel) bool {
	return riskOrder[r] < riskOrder[other]
}

// Escalate returns the next risk level up, saturating at CRITICAL.
func (r RiskLevel) Escalate() RiskLevel {
	levels := []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}
	idx := riskOrder[r]
	if idx+1 >= len(levels) {
		return RiskCritical
	}
	return levels[idx+1]
}

// AtLeast returns the higher of r and floor.
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if riskOrder[r] >= riskOrder[floor] {
		return r
	}
	return floor
}

// SQLType is the classified statement kind, populated even when parsing
// fails (via the analyzer's first-keyword prefix fallback).
type SQLType string

const (
	SQLSelect   SQLType = "select"
	SQLInsert   SQLType = "insert"
	SQLUpdate   SQLType = "update"
	SQLDelete   SQLType = "delete"
	SQLCreate   SQLType = "create"
	SQLAlter    SQLType = "alter"
	SQLDrop     SQLType = "drop"
	SQLTruncate SQLType = "truncate"
	SQLGrant    SQLType = "grant"
	SQLRevoke   SQLType = "revoke"
	SQLBegin    SQLType = "begin"
	SQLCommit   SQLType = "commit"
	SQLRollback SQLType = "rollback"
	SQLOther    SQLType = "other"
)

// PolicyAction is the decision the policy engine reached for a statement.
type PolicyAction string

const (
	ActionAllow        PolicyAction = "allow"
	ActionBlock        PolicyAction = "block"
	ActionAllowFlagged PolicyAction = "allow_flagged"
)

// EventTypeFor maps a PolicyAction to the SQLEvent type it produces.
func EventTypeFor(action PolicyAction) Type {
	switch action {
	case ActionBlock:
		return TypeSQLBlocked
	case ActionAllowFlagged:
		return TypeSQLFlagged
	default:
		return TypeSQLAllowed
	}
}

// Base is the envelope shared by every event variant.
type Base struct {
	EventID   uuid.UUID      `json:"event_id"`
	RunID     uuid.UUID      `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType Type           `json:"event_type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Event is the sealed union every variant satisfies. eventMarker keeps
// the union closed to this package's four concrete types.
type Event interface {
	Envelope() Base
	eventMarker()
}

func newBase(runID uuid.UUID, t Type) Base {
	return Base{
		EventID:   uuid.New(),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		EventType: t,
		Metadata:  map[string]any{},
	}
}

// SQLEvent records one intercepted statement's full lifecycle: what was
// asked, how risky it was judged, what the policy engine decided.
type SQLEvent struct {
	Base

	Statement     string    `json:"statement"`
	StatementHash string    `json:"statement_hash"`
	SQLType       SQLType   `json:"sql_type"`
	Tables        []string  `json:"tables"`
	HasWhereClause bool     `json:"has_where_clause"`

	RiskLevel     RiskLevel `json:"risk_level"`
	RiskFactors   []string  `json:"risk_factors"`
	RowsEstimated *int      `json:"rows_estimated,omitempty"`

	PolicyAction       PolicyAction `json:"policy_action"`
	PolicyRuleMatched  *string      `json:"policy_rule_matched,omitempty"`
	ViolationReason    *string      `json:"violation_reason,omitempty"`

	LatencyMs float64 `json:"latency_ms"`

	RowsAffected   *int    `json:"rows_affected,omitempty"`
	ExecutionError *string `json:"execution_error,omitempty"`
}

func (e SQLEvent) Envelope() Base { return e.Base }
func (SQLEvent) eventMarker()     {}

// NewSQLEvent constructs a SQLEvent with a fresh event_id/timestamp and
// event_type derived from action.
func NewSQLEvent(runID uuid.UUID, action PolicyAction) *SQLEvent {
	return &SQLEvent{Base: newBase(runID, EventTypeFor(action)), PolicyAction: action}
}

// ChaosEvent records one chaos action's trigger and execution.
type ChaosEvent struct {
	Base

	ChaosType        string         `json:"chaos_type"`
	TriggerType      string         `json:"trigger_type"`
	TriggerCondition string         `json:"trigger_condition"`
	Target           *string        `json:"target,omitempty"`
	DurationSeconds  *int           `json:"duration_seconds,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
}

func (e ChaosEvent) Envelope() Base { return e.Base }
func (ChaosEvent) eventMarker()     {}

// NewChaosEvent constructs a ChaosEvent of the given sub-type.
func NewChaosEvent(runID uuid.UUID, t Type) *ChaosEvent {
	return &ChaosEvent{Base: newBase(runID, t), Parameters: map[string]any{}}
}

// RunLifecycleEvent records a RunState status transition.
type RunLifecycleEvent struct {
	Base

	PreviousStatus *string `json:"previous_status,omitempty"`
	NewStatus      string  `json:"new_status"`
	Message        string  `json:"message"`
	Verdict        *string `json:"verdict,omitempty"`
}

func (e RunLifecycleEvent) Envelope() Base { return e.Base }
func (RunLifecycleEvent) eventMarker()     {}

// NewRunLifecycleEvent constructs a RunLifecycleEvent.
func NewRunLifecycleEvent(runID uuid.UUID, t Type) *RunLifecycleEvent {
	return &RunLifecycleEvent{Base: newBase(runID, t)}
}

// AgentEvent records an agent-side action or error, supplementing the
// distilled spec's three-variant union with the fourth variant the
// original source models for agent-side instrumentation.
type AgentEvent struct {
	Base

	Action       string   `json:"action"`
	Success      bool     `json:"success"`
	ErrorMessage *string  `json:"error_message,omitempty"`
	DurationMs   *float64 `json:"duration_ms,omitempty"`
}

func (e AgentEvent) Envelope() Base { return e.Base }
func (AgentEvent) eventMarker()     {}

// NewAgentEvent constructs an AgentEvent.
func NewAgentEvent(runID uuid.UUID, t Type, action string) *AgentEvent {
	return &AgentEvent{Base: newBase(runID, t), Action: action, Success: true}
}

// Reconstruct decodes a (event_class, data) pair back into the concrete
// Event variant it was stored as. event_class drives the dispatch the
// same way the source's pydantic discriminated union does at the model
// boundary.
func Reconstruct(class Class, data []byte) (Event, error) {
	switch class {
	case ClassSQL:
		var e SQLEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case ClassChaos:
		var e ChaosEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case ClassRun:
		var e RunLifecycleEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case ClassAgent:
		var e AgentEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		var e SQLEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	}
}
