// Package chaos implements scheduled fault injection against the database
// connection a sandboxed agent run is proxied through: table locks, added
// latency, simulated timeouts, credential revocation, and schema mutation,
// triggered by SQL events, elapsed time, or event counts.
package chaos

import (
	"fmt"
	"time"
)

// TriggerType selects which condition kind a ChaosTrigger carries.
type TriggerType string

const (
	TriggerEvent TriggerType = "event"
	TriggerTime  TriggerType = "time"
	TriggerCount TriggerType = "count"
)

// ActionType enumerates the fault a trigger injects when it fires.
type ActionType string

const (
	ActionLockTable         ActionType = "lock_table"
	ActionAddLatency        ActionType = "add_latency"
	ActionSimulateTimeout   ActionType = "simulate_timeout"
	ActionRevokeCredentials ActionType = "revoke_credentials"
	ActionRenameColumn      ActionType = "rename_column"
	ActionChangeColumnType  ActionType = "change_column_type"
	ActionDropIndex         ActionType = "drop_index"
	ActionDiskFull          ActionType = "disk_full"
	ActionMemoryPressure    ActionType = "memory_pressure"
	ActionCPUThrottle       ActionType = "cpu_throttle"
	ActionNetworkPartition  ActionType = "network_partition"
	ActionPacketLoss        ActionType = "packet_loss"
)

// EventCondition fires a trigger off of the observed SQL/chaos event stream.
type EventCondition struct {
	EventType    string `yaml:"event_type"`
	ParsedType   string `yaml:"parsed_type,omitempty"`
	TablePattern string `yaml:"table_pattern,omitempty"`
	// Occurrence is "first", an integer occurrence count encoded as a
	// string, or "every".
	Occurrence string `yaml:"occurrence"`
	MinRows    *int   `yaml:"min_rows,omitempty"`
}

// TimeCondition fires a trigger once a fixed number of seconds has elapsed
// since the run started, optionally jittered.
type TimeCondition struct {
	ElapsedSeconds int `yaml:"elapsed_seconds"`
	JitterSeconds  int `yaml:"jitter_seconds,omitempty"`
}

// CountCondition fires once a named event type has been observed a fixed
// number of times.
type CountCondition struct {
	EventType        string `yaml:"event_type"`
	Count            int    `yaml:"count"`
	ResetAfterTrigger bool  `yaml:"reset_after_trigger"`
}

// Action describes the fault to inject and its parameters.
type Action struct {
	Type            ActionType             `yaml:"type"`
	Table           string                 `yaml:"table,omitempty"`
	Column          string                 `yaml:"column,omitempty"`
	DurationSeconds *int                   `yaml:"duration_seconds,omitempty"`
	DelaySeconds    float64                `yaml:"delay_seconds,omitempty"`
	LatencyMs       *int                   `yaml:"latency_ms,omitempty"`
	NewName         string                 `yaml:"new_name,omitempty"`
	NewType         string                 `yaml:"new_type,omitempty"`
	Percentage      *float64               `yaml:"percentage,omitempty"`
	Parameters      map[string]interface{} `yaml:"parameters,omitempty"`
}

// Trigger pairs exactly one condition kind with an action and fire limits.
type Trigger struct {
	Name            string          `yaml:"name"`
	Enabled         bool            `yaml:"enabled"`
	TriggerType     TriggerType     `yaml:"trigger_type"`
	EventCondition  *EventCondition `yaml:"event_condition,omitempty"`
	TimeCondition   *TimeCondition  `yaml:"time_condition,omitempty"`
	CountCondition  *CountCondition `yaml:"count_condition,omitempty"`
	Action          Action          `yaml:"action"`
	MaxTriggers     int             `yaml:"max_triggers"`
	CooldownSeconds int             `yaml:"cooldown_seconds"`
}

// validate ensures the condition matching TriggerType is present, mirroring
// the source's model_validator.
func (t *Trigger) validate() error {
	if t.MaxTriggers == 0 {
		t.MaxTriggers = 1
	}
	switch t.TriggerType {
	case TriggerEvent:
		if t.EventCondition == nil {
			return fmt.Errorf("trigger %q: trigger_type event requires event_condition", t.Name)
		}
		if t.TimeCondition != nil || t.CountCondition != nil {
			return fmt.Errorf("trigger %q: trigger_type event must not carry time_condition or count_condition", t.Name)
		}
		if t.EventCondition.Occurrence == "" {
			t.EventCondition.Occurrence = "first"
		}
	case TriggerTime:
		if t.TimeCondition == nil {
			return fmt.Errorf("trigger %q: trigger_type time requires time_condition", t.Name)
		}
		if t.EventCondition != nil || t.CountCondition != nil {
			return fmt.Errorf("trigger %q: trigger_type time must not carry event_condition or count_condition", t.Name)
		}
	case TriggerCount:
		if t.CountCondition == nil {
			return fmt.Errorf("trigger %q: trigger_type count requires count_condition", t.Name)
		}
		if t.EventCondition != nil || t.TimeCondition != nil {
			return fmt.Errorf("trigger %q: trigger_type count must not carry event_condition or time_condition", t.Name)
		}
	default:
		return fmt.Errorf("trigger %q: unknown trigger_type %q", t.Name, t.TriggerType)
	}
	return nil
}

// Scenario is a complete, loaded chaos scenario.
type Scenario struct {
	Name                string    `yaml:"name"`
	Version             string    `yaml:"version"`
	Description         string    `yaml:"description"`
	Triggers            []Trigger `yaml:"triggers"`
	Enabled             bool      `yaml:"enabled"`
	MaxTotalChaosEvents int       `yaml:"max_total_chaos_events"`
}

const defaultMaxTotalChaosEvents = 100

// State is the scheduler's mutable bookkeeping for one active run.
type State struct {
	ScenarioName      string
	RunID             string
	StartedAt         time.Time
	TriggerFireCounts map[string]int
	TriggerLastFired  map[string]time.Time
	EventCounts       map[string]int
	ActiveChaos       map[string]bool
	TotalChaosEvents  int
}

func newState(scenarioName, runID string) *State {
	return &State{
		ScenarioName:      scenarioName,
		RunID:             runID,
		StartedAt:         time.Now(),
		TriggerFireCounts: map[string]int{},
		TriggerLastFired:  map[string]time.Time{},
		EventCounts:       map[string]int{},
		ActiveChaos:       map[string]bool{},
	}
}
