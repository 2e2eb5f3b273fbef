package chaos

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testScenario() *Scenario {
	return &Scenario{
		Name:                "test-scenario",
		MaxTotalChaosEvents: 100,
		Triggers: []Trigger{
			{
				Name:        "flag-on-third-delete",
				Enabled:     true,
				TriggerType: TriggerEvent,
				EventCondition: &EventCondition{
					EventType:  "sql",
					ParsedType: "delete",
					Occurrence: "3",
				},
				Action:      Action{Type: ActionNetworkPartition, Table: "{event.tables[0]}"},
				MaxTriggers: 1,
			},
			{
				Name:        "throttle-after-five",
				Enabled:     true,
				TriggerType: TriggerCount,
				CountCondition: &CountCondition{
					EventType: "sql:select",
					Count:     5,
				},
				Action:      Action{Type: ActionCPUThrottle},
				MaxTriggers: 1,
			},
		},
	}
}

func TestSchedulerLifecycle(t *testing.T) {
	s := NewScheduler(testScenario(), &Hooks{activeLocks: map[string]*activeLock{}, advisory: map[ActionType]Action{}}, nil, zerolog.Nop())
	require.Equal(t, StatusIdle, s.Status())

	s.Start("run-1")
	require.Equal(t, StatusRunning, s.Status())

	s.Stop()
	require.Equal(t, StatusStopped, s.Status())
}

func TestEventTriggerFiresOnNthOccurrence(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	onEvent := func(trigger Trigger, action Action) {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	s := NewScheduler(testScenario(), &Hooks{activeLocks: map[string]*activeLock{}, advisory: map[ActionType]Action{}}, onEvent, zerolog.Nop())
	s.Start("run-1")
	defer s.Stop()

	for i := 0; i < 2; i++ {
		s.OnEvent(ObservedEvent{EventType: "sql", SQLType: "delete", Tables: []string{"orders"}})
	}
	mu.Lock()
	require.Equal(t, 0, fired)
	mu.Unlock()

	s.OnEvent(ObservedEvent{EventType: "sql", SQLType: "delete", Tables: []string{"orders"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCountTriggerRespectsMaxTriggers(t *testing.T) {
	scenario := testScenario()
	s := NewScheduler(scenario, &Hooks{activeLocks: map[string]*activeLock{}, advisory: map[ActionType]Action{}}, nil, zerolog.Nop())
	s.Start("run-1")
	defer s.Stop()

	for i := 0; i < 10; i++ {
		s.OnEvent(ObservedEvent{EventType: "sql", SQLType: "select"})
	}

	require.Eventually(t, func() bool {
		return s.GetStats().TriggerFireCounts["throttle-after-five"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEventTriggerMatchesCaseInsensitiveCondition(t *testing.T) {
	scenario := &Scenario{
		Name:                "uppercase-scenario",
		MaxTotalChaosEvents: 100,
		Triggers: []Trigger{
			{
				Name:        "partition-on-first-delete",
				Enabled:     true,
				TriggerType: TriggerEvent,
				EventCondition: &EventCondition{
					EventType:  "SQL_RECEIVED",
					ParsedType: "DELETE",
					Occurrence: "first",
				},
				Action:      Action{Type: ActionNetworkPartition, Table: "{event.tables[0]}"},
				MaxTriggers: 1,
			},
		},
	}

	var mu sync.Mutex
	fired := 0
	onEvent := func(trigger Trigger, action Action) {
		mu.Lock()
		fired++
		mu.Unlock()
	}

	s := NewScheduler(scenario, &Hooks{activeLocks: map[string]*activeLock{}, advisory: map[ActionType]Action{}}, onEvent, zerolog.Nop())
	s.Start("run-1")
	defer s.Stop()

	s.OnEvent(ObservedEvent{EventType: "sql_received", SQLType: "select", Tables: []string{"orders"}})
	s.OnEvent(ObservedEvent{EventType: "sql_received", SQLType: "delete", Tables: []string{"orders"}})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	}, time.Second, 10*time.Millisecond)
}

func TestOccurrenceMatchesFirstEveryAndN(t *testing.T) {
	s := &Scheduler{}
	require.True(t, s.occurrenceMatches("first", 0))
	require.False(t, s.occurrenceMatches("first", 1))
	require.True(t, s.occurrenceMatches("every", 5))
	require.True(t, s.occurrenceMatches("3", 2))
	require.False(t, s.occurrenceMatches("3", 3))
}
