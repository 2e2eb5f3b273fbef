package chaos

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SchedulerStatus is the scheduler's own lifecycle state, independent of the
// run it is attached to.
type SchedulerStatus string

const (
	StatusIdle    SchedulerStatus = "idle"
	StatusRunning SchedulerStatus = "running"
	StatusStopped SchedulerStatus = "stopped"
)

// ObservedEvent is the minimal shape the scheduler needs from an SQL event
// to evaluate event/count triggers.
type ObservedEvent struct {
	EventType  string
	SQLType    string
	Tables     []string
	RowsAffect *int
}

// EventCallback is invoked whenever a trigger fires and its action
// succeeds, so the caller can emit a chaos event into the event store.
type EventCallback func(trigger Trigger, action Action)

// Scheduler evaluates a loaded Scenario's triggers against the event stream
// of a single run and a 1-second time-check loop, dispatching fired actions
// to Hooks.
type Scheduler struct {
	scenario *Scenario
	hooks    *Hooks
	onEvent  EventCallback
	log      zerolog.Logger

	mu     sync.Mutex
	status SchedulerStatus
	state  *State
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a scheduler for one scenario. onEvent may be nil.
func NewScheduler(scenario *Scenario, hooks *Hooks, onEvent EventCallback, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		scenario: scenario,
		hooks:    hooks,
		onEvent:  onEvent,
		log:      logger,
		status:   StatusIdle,
	}
}

// Start transitions IDLE -> RUNNING for the given run and spawns the
// time-check loop. Calling Start twice without an intervening Stop is a
// no-op.
func (s *Scheduler) Start(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning {
		return
	}
	s.state = newState(s.scenario.Name, runID)
	s.status = StatusRunning

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.timeCheckLoop(ctx)
}

// Stop transitions RUNNING -> STOPPED and halts the time-check loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.status = StatusStopped
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// Status reports the scheduler's current lifecycle state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stats is a snapshot of the scheduler's bookkeeping for reporting.
type Stats struct {
	ScenarioName     string
	TotalChaosEvents int
	TriggerFireCounts map[string]int
}

// GetStats returns a snapshot of the active run's trigger bookkeeping.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return Stats{ScenarioName: s.scenario.Name}
	}
	counts := make(map[string]int, len(s.state.TriggerFireCounts))
	for k, v := range s.state.TriggerFireCounts {
		counts[k] = v
	}
	return Stats{
		ScenarioName:      s.scenario.Name,
		TotalChaosEvents:  s.state.TotalChaosEvents,
		TriggerFireCounts: counts,
	}
}

// OnEvent feeds an observed SQL/chaos event into the scheduler, updating
// event-occurrence counters and checking every enabled event and count
// trigger.
func (s *Scheduler) OnEvent(ev ObservedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning || s.state == nil {
		return
	}

	key := ev.EventType + ":" + ev.SQLType
	s.state.EventCounts[key]++

	for _, trigger := range s.scenario.Triggers {
		if !trigger.Enabled {
			continue
		}
		switch trigger.TriggerType {
		case TriggerEvent:
			if s.checkEventTrigger(trigger, ev) {
				s.executeLocked(trigger, ev)
			}
		case TriggerCount:
			if s.checkCountTrigger(trigger, ev) {
				s.executeLocked(trigger, ev)
			}
		}
	}
}

func (s *Scheduler) checkEventTrigger(trigger Trigger, ev ObservedEvent) bool {
	cond := trigger.EventCondition
	if cond == nil {
		return false
	}
	if !strings.Contains(strings.ToUpper(ev.EventType), strings.ToUpper(cond.EventType)) {
		return false
	}
	if cond.ParsedType != "" && !strings.EqualFold(cond.ParsedType, ev.SQLType) {
		return false
	}
	if cond.TablePattern != "" {
		matched := false
		for _, t := range ev.Tables {
			if strings.Contains(t, cond.TablePattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if cond.MinRows != nil {
		if ev.RowsAffect == nil || *ev.RowsAffect < *cond.MinRows {
			return false
		}
	}

	fireCount := s.state.TriggerFireCounts[trigger.Name]
	if !s.occurrenceMatches(cond.Occurrence, fireCount) {
		return false
	}
	return s.withinLimits(trigger)
}

func (s *Scheduler) occurrenceMatches(occurrence string, fireCount int) bool {
	switch occurrence {
	case "", "first":
		return fireCount == 0
	case "every":
		return true
	default:
		n, err := strconv.Atoi(occurrence)
		if err != nil {
			return false
		}
		return fireCount == n-1
	}
}

// checkCountTrigger keys off the same "event_type:sql_type" composite
// counter OnEvent maintains; cond.EventType is expected to already be that
// composite key, configured in the scenario YAML.
func (s *Scheduler) checkCountTrigger(trigger Trigger, ev ObservedEvent) bool {
	cond := trigger.CountCondition
	if cond == nil {
		return false
	}
	count := s.state.EventCounts[cond.EventType]
	if count < cond.Count {
		return false
	}
	if !s.withinLimits(trigger) {
		return false
	}
	if cond.ResetAfterTrigger {
		s.state.EventCounts[cond.EventType] = 0
	}
	return true
}

func (s *Scheduler) withinLimits(trigger Trigger) bool {
	fireCount := s.state.TriggerFireCounts[trigger.Name]
	if fireCount >= trigger.MaxTriggers {
		return false
	}
	if trigger.CooldownSeconds > 0 {
		if last, ok := s.state.TriggerLastFired[trigger.Name]; ok {
			if time.Since(last) < time.Duration(trigger.CooldownSeconds)*time.Second {
				return false
			}
		}
	}
	if s.state.TotalChaosEvents >= s.scenario.MaxTotalChaosEvents {
		return false
	}
	return true
}

// executeLocked fires a trigger's action. Must be called with s.mu held.
// ev is the triggering event, used to resolve {event.tables[0]} template
// tokens in the action's parameters; it is the zero value for time-based
// triggers, which have no originating event.
func (s *Scheduler) executeLocked(trigger Trigger, ev ObservedEvent) {
	s.state.TriggerFireCounts[trigger.Name]++
	s.state.TriggerLastFired[trigger.Name] = time.Now()
	s.state.TotalChaosEvents++
	s.state.ActiveChaos[trigger.Name] = true

	action := trigger.Action
	runID := s.state.RunID
	eventView := EventView{Tables: ev.Tables}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.hooks.Execute(ctx, action, eventView, RunView{ID: runID}); err != nil {
			s.log.Error().Err(err).Str("trigger", trigger.Name).Msg("chaos: action execution failed")
			return
		}
		if s.onEvent != nil {
			s.onEvent(trigger, action)
		}
	}()
}

// timeCheckLoop polls every second for TIME triggers whose elapsed-seconds
// (plus per-trigger jitter) threshold has passed, firing each at most once.
func (s *Scheduler) timeCheckLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	jitters := map[string]int{}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.state == nil {
				s.mu.Unlock()
				continue
			}
			elapsed := int(time.Since(s.state.StartedAt).Seconds())
			for _, trigger := range s.scenario.Triggers {
				if !trigger.Enabled || trigger.TriggerType != TriggerTime {
					continue
				}
				cond := trigger.TimeCondition
				if cond == nil {
					continue
				}
				jitter, ok := jitters[trigger.Name]
				if !ok {
					jitter = 0
					if cond.JitterSeconds > 0 {
						jitter = rand.Intn(cond.JitterSeconds + 1)
					}
					jitters[trigger.Name] = jitter
				}
				if elapsed < cond.ElapsedSeconds+jitter {
					continue
				}
				if s.state.TriggerFireCounts[trigger.Name] != 0 {
					continue
				}
				if !s.withinLimits(trigger) {
					continue
				}
				s.executeLocked(trigger, ObservedEvent{})
			}
			s.mu.Unlock()
		}
	}
}
