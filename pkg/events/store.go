package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/chaostrace/sandbox/pkg/reporting"
)

// RunStats is the denormalized counter row kept in sync with every
// insert into the events table.
type RunStats struct {
	RunID           uuid.UUID `db:"run_id" json:"run_id"`
	Total           int       `db:"total" json:"total"`
	SQL             int       `db:"sql" json:"sql"`
	Blocked         int       `db:"blocked" json:"blocked"`
	Flagged         int       `db:"flagged" json:"flagged"`
	Chaos           int       `db:"chaos" json:"chaos"`
	TablesAccessed  []string  `json:"tables_accessed"`
	ViolationReasons []string `json:"violation_reasons"`
	LastUpdated     time.Time `db:"last_updated" json:"last_updated"`
}

// Listener receives a copy of every event appended to the store,
// fanned out from the store-writer goroutine rather than in-line on the
// proxy's hot path (per the bounded-channel design note).
type Listener func(Event)

// row is the on-disk shape of one events-table record.
type row struct {
	ID         int64     `db:"id"`
	EventID    string    `db:"event_id"`
	RunID      string    `db:"run_id"`
	Timestamp  time.Time `db:"timestamp"`
	EventType  string    `db:"event_type"`
	EventClass string    `db:"event_class"`
	DataBlob   []byte    `db:"data_blob"`
}

// Store is the durable, append-only per-run event log. Writers are
// serialized per run_id under a dedicated mutex (mirroring "one logical
// writer lock per run"); readers never block.
type Store struct {
	db     *sqlx.DB
	logger *reporting.Logger

	maxEventsPerRun int

	writeMu   sync.Mutex
	runLocks  map[uuid.UUID]*sync.Mutex
	runLockMu sync.Mutex

	subMu       sync.RWMutex
	subscribers map[uintptr]Listener

	incoming chan Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// Config configures a Store.
type Config struct {
	MaxEventsPerRun int // default 50_000, per spec's capacity policy
	QueueDepth      int // buffered channel depth for the store-writer task
}

// NewStore wraps an already-migrated *sqlx.DB and starts the
// store-writer goroutine that drains the incoming channel, writing each
// queued event in turn, per the design note preferring a bounded channel
// over in-line writes.
func NewStore(db *sqlx.DB, cfg Config, logger *reporting.Logger) *Store {
	if cfg.MaxEventsPerRun <= 0 {
		cfg.MaxEventsPerRun = 50_000
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}

	s := &Store{
		db:              db,
		logger:          logger,
		maxEventsPerRun: cfg.MaxEventsPerRun,
		runLocks:        make(map[uuid.UUID]*sync.Mutex),
		subscribers:     make(map[uintptr]Listener),
		incoming:        make(chan Event, cfg.QueueDepth),
		done:            make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writerLoop()

	return s
}

// Close stops the store-writer goroutine after draining whatever is
// already queued.
func (s *Store) Close() {
	close(s.incoming)
	s.wg.Wait()
	close(s.done)
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for e := range s.incoming {
		if err := s.write(context.Background(), e); err != nil {
			s.logger.Warn("event store write failed", "error", err)
			continue
		}
		s.notify(e)
	}
}

func (s *Store) notify(e Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, l := range s.subscribers {
		l(e)
	}
}

// AddEvent enqueues e for durable append; updates to run_stats happen
// atomically with the insert inside the same transaction.
func (s *Store) AddEvent(e Event) {
	s.incoming <- e
}

func (s *Store) runLock(runID uuid.UUID) *sync.Mutex {
	s.runLockMu.Lock()
	defer s.runLockMu.Unlock()
	l, ok := s.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.runLocks[runID] = l
	}
	return l
}

func (s *Store) write(ctx context.Context, e Event) error {
	env := e.Envelope()
	lock := s.runLock(env.RunID)
	lock.Lock()
	defer lock.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	class := ClassOf(env.EventType)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, timestamp, event_type, event_class, data_blob)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, env.EventID, env.RunID, env.Timestamp, string(env.EventType), string(class), data)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := s.updateStats(ctx, tx, env.RunID, class, e); err != nil {
		return fmt.Errorf("update stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	return s.enforceCapacity(ctx, env.RunID)
}

func (s *Store) updateStats(ctx context.Context, tx *sqlx.Tx, runID uuid.UUID, class Class, e Event) error {
	sqlInc, blockedInc, flaggedInc, chaosInc := 0, 0, 0, 0
	switch class {
	case ClassSQL:
		sqlInc = 1
		if se, ok := e.(*SQLEvent); ok {
			if se.PolicyAction == ActionBlock {
				blockedInc = 1
			} else if se.PolicyAction == ActionAllowFlagged {
				flaggedInc = 1
			}
		}
	case ClassChaos:
		chaosInc = 1
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_stats (run_id, total, sql, blocked, flagged, chaos, last_updated)
		VALUES ($1, 1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			total = run_stats.total + 1,
			sql = run_stats.sql + $2,
			blocked = run_stats.blocked + $3,
			flagged = run_stats.flagged + $4,
			chaos = run_stats.chaos + $5,
			last_updated = $6
	`, runID, sqlInc, blockedInc, flaggedInc, chaosInc, time.Now().UTC())
	return err
}

// enforceCapacity implements the drop-oldest-10%-at-threshold policy;
// stats counters are not re-derived on drop, matching the source's
// documented approximation-once-tripped behavior.
func (s *Store) enforceCapacity(ctx context.Context, runID uuid.UUID) error {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM events WHERE run_id = $1`, runID); err != nil {
		return err
	}
	if count <= s.maxEventsPerRun {
		return nil
	}

	batch := s.maxEventsPerRun / 10
	if batch < 1 {
		batch = 1
	}

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id IN (
			SELECT id FROM events WHERE run_id = $1 ORDER BY timestamp ASC LIMIT $2
		)
	`, runID, batch)
	if err != nil {
		return err
	}

	s.logger.Warn("event store capacity tripped, dropped oldest batch", "run_id", runID, "dropped", batch)
	return nil
}

// Filter narrows GetEvents to a time window, type, and/or row limit.
type Filter struct {
	TypeFilter string // exact event type, or coarse prefix ("sql","chaos","run","agent")
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// GetEvents returns every event for run_id matching filter, ordered by
// timestamp ascending.
func (s *Store) GetEvents(ctx context.Context, runID uuid.UUID, filter Filter) ([]Event, error) {
	query := `SELECT id, event_id, run_id, timestamp, event_type, event_class, data_blob FROM events WHERE run_id = $1`
	args := []any{runID}
	n := 2

	if filter.TypeFilter != "" {
		if isCoarsePrefix(filter.TypeFilter) {
			query += fmt.Sprintf(" AND event_type LIKE $%d", n)
			args = append(args, filter.TypeFilter+"%")
		} else {
			query += fmt.Sprintf(" AND event_type = $%d", n)
			args = append(args, filter.TypeFilter)
		}
		n++
	}
	if filter.Since != nil {
		query += fmt.Sprintf(" AND timestamp >= $%d", n)
		args = append(args, *filter.Since)
		n++
	}
	if filter.Until != nil {
		query += fmt.Sprintf(" AND timestamp <= $%d", n)
		args = append(args, *filter.Until)
		n++
	}

	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
	}

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		ev, err := Reconstruct(Class(r.EventClass), r.DataBlob)
		if err != nil {
			s.logger.Warn("failed to reconstruct event", "event_id", r.EventID, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func isCoarsePrefix(f string) bool {
	switch f {
	case string(ClassSQL), string(ClassChaos), string(ClassRun), string(ClassAgent):
		return true
	default:
		return false
	}
}

// GetSQLEvents returns every SQLEvent for a run, in arrival order.
func (s *Store) GetSQLEvents(ctx context.Context, runID uuid.UUID) ([]*SQLEvent, error) {
	evs, err := s.GetEvents(ctx, runID, Filter{TypeFilter: string(ClassSQL)})
	if err != nil {
		return nil, err
	}
	out := make([]*SQLEvent, 0, len(evs))
	for _, e := range evs {
		if se, ok := e.(*SQLEvent); ok {
			out = append(out, se)
		}
	}
	return out, nil
}

// GetChaosEvents returns every ChaosEvent for a run.
func (s *Store) GetChaosEvents(ctx context.Context, runID uuid.UUID) ([]*ChaosEvent, error) {
	evs, err := s.GetEvents(ctx, runID, Filter{TypeFilter: string(ClassChaos)})
	if err != nil {
		return nil, err
	}
	out := make([]*ChaosEvent, 0, len(evs))
	for _, e := range evs {
		if ce, ok := e.(*ChaosEvent); ok {
			out = append(out, ce)
		}
	}
	return out, nil
}

// GetBlockedEvents returns every SQLEvent whose policy action was BLOCK.
func (s *Store) GetBlockedEvents(ctx context.Context, runID uuid.UUID) ([]*SQLEvent, error) {
	all, err := s.GetSQLEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*SQLEvent, 0)
	for _, e := range all {
		if e.PolicyAction == ActionBlock {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetViolations returns the distinct violation reasons recorded across
// every blocked statement in the run.
func (s *Store) GetViolations(ctx context.Context, runID uuid.UUID) ([]string, error) {
	blocked, err := s.GetBlockedEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, e := range blocked {
		if e.ViolationReason == nil {
			continue
		}
		if _, ok := seen[*e.ViolationReason]; ok {
			continue
		}
		seen[*e.ViolationReason] = struct{}{}
		out = append(out, *e.ViolationReason)
	}
	return out, nil
}

// GetRunStats returns the denormalized counters for a run, enriched
// with the derived tables_accessed/violation_reasons views.
func (s *Store) GetRunStats(ctx context.Context, runID uuid.UUID) (*RunStats, error) {
	var stats RunStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT run_id, total, sql, blocked, flagged, chaos, last_updated
		FROM run_stats WHERE run_id = $1
	`, runID)
	if err != nil {
		return &RunStats{RunID: runID}, nil //nolint:nilerr // no stats row yet is not an error
	}

	sqlEvents, err := s.GetSQLEvents(ctx, runID)
	if err == nil {
		tableSet := make(map[string]struct{})
		for _, e := range sqlEvents {
			for _, t := range e.Tables {
				tableSet[strings.ToLower(t)] = struct{}{}
			}
		}
		for t := range tableSet {
			stats.TablesAccessed = append(stats.TablesAccessed, t)
		}
	}

	violations, err := s.GetViolations(ctx, runID)
	if err == nil {
		stats.ViolationReasons = violations
	}

	return &stats, nil
}

// ClearRun deletes every event and the stats row for run_id, returning
// the number of events deleted.
func (s *Store) ClearRun(ctx context.Context, runID uuid.UUID) (int, error) {
	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE run_id = $1`, runID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx, `DELETE FROM run_stats WHERE run_id = $1`, runID)
	return int(n), err
}

// Subscribe registers a listener invoked (out of the hot path) for
// every event written. It returns a token for Unsubscribe.
func (s *Store) Subscribe(l Listener) uintptr {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	token := uintptr(len(s.subscribers)) + 1
	for {
		if _, exists := s.subscribers[token]; !exists {
			break
		}
		token++
	}
	s.subscribers[token] = l
	return token
}

// Unsubscribe removes a previously registered listener.
func (s *Store) Unsubscribe(token uintptr) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subscribers, token)
}

// ExportRun returns every event for a run as a serialized list, suitable
// for round-tripping through Reconstruct.
func (s *Store) ExportRun(ctx context.Context, runID uuid.UUID) ([]json.RawMessage, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, event_id, run_id, timestamp, event_type, event_class, data_blob
		FROM events WHERE run_id = $1 ORDER BY timestamp ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, json.RawMessage(r.DataBlob))
	}
	return out, nil
}
