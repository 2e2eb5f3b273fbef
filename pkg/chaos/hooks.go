package chaos

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventView is the minimal slice of an observed event the hooks' template
// resolver needs; pkg/events.Event carries more than this, so the scheduler
// adapts it down before calling Execute.
type EventView struct {
	Tables []string
}

// RunView carries the identifiers template substitution can reference.
type RunView struct {
	ID string
}

// activeLock tracks a held ACCESS EXCLUSIVE table lock so it can be released
// early by name or by run cleanup.
type activeLock struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Hooks executes chaos actions against the target Postgres database. It
// owns a dedicated connection pool distinct from the proxied agent
// connection, the same separation the source keeps between its asyncpg
// pool and the proxy's client connections.
type Hooks struct {
	db  *sql.DB
	log zerolog.Logger

	mu          sync.Mutex
	activeLocks map[string]*activeLock

	latencyMu      sync.RWMutex
	latencyMs      int
	latencyEndTime time.Time

	timeoutMu      sync.RWMutex
	timeoutActive  bool
	timeoutEndTime time.Time

	advisoryMu sync.Mutex
	advisory   map[ActionType]Action
}

// NewHooks wraps an already-open database handle; callers open it
// themselves via database/sql.Open.
func NewHooks(db *sql.DB, logger zerolog.Logger) *Hooks {
	return &Hooks{
		db:          db,
		log:         logger,
		activeLocks: map[string]*activeLock{},
		advisory:    map[ActionType]Action{},
	}
}

var templateToken = regexp.MustCompile(`\{([^}]+)\}`)

// resolveTemplates substitutes {event.tables[N]} and {run.id} tokens,
// leaving unrecognized tokens verbatim exactly as the source does.
func resolveTemplates(s string, event EventView, run RunView) string {
	return templateToken.ReplaceAllStringFunc(s, func(match string) string {
		token := match[1 : len(match)-1]
		switch {
		case token == "run.id":
			return run.ID
		case len(token) > 13 && token[:13] == "event.tables[":
			idxStr := token[13 : len(token)-1]
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 0 || idx >= len(event.Tables) {
				return match
			}
			return event.Tables[idx]
		default:
			return match
		}
	})
}

// Execute dispatches a chaos action to its handler, after resolving any
// template tokens in Table/Column/NewName against the triggering event and
// run.
func (h *Hooks) Execute(ctx context.Context, action Action, event EventView, run RunView) error {
	action.Table = resolveTemplates(action.Table, event, run)
	action.Column = resolveTemplates(action.Column, event, run)
	action.NewName = resolveTemplates(action.NewName, event, run)

	switch action.Type {
	case ActionLockTable:
		return h.lockTable(ctx, action)
	case ActionAddLatency:
		return h.addLatency(action)
	case ActionSimulateTimeout:
		return h.simulateTimeout(action)
	case ActionRevokeCredentials:
		return h.revokeCredentials(ctx, action)
	case ActionRenameColumn:
		return h.renameColumn(ctx, action)
	case ActionChangeColumnType:
		return h.changeColumnType(ctx, action)
	case ActionDropIndex:
		return h.dropIndex(ctx, action)
	case ActionDiskFull, ActionMemoryPressure, ActionCPUThrottle, ActionNetworkPartition, ActionPacketLoss:
		return h.setAdvisory(action)
	default:
		return fmt.Errorf("chaos: unknown action type %q", action.Type)
	}
}

func (h *Hooks) lockTable(ctx context.Context, action Action) error {
	if action.Table == "" {
		return fmt.Errorf("chaos: lock_table requires a table")
	}
	duration := 30 * time.Second
	if action.DurationSeconds != nil {
		duration = time.Duration(*action.DurationSeconds) * time.Second
	}

	conn, err := h.db.Conn(context.Background())
	if err != nil {
		return fmt.Errorf("chaos: acquire lock connection: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(context.Background(), duration)
	// LOCK TABLE only holds inside a transaction block, so the lock lives in
	// a transaction kept open until lockCtx ends.
	tx, err := conn.BeginTx(lockCtx, nil)
	if err != nil {
		cancel()
		conn.Close()
		return fmt.Errorf("chaos: begin lock transaction: %w", err)
	}
	query := fmt.Sprintf("LOCK TABLE %s IN ACCESS EXCLUSIVE MODE", pqIdent(action.Table))
	if _, err := tx.ExecContext(lockCtx, query); err != nil {
		tx.Rollback()
		cancel()
		conn.Close()
		return fmt.Errorf("chaos: lock table %s: %w", action.Table, err)
	}

	done := make(chan struct{})
	h.mu.Lock()
	h.activeLocks[action.Table] = &activeLock{cancel: cancel, done: done}
	h.mu.Unlock()

	go func() {
		defer close(done)
		defer conn.Close()
		defer cancel()
		<-lockCtx.Done()
		tx.Rollback()
		h.mu.Lock()
		delete(h.activeLocks, action.Table)
		h.mu.Unlock()
	}()

	h.log.Warn().Str("table", action.Table).Dur("duration", duration).Msg("chaos: table locked")
	return nil
}

func (h *Hooks) addLatency(action Action) error {
	ms := 500
	if action.LatencyMs != nil {
		ms = *action.LatencyMs
	}
	duration := 30 * time.Second
	if action.DurationSeconds != nil {
		duration = time.Duration(*action.DurationSeconds) * time.Second
	}

	h.latencyMu.Lock()
	h.latencyMs = ms
	h.latencyEndTime = time.Now().Add(duration)
	h.latencyMu.Unlock()

	h.log.Warn().Int("latency_ms", ms).Dur("duration", duration).Msg("chaos: latency injected")
	return nil
}

// CurrentLatency returns the latency the proxy pipeline should sleep for
// before forwarding a query, auto-expiring once the injection window ends.
func (h *Hooks) CurrentLatency() time.Duration {
	h.latencyMu.RLock()
	defer h.latencyMu.RUnlock()
	if h.latencyMs == 0 || time.Now().After(h.latencyEndTime) {
		return 0
	}
	return time.Duration(h.latencyMs) * time.Millisecond
}

func (h *Hooks) simulateTimeout(action Action) error {
	duration := 30 * time.Second
	if action.DurationSeconds != nil {
		duration = time.Duration(*action.DurationSeconds) * time.Second
	}
	h.timeoutMu.Lock()
	h.timeoutActive = true
	h.timeoutEndTime = time.Now().Add(duration)
	h.timeoutMu.Unlock()
	h.log.Warn().Dur("duration", duration).Msg("chaos: timeout simulation active")
	return nil
}

// TimeoutActive reports whether a simulated timeout is armed and its window
// has not yet ended. Unlike ConsumeTimeout it does not disarm it; the proxy
// itself checks ConsumeTimeout.
func (h *Hooks) TimeoutActive() bool {
	h.timeoutMu.RLock()
	defer h.timeoutMu.RUnlock()
	if !h.timeoutActive {
		return false
	}
	return time.Now().Before(h.timeoutEndTime)
}

// ConsumeTimeout reports whether a simulated timeout is armed for the very
// next statement and, if so, disarms it: the spec's "next statement" contract
// is one-shot, not a sustained stall.
func (h *Hooks) ConsumeTimeout() bool {
	h.timeoutMu.Lock()
	defer h.timeoutMu.Unlock()
	armed := h.timeoutActive && time.Now().Before(h.timeoutEndTime)
	h.timeoutActive = false
	return armed
}

func (h *Hooks) revokeCredentials(ctx context.Context, action Action) error {
	user := action.Table
	if user == "" {
		user = "agent_user"
	}
	password := fmt.Sprintf("revoked-%d", time.Now().UnixNano())
	query := fmt.Sprintf("ALTER USER %s WITH PASSWORD %s", pqIdent(user), pqLiteral(password))
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("chaos: revoke credentials for %s: %w", user, err)
	}
	h.log.Warn().Str("user", user).Msg("chaos: credentials revoked")
	return nil
}

func (h *Hooks) renameColumn(ctx context.Context, action Action) error {
	if action.Table == "" || action.Column == "" || action.NewName == "" {
		return fmt.Errorf("chaos: rename_column requires table, column, and new_name")
	}
	query := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		pqIdent(action.Table), pqIdent(action.Column), pqIdent(action.NewName))
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("chaos: rename column %s.%s: %w", action.Table, action.Column, err)
	}
	h.log.Warn().Str("table", action.Table).Str("column", action.Column).Str("new_name", action.NewName).
		Msg("chaos: column renamed")
	return nil
}

func (h *Hooks) changeColumnType(ctx context.Context, action Action) error {
	if action.Table == "" || action.Column == "" || action.NewType == "" {
		return fmt.Errorf("chaos: change_column_type requires table, column, and new_type")
	}
	query := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		pqIdent(action.Table), pqIdent(action.Column), action.NewType, pqIdent(action.Column), action.NewType)
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("chaos: change column type %s.%s: %w", action.Table, action.Column, err)
	}
	h.log.Warn().Str("table", action.Table).Str("column", action.Column).Str("new_type", action.NewType).
		Msg("chaos: column type changed")
	return nil
}

func (h *Hooks) dropIndex(ctx context.Context, action Action) error {
	index := action.Parameters["index_name"]
	name, _ := index.(string)
	if name == "" {
		return fmt.Errorf("chaos: drop_index requires parameters.index_name")
	}
	query := fmt.Sprintf("DROP INDEX IF EXISTS %s", pqIdent(name))
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("chaos: drop index %s: %w", name, err)
	}
	h.log.Warn().Str("index", name).Msg("chaos: index dropped")
	return nil
}

// setAdvisory records resource-exhaustion actions (disk/memory/cpu/network)
// that cannot be enforced from inside the proxy process; they are surfaced
// to observers (event log, status endpoint) as advisory flags rather than
// actually throttling the host, matching the source's own placeholder
// handlers for these action types.
func (h *Hooks) setAdvisory(action Action) error {
	h.advisoryMu.Lock()
	h.advisory[action.Type] = action
	h.advisoryMu.Unlock()
	h.log.Info().Str("type", string(action.Type)).Msg("chaos: advisory flag set")
	return nil
}

// Advisory returns the most recently set advisory action of the given type,
// if any.
func (h *Hooks) Advisory(t ActionType) (Action, bool) {
	h.advisoryMu.Lock()
	defer h.advisoryMu.Unlock()
	a, ok := h.advisory[t]
	return a, ok
}

// Cleanup cancels every held table lock and clears transient state. It does
// not close the underlying *sql.DB, which outlives individual runs.
func (h *Hooks) Cleanup() {
	h.mu.Lock()
	locks := make([]*activeLock, 0, len(h.activeLocks))
	for _, l := range h.activeLocks {
		locks = append(locks, l)
	}
	h.activeLocks = map[string]*activeLock{}
	h.mu.Unlock()

	for _, l := range locks {
		l.cancel()
		<-l.done
	}

	h.latencyMu.Lock()
	h.latencyMs = 0
	h.latencyMu.Unlock()

	h.timeoutMu.Lock()
	h.timeoutActive = false
	h.timeoutMu.Unlock()
}

func pqIdent(name string) string {
	return `"` + name + `"`
}

func pqLiteral(s string) string {
	return "'" + s + "'"
}
