package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/chaostrace/sandbox/pkg/reporting"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	logger := reporting.NewLogger(reporting.LoggerConfig{Level: reporting.LogLevelError})
	store := NewStore(sqlxDB, Config{MaxEventsPerRun: 100, QueueDepth: 8}, logger)
	t.Cleanup(store.Close)
	return store, mock
}

func TestAddEventPersistsAndUpdatesStats(t *testing.T) {
	store, mock := newMockStore(t)

	runID := uuid.New()
	e := NewSQLEvent(runID, ActionAllow)
	e.Statement = "SELECT 1"
	e.SQLType = SQLSelect

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO run_stats").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM events").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	received := make(chan Event, 1)
	store.Subscribe(func(ev Event) { received <- ev })

	store.AddEvent(e)

	select {
	case ev := <-received:
		require.Equal(t, e.EventID, ev.Envelope().EventID)
	case <-time.After(time.Second):
		t.Fatal("listener was never notified")
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEventsBuildsCoarsePrefixFilter(t *testing.T) {
	store, mock := newMockStore(t)
	runID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "event_id", "run_id", "timestamp", "event_type", "event_class", "data_blob"})
	mock.ExpectQuery("SELECT (.+) FROM events WHERE run_id = (.+) AND event_type LIKE").
		WillReturnRows(rows)

	_, err := store.GetEvents(context.Background(), runID, Filter{TypeFilter: "sql"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsCoarsePrefix(t *testing.T) {
	require.True(t, isCoarsePrefix("sql"))
	require.True(t, isCoarsePrefix("chaos"))
	require.False(t, isCoarsePrefix("sql_blocked"))
}

func TestReconstructRoundTrip(t *testing.T) {
	runID := uuid.New()
	original := NewSQLEvent(runID, ActionBlock)
	original.Statement = "DELETE FROM users"
	original.SQLType = SQLDelete

	data, err := json.Marshal(original)
	require.NoError(t, err)

	ev, err := Reconstruct(ClassSQL, data)
	require.NoError(t, err)

	got, ok := ev.(*SQLEvent)
	require.True(t, ok)
	require.Equal(t, original.EventID, got.EventID)
	require.Equal(t, original.Statement, got.Statement)
}
