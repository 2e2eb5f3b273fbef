package analyzer

import (
	"testing"

	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/stretchr/testify/require"
)

func TestParseClassifiesSQLType(t *testing.T) {
	cases := map[string]events.SQLType{
		"SELECT * FROM users":             events.SQLSelect,
		"insert into orders values (1)":   events.SQLInsert,
		"UPDATE accounts SET x=1":         events.SQLUpdate,
		"delete from sessions":            events.SQLDelete,
		"DROP TABLE audit_logs":           events.SQLDrop,
		"TRUNCATE payments":               events.SQLTruncate,
		"ALTER TABLE users ADD COLUMN x":  events.SQLAlter,
		"GRANT SELECT ON users TO public": events.SQLGrant,
		"BEGIN":                           events.SQLBegin,
		"not even sql":                    events.SQLOther,
	}
	for sql, want := range cases {
		got := Parse(sql)
		require.Equal(t, want, got.SQLType, sql)
	}
}

func TestParseEmptyStatementIsInvalid(t *testing.T) {
	got := Parse("   ")
	require.False(t, got.IsValid)
	require.Equal(t, events.SQLOther, got.SQLType)
}

func TestParseExtractsTablesAndWhere(t *testing.T) {
	got := Parse("SELECT * FROM users u JOIN orders o ON o.user_id = u.id WHERE u.id = 1")
	require.ElementsMatch(t, []string{"users", "orders"}, got.Tables)
	require.True(t, got.HasWhereClause)
	require.True(t, got.IsSelectStar)
	require.Equal(t, 1, got.JoinCount)
}

func TestParseDeleteWithoutWhere(t *testing.T) {
	got := Parse("DELETE FROM sessions")
	require.False(t, got.HasWhereClause)
	require.Equal(t, events.SQLDelete, got.SQLType)
}

func TestEstimateComplexityCapsAtTen(t *testing.T) {
	sql := `WITH recent AS (SELECT id FROM orders)
		SELECT * FROM a JOIN b ON true JOIN c ON true JOIN d ON true
		WHERE id IN (SELECT id FROM e) AND x IN (SELECT y FROM f)
		OVER (PARTITION BY a.id)`
	got := Parse(sql)
	require.LessOrEqual(t, got.EstimatedComplexity, 10)
	require.True(t, got.HasCTE)
}

func TestParseExtractsColumnsFromSelectList(t *testing.T) {
	got := Parse("SELECT id, name FROM users WHERE email = 'x'")
	require.ElementsMatch(t, []string{"id", "name", "email"}, got.Columns)
}

func TestParseExtractsColumnsFromInsertList(t *testing.T) {
	got := Parse("INSERT INTO orders (id, total) VALUES (1, 2)")
	require.ElementsMatch(t, []string{"id", "total"}, got.Columns)
}

func TestParseExtractsColumnsFromUpdateSet(t *testing.T) {
	got := Parse("UPDATE users SET password = 'x' WHERE id = 1")
	require.ElementsMatch(t, []string{"password", "id"}, got.Columns)
}

func TestParseSelectStarExtractsNoSelectListColumns(t *testing.T) {
	got := Parse("SELECT * FROM users WHERE id = 1")
	require.ElementsMatch(t, []string{"id"}, got.Columns)
}

func TestStatementHashIsStableAcrossWhitespace(t *testing.T) {
	a := Parse("SELECT   1")
	b := Parse("SELECT 1")
	require.Equal(t, a.StatementHash, b.StatementHash)
	require.Len(t, a.StatementHash, 16)
}
