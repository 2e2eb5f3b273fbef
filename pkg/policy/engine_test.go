package policy

import (
	"testing"

	"github.com/chaostrace/sandbox/pkg/analyzer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testDefinition() *Definition {
	maxRows := 100
	def := &Definition{
		Name: "strict",
		ForbiddenSQL: ForbiddenSQLList{
			{Pattern: `DROP\s+DATABASE`, Severity: SeverityCritical, Message: "dropping a database is never allowed"},
		},
		TableRestrictions: []TableRestriction{
			{Table: "users", Operations: []string{"DELETE", "UPDATE"}, RequireWhere: true, MaxRows: &maxRows},
			{Table: "audit_*", Operations: []string{"DELETE"}, RequireWhere: true},
		},
		RowLimits: []RowLimit{
			{Operation: "DELETE", MaxRows: 500, Action: SeverityWarning},
		},
		Honeypots: Honeypot{Tables: []string{"decoy_secrets"}, Severity: SeverityCritical},
	}
	def.applyDefaults()
	return def
}

func newTestEngine() *Engine {
	return NewEngine(testDefinition(), zerolog.Nop())
}

func TestEvaluateAllowsCleanStatement(t *testing.T) {
	e := newTestEngine()
	stmt := analyzer.Parse("SELECT * FROM orders WHERE id = 1")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.True(t, result.Allowed)
	require.False(t, result.Flagged)
}

func TestEvaluateBlocksForbiddenPattern(t *testing.T) {
	e := newTestEngine()
	stmt := analyzer.Parse("DROP DATABASE production")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.ViolationReasons, "dropping a database is never allowed")
}

func TestEvaluateRequiresWhereOnRestrictedTable(t *testing.T) {
	e := newTestEngine()
	stmt := analyzer.Parse("DELETE FROM users")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.ViolationReasons, "DELETE on users requires WHERE clause")
}

func TestEvaluateHonestWhereClausePasses(t *testing.T) {
	e := newTestEngine()
	stmt := analyzer.Parse("DELETE FROM users WHERE id = 42")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.True(t, result.Allowed)
}

func TestEvaluateMaxRowsOnTableRestriction(t *testing.T) {
	e := newTestEngine()
	stmt := analyzer.Parse("UPDATE users SET active = false WHERE created_at < now()")
	rows := 500
	result := e.Evaluate(stmt.RawSQL, stmt, &rows, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.ViolationReasons[0], "affects too many rows")
}

func TestEvaluateHoneypotTableIsCritical(t *testing.T) {
	e := newTestEngine()
	stmt := analyzer.Parse("SELECT * FROM decoy_secrets")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Equal(t, SeverityCritical, result.Severity)
}

func TestEvaluateGlobalRowLimitFlagsNotBlocks(t *testing.T) {
	e := newTestEngine()
	stmt := analyzer.Parse("DELETE FROM orders WHERE created_at < now()")
	rows := 600
	result := e.Evaluate(stmt.RawSQL, stmt, &rows, false)
	require.True(t, result.Allowed)
	require.True(t, result.Flagged)
	require.NotEmpty(t, result.Warnings)
}

func TestEvaluateMaxQueryLength(t *testing.T) {
	def := testDefinition()
	def.MaxQueryLength = 10
	e := NewEngine(def, zerolog.Nop())
	stmt := analyzer.Parse("SELECT * FROM orders WHERE id = 1")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.ViolationReasons[0], "exceeds maximum length")
}

func TestTableMatchesWildcard(t *testing.T) {
	require.True(t, tableMatches("audit_events", "audit_*"))
	require.False(t, tableMatches("orders", "audit_*"))
	require.True(t, tableMatches("Users", "users"))
}

func TestEvaluateFailOnUnknownTableBlocksUncoveredTable(t *testing.T) {
	def := testDefinition()
	def.FailOnUnknownTable = true
	e := NewEngine(def, zerolog.Nop())
	stmt := analyzer.Parse("SELECT * FROM shadow_table")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.ViolationReasons[0], "not covered by any table restriction")
}

func TestEvaluateRequireTransactionBlocksBareWrite(t *testing.T) {
	def := testDefinition()
	def.RequireTransaction = true
	e := NewEngine(def, zerolog.Nop())
	stmt := analyzer.Parse("INSERT INTO orders (id) VALUES (1)")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.ViolationReasons[0], "requires an explicit transaction")
}

func TestEvaluateHoneypotColumnIsCritical(t *testing.T) {
	def := testDefinition()
	def.Honeypots.Columns = []string{"ssn"}
	e := NewEngine(def, zerolog.Nop())
	stmt := analyzer.Parse("SELECT ssn FROM orders")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Equal(t, SeverityCritical, result.Severity)
	require.Contains(t, result.MatchedRules, "honeypot_column:ssn")
}

func TestEvaluateForbiddenColumnBlocks(t *testing.T) {
	def := testDefinition()
	def.TableRestrictions = append(def.TableRestrictions, TableRestriction{
		Table:            "users",
		Operations:       []string{"UPDATE"},
		ForbiddenColumns: []string{"password"},
	})
	e := NewEngine(def, zerolog.Nop())
	stmt := analyzer.Parse("UPDATE users SET password = 'x' WHERE id = 1")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.MatchedRules, "forbidden_column:password")
}

func TestEvaluateAllowedColumnsBlocksOutsideList(t *testing.T) {
	def := testDefinition()
	def.TableRestrictions = append(def.TableRestrictions, TableRestriction{
		Table:          "users",
		Operations:     []string{"UPDATE"},
		AllowedColumns: []string{"email"},
	})
	e := NewEngine(def, zerolog.Nop())
	stmt := analyzer.Parse("UPDATE users SET password = 'x' WHERE id = 1")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, false)
	require.False(t, result.Allowed)
	require.Contains(t, result.MatchedRules, "not_allowed_column:password")
}

func TestEvaluateRequireTransactionAllowsWriteInsideTransaction(t *testing.T) {
	def := testDefinition()
	def.RequireTransaction = true
	e := NewEngine(def, zerolog.Nop())
	stmt := analyzer.Parse("INSERT INTO orders (id) VALUES (1)")
	result := e.Evaluate(stmt.RawSQL, stmt, nil, true)
	require.True(t, result.Allowed)
}
