// Package analyzer classifies raw SQL statements observed on the wire into
// the structural metadata the policy engine and risk scorer need: statement
// type, referenced tables and columns, and shape (WHERE/LIMIT/ORDER BY,
// joins, subqueries, aggregation, window functions, CTEs).
//
// No SQL-dialect parser is available in this module's dependency set, so
// classification is done with pre-compiled regular expressions over
// normalized statement text rather than a real AST. This mirrors the
// fallback path the source already exercises on parse failure
// (classify-by-prefix) and is documented as a deliberate stdlib choice.
package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/chaostrace/sandbox/pkg/events"
)

// Statement is the result of analyzing a single SQL statement.
type Statement struct {
	RawSQL        string
	StatementHash string
	SQLType       events.SQLType

	Tables  []string
	Columns []string

	HasWhereClause bool
	HasLimitClause bool
	HasOrderBy     bool
	IsSelectStar   bool

	HasSubquery    bool
	SubqueryCount  int
	JoinCount      int
	HasAggregation bool
	HasWindow      bool
	HasCTE         bool

	IsTransactionControl bool

	ParseError string
	IsValid    bool

	EstimatedComplexity int
}

var (
	reWhitespace = regexp.MustCompile(`\s+`)
	reWhere      = regexp.MustCompile(`(?i)\bwhere\b`)
	reLimit      = regexp.MustCompile(`(?i)\blimit\b`)
	reOrderBy    = regexp.MustCompile(`(?i)\border\s+by\b`)
	reSelectStar = regexp.MustCompile(`(?i)^select\s+(distinct\s+)?\*`)
	reJoin       = regexp.MustCompile(`(?i)\bjoin\b`)
	reAggregate  = regexp.MustCompile(`(?i)\b(count|sum|avg|min|max)\s*\(`)
	reWindow     = regexp.MustCompile(`(?i)\bover\s*\(`)
	reCTE        = regexp.MustCompile(`(?i)^\s*with\b`)
	reSubquery   = regexp.MustCompile(`\(\s*(?i:select)\b`)

	reFrom    = regexp.MustCompile(`(?i)\bfrom\s+([a-zA-Z_][\w.]*)`)
	reJoinTbl = regexp.MustCompile(`(?i)\bjoin\s+([a-zA-Z_][\w.]*)`)
	reInto    = regexp.MustCompile(`(?i)\binto\s+([a-zA-Z_][\w.]*)`)
	reUpdate  = regexp.MustCompile(`(?i)^\s*update\s+([a-zA-Z_][\w.]*)`)
	reTable   = regexp.MustCompile(`(?i)^\s*(?:drop|alter|create|truncate)\s+(?:table\s+)?(?:if\s+(?:not\s+)?exists\s+)?([a-zA-Z_][\w.]*)`)

	reSelectList = regexp.MustCompile(`(?is)^select\s+(?:distinct\s+)?(.+?)\s+from\b`)
	reWhereBody  = regexp.MustCompile(`(?is)\bwhere\b(.+?)(?:\border\s+by\b|\bgroup\s+by\b|\blimit\b|\bhaving\b|\breturning\b|$)`)
	reWhereCol   = regexp.MustCompile(`(?i)\b([a-zA-Z_][\w.]*)\s*(?:=|!=|<>|<=|>=|<|>|\bin\b|\blike\b)`)
	reInsertCols = regexp.MustCompile(`(?is)\binsert\s+into\s+[a-zA-Z_][\w.]*\s*\(([^)]*)\)`)
	reUpdateSet  = regexp.MustCompile(`(?is)\bset\b(.+?)(?:\bwhere\b|$)`)

	prefixTypes = []struct {
		prefix string
		typ    events.SQLType
	}{
		{"SELECT", events.SQLSelect},
		{"INSERT", events.SQLInsert},
		{"UPDATE", events.SQLUpdate},
		{"DELETE", events.SQLDelete},
		{"CREATE", events.SQLCreate},
		{"ALTER", events.SQLAlter},
		{"DROP", events.SQLDrop},
		{"TRUNCATE", events.SQLTruncate},
		{"GRANT", events.SQLGrant},
		{"REVOKE", events.SQLRevoke},
		{"BEGIN", events.SQLBegin},
		{"START", events.SQLBegin},
		{"COMMIT", events.SQLCommit},
		{"ROLLBACK", events.SQLRollback},
	}
)

// Parse analyzes a raw SQL statement and extracts the metadata the rest of
// the proxy pipeline depends on. It never returns an error: an unrecognized
// statement is classified as events.SQLOther and still reported with
// IsValid true; only an empty statement comes back with IsValid false.
func Parse(sql string) Statement {
	trimmed := strings.TrimSpace(sql)
	hash := computeHash(trimmed)

	if trimmed == "" {
		return Statement{
			RawSQL:        trimmed,
			StatementHash: hash,
			SQLType:       events.SQLOther,
			IsValid:       false,
			ParseError:    "empty statement",
		}
	}

	sqlType := classifyByPrefix(trimmed)
	tables := extractTables(trimmed)
	columns := extractColumns(trimmed)

	hasWhere := reWhere.MatchString(trimmed)
	hasLimit := reLimit.MatchString(trimmed)
	hasOrder := reOrderBy.MatchString(trimmed)
	isSelectStar := sqlType == events.SQLSelect && reSelectStar.MatchString(trimmed)

	subqueryCount := len(reSubquery.FindAllString(trimmed, -1))
	joinCount := len(reJoin.FindAllString(trimmed, -1))
	hasAggregation := reAggregate.MatchString(trimmed)
	hasWindow := reWindow.MatchString(trimmed)
	hasCTE := reCTE.MatchString(trimmed)

	isTxn := sqlType == events.SQLBegin || sqlType == events.SQLCommit || sqlType == events.SQLRollback

	complexity := estimateComplexity(len(tables), joinCount, subqueryCount, hasWindow, hasCTE)

	return Statement{
		RawSQL:               trimmed,
		StatementHash:        hash,
		SQLType:              sqlType,
		Tables:               tables,
		Columns:              columns,
		HasWhereClause:       hasWhere,
		HasLimitClause:       hasLimit,
		HasOrderBy:           hasOrder,
		IsSelectStar:         isSelectStar,
		HasSubquery:          subqueryCount > 0,
		SubqueryCount:        subqueryCount,
		JoinCount:            joinCount,
		HasAggregation:       hasAggregation,
		HasWindow:            hasWindow,
		HasCTE:               hasCTE,
		IsTransactionControl: isTxn,
		IsValid:              true,
		EstimatedComplexity:  complexity,
	}
}

func classifyByPrefix(sql string) events.SQLType {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	for _, p := range prefixTypes {
		if strings.HasPrefix(upper, p.prefix) {
			return p.typ
		}
	}
	return events.SQLOther
}

func extractTables(sql string) []string {
	set := map[string]struct{}{}
	for _, m := range reFrom.FindAllStringSubmatch(sql, -1) {
		set[normalizeTableName(m[1])] = struct{}{}
	}
	for _, m := range reJoinTbl.FindAllStringSubmatch(sql, -1) {
		set[normalizeTableName(m[1])] = struct{}{}
	}
	for _, m := range reInto.FindAllStringSubmatch(sql, -1) {
		set[normalizeTableName(m[1])] = struct{}{}
	}
	if m := reUpdate.FindStringSubmatch(sql); m != nil {
		set[normalizeTableName(m[1])] = struct{}{}
	}
	if m := reTable.FindStringSubmatch(sql); m != nil {
		set[normalizeTableName(m[1])] = struct{}{}
	}

	tables := make([]string, 0, len(set))
	for t := range set {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

func normalizeTableName(raw string) string {
	name := strings.Trim(raw, `"`+"`")
	if idx := strings.LastIndex(name, "."); idx != -1 {
		name = name[idx+1:]
	}
	return name
}

// extractColumns extracts column references from simple SELECT col, col2
// FROM lists, WHERE col = ... predicates, INSERT INTO t (col, col2) lists,
// and UPDATE ... SET col = ... assignments. A bare regex pass over a
// dialect AST can't see everything sqlglot's Column-node walk would (a
// column buried inside a function call or a complex expression is missed),
// but it covers the shapes honeypot/forbidden/allowed-column policy checks
// actually need to reach.
func extractColumns(sql string) []string {
	set := map[string]struct{}{}

	if m := reSelectList.FindStringSubmatch(sql); m != nil {
		for _, item := range splitTopLevelCommas(m[1]) {
			if col := normalizeColumnExpr(item); col != "" {
				set[col] = struct{}{}
			}
		}
	}

	if m := reWhereBody.FindStringSubmatch(sql); m != nil {
		for _, cm := range reWhereCol.FindAllStringSubmatch(m[1], -1) {
			set[normalizeTableName(cm[1])] = struct{}{}
		}
	}

	if m := reInsertCols.FindStringSubmatch(sql); m != nil {
		for _, item := range splitTopLevelCommas(m[1]) {
			col := strings.Trim(strings.TrimSpace(item), `"`+"`")
			if col != "" {
				set[col] = struct{}{}
			}
		}
	}

	if m := reUpdateSet.FindStringSubmatch(sql); m != nil {
		for _, item := range splitTopLevelCommas(m[1]) {
			if idx := strings.Index(item, "="); idx != -1 {
				col := strings.Trim(strings.TrimSpace(item[:idx]), `"`+"`")
				if col != "" {
					set[normalizeTableName(col)] = struct{}{}
				}
			}
		}
	}

	columns := make([]string, 0, len(set))
	for c := range set {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}

// splitTopLevelCommas splits a comma-separated list, ignoring commas
// nested inside parentheses (e.g. function-call arguments).
func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

// normalizeColumnExpr reduces one SELECT-list item to a bare column name,
// dropping a table qualifier and any "AS alias"/"alias" suffix. Items that
// are "*" or contain a function call are not bare column references and
// are skipped, matching the promised "simple ... lists" scope.
func normalizeColumnExpr(expr string) string {
	e := strings.TrimSpace(expr)
	if e == "" || e == "*" || strings.Contains(e, "(") {
		return ""
	}
	fields := strings.Fields(e)
	if len(fields) == 0 {
		return ""
	}
	col := strings.Trim(fields[0], `"`+"`")
	return normalizeTableName(col)
}

// estimateComplexity mirrors the fixed-weight 1-10 scoring formula: base 1,
// plus up to 2 for extra tables, up to 3 for joins, up to 4 for subqueries
// (weighted double), plus 1 each for window functions and CTEs.
func estimateComplexity(tableCount, joinCount, subqueryCount int, hasWindow, hasCTE bool) int {
	complexity := 1
	complexity += clamp(tableCount-1, 0, 2)
	complexity += clamp(joinCount, 0, 3)
	complexity += clamp(subqueryCount*2, 0, 4)
	if hasWindow {
		complexity++
	}
	if hasCTE {
		complexity++
	}
	if complexity > 10 {
		complexity = 10
	}
	return complexity
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func computeHash(sql string) string {
	normalized := reWhitespace.ReplaceAllString(sql, " ")
	normalized = strings.TrimSpace(normalized)
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:16]
}
