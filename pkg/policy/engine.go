package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chaostrace/sandbox/pkg/analyzer"
	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/rs/zerolog"
)

type compiledRule struct {
	re   *regexp.Regexp
	rule PatternRule
}

// Engine evaluates analyzed SQL statements against a loaded Definition.
type Engine struct {
	def      *Definition
	compiled []compiledRule
	log      zerolog.Logger
}

// NewEngine pre-compiles the definition's forbidden patterns. Patterns that
// fail to compile are skipped and logged rather than rejecting the whole
// policy, matching the source's tolerance for a single bad rule.
func NewEngine(def *Definition, logger zerolog.Logger) *Engine {
	e := &Engine{def: def, log: logger}
	for _, rule := range def.ForbiddenSQL {
		flags := "(?i)"
		if rule.CaseSensitive {
			flags = ""
		}
		re, err := regexp.Compile(flags + rule.Pattern)
		if err != nil {
			e.log.Error().Err(err).Str("pattern", rule.Pattern).Msg("invalid forbidden pattern, skipping")
			continue
		}
		e.compiled = append(e.compiled, compiledRule{re: re, rule: rule})
	}
	e.log.Info().
		Str("policy", def.Name).
		Int("pattern_count", len(e.compiled)).
		Int("table_restriction_count", len(def.TableRestrictions)).
		Msg("policy engine initialized")
	return e
}

// Evaluate runs a statement through every configured check, in the fixed
// order: length guard, forbidden patterns, honeypots, per-table
// restrictions, global row limits, and finally derives the allow/flag
// decision from the worst severity observed. inTransaction reports whether
// the connection currently sits inside a BEGIN...COMMIT/ROLLBACK block, used
// only to enforce RequireTransaction.
func (e *Engine) Evaluate(sql string, stmt analyzer.Statement, estimatedRows *int, inTransaction bool) EvaluationResult {
	result := EvaluationResult{Allowed: true}

	if len(sql) > e.def.MaxQueryLength {
		result.Allowed = false
		result.Severity = SeverityError
		result.ViolationReasons = append(result.ViolationReasons,
			fmt.Sprintf("query exceeds maximum length (%d > %d)", len(sql), e.def.MaxQueryLength))
		return result
	}

	e.checkForbiddenPatterns(sql, &result)
	e.checkHoneypots(stmt.Tables, stmt.Columns, &result)

	for _, table := range stmt.Tables {
		e.checkTableRestrictions(table, stmt, estimatedRows, &result)
	}
	e.checkUnknownTables(stmt.Tables, &result)

	e.checkRowLimits(stmt.SQLType, estimatedRows, &result)
	e.checkRequireTransaction(stmt.SQLType, inTransaction, &result)

	if blocking(result.Severity) {
		result.Allowed = false
	} else if result.Severity == SeverityWarning {
		result.Flagged = true
	}

	e.log.Debug().
		Str("sql_preview", preview(sql)).
		Bool("allowed", result.Allowed).
		Str("severity", string(result.Severity)).
		Strs("matched_rules", result.MatchedRules).
		Msg("policy evaluation complete")

	return result
}

func (e *Engine) checkForbiddenPatterns(sql string, result *EvaluationResult) {
	for _, cr := range e.compiled {
		if !cr.re.MatchString(sql) {
			continue
		}
		result.MatchedRules = append(result.MatchedRules, "forbidden_pattern:"+cr.rule.Pattern)
		result.Severity = atLeast(result.Severity, cr.rule.Severity)

		message := cr.rule.Message
		if message == "" {
			message = "matched forbidden pattern: " + cr.rule.Pattern
		}
		if blocking(cr.rule.Severity) {
			result.ViolationReasons = append(result.ViolationReasons, message)
		} else {
			result.Warnings = append(result.Warnings, message)
		}
	}
}

func (e *Engine) checkHoneypots(tables, columns []string, result *EvaluationResult) {
	h := e.def.Honeypots
	for _, table := range tables {
		if contains(h.Tables, table) {
			result.Severity = atLeast(result.Severity, h.Severity)
			result.ViolationReasons = append(result.ViolationReasons, "access to honeypot table: "+table)
			result.MatchedRules = append(result.MatchedRules, "honeypot_table:"+table)
		}
	}
	for _, col := range columns {
		if contains(h.Columns, col) {
			result.Severity = atLeast(result.Severity, h.Severity)
			result.ViolationReasons = append(result.ViolationReasons, "access to honeypot column: "+col)
			result.MatchedRules = append(result.MatchedRules, "honeypot_column:"+col)
		}
	}
}

func (e *Engine) checkTableRestrictions(table string, stmt analyzer.Statement, estimatedRows *int, result *EvaluationResult) {
	operation := strings.ToUpper(string(stmt.SQLType))

	for _, restriction := range e.def.TableRestrictions {
		if !tableMatches(table, restriction.Table) {
			continue
		}
		if !operationIn(operation, restriction.Operations) {
			continue
		}

		if restriction.RequireWhere && !stmt.HasWhereClause {
			if stmt.SQLType == events.SQLDelete || stmt.SQLType == events.SQLUpdate {
				result.Severity = atLeast(result.Severity, SeverityError)
				result.ViolationReasons = append(result.ViolationReasons,
					fmt.Sprintf("%s on %s requires WHERE clause", operation, table))
				result.MatchedRules = append(result.MatchedRules,
					fmt.Sprintf("require_where:%s:%s", table, operation))
			}
		}

		if restriction.MaxRows != nil && estimatedRows != nil && *estimatedRows > *restriction.MaxRows {
			result.Severity = atLeast(result.Severity, SeverityError)
			result.ViolationReasons = append(result.ViolationReasons,
				fmt.Sprintf("%s on %s affects too many rows (%d > %d)", operation, table, *estimatedRows, *restriction.MaxRows))
			result.MatchedRules = append(result.MatchedRules,
				fmt.Sprintf("row_limit:%s:%d", table, *restriction.MaxRows))
		}

		for _, col := range stmt.Columns {
			if contains(restriction.ForbiddenColumns, col) {
				result.Severity = atLeast(result.Severity, SeverityError)
				result.ViolationReasons = append(result.ViolationReasons,
					fmt.Sprintf("column %s is forbidden for modification", col))
				result.MatchedRules = append(result.MatchedRules, "forbidden_column:"+col)
			}
		}

		if restriction.AllowedColumns != nil {
			for _, col := range stmt.Columns {
				if !contains(restriction.AllowedColumns, col) {
					result.Severity = atLeast(result.Severity, SeverityError)
					result.ViolationReasons = append(result.ViolationReasons,
						fmt.Sprintf("column %s is not in allowed list", col))
					result.MatchedRules = append(result.MatchedRules, "not_allowed_column:"+col)
				}
			}
		}
	}
}

func (e *Engine) checkRowLimits(sqlType events.SQLType, estimatedRows *int, result *EvaluationResult) {
	if estimatedRows == nil {
		return
	}
	operation := strings.ToUpper(string(sqlType))

	for _, limit := range e.def.RowLimits {
		if strings.ToUpper(limit.Operation) != operation {
			continue
		}
		if *estimatedRows <= limit.MaxRows {
			continue
		}
		result.Severity = atLeast(result.Severity, limit.Action)

		message := fmt.Sprintf("%s affects too many rows (%d > %d)", operation, *estimatedRows, limit.MaxRows)
		if blocking(limit.Action) {
			result.ViolationReasons = append(result.ViolationReasons, message)
		} else {
			result.Warnings = append(result.Warnings, message)
		}
		result.MatchedRules = append(result.MatchedRules,
			fmt.Sprintf("global_row_limit:%s:%d", strings.ToLower(operation), limit.MaxRows))
	}
}

// checkUnknownTables flags tables that no configured restriction pattern
// covers, when the policy opts into that stricter default-deny posture.
func (e *Engine) checkUnknownTables(tables []string, result *EvaluationResult) {
	if !e.def.FailOnUnknownTable || len(e.def.TableRestrictions) == 0 {
		return
	}
	for _, table := range tables {
		covered := false
		for _, restriction := range e.def.TableRestrictions {
			if tableMatches(table, restriction.Table) {
				covered = true
				break
			}
		}
		if covered {
			continue
		}
		result.Severity = atLeast(result.Severity, SeverityError)
		result.ViolationReasons = append(result.ViolationReasons,
			fmt.Sprintf("table %s is not covered by any table restriction", table))
		result.MatchedRules = append(result.MatchedRules, "unknown_table:"+table)
	}
}

// checkRequireTransaction enforces that data-modifying statements run inside
// an explicit transaction block when the policy demands it.
func (e *Engine) checkRequireTransaction(sqlType events.SQLType, inTransaction bool, result *EvaluationResult) {
	if !e.def.RequireTransaction || inTransaction {
		return
	}
	switch sqlType {
	case events.SQLInsert, events.SQLUpdate, events.SQLDelete:
	default:
		return
	}
	result.Severity = atLeast(result.Severity, SeverityError)
	result.ViolationReasons = append(result.ViolationReasons,
		fmt.Sprintf("%s requires an explicit transaction", strings.ToUpper(string(sqlType))))
	result.MatchedRules = append(result.MatchedRules, "require_transaction")
}

func tableMatches(table, pattern string) bool {
	if pattern == "*" {
		return true
	}
	if strings.Contains(pattern, "*") {
		escaped := regexp.QuoteMeta(pattern)
		escaped = strings.ReplaceAll(escaped, `\*`, ".*")
		re, err := regexp.Compile("(?i)^" + escaped + "$")
		if err != nil {
			return false
		}
		return re.MatchString(table)
	}
	return strings.EqualFold(table, pattern)
}

func operationIn(operation string, ops []string) bool {
	for _, op := range ops {
		if strings.EqualFold(op, operation) {
			return true
		}
	}
	return false
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func preview(sql string) string {
	if len(sql) <= 100 {
		return sql
	}
	return sql[:100]
}
