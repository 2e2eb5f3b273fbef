// Package policy evaluates SQL statements against a declarative,
// YAML-defined set of rules: forbidden patterns, per-table restrictions,
// global row limits, and honeypot resources.
package policy

import (
	"fmt"

	"github.com/chaostrace/sandbox/pkg/events"
	"gopkg.in/yaml.v3"
)

// Severity mirrors the four-level escalation used by forbidden-pattern and
// row-limit rules. It is distinct from events.RiskLevel: severity describes
// a policy verdict, risk describes an intrinsic property of the statement.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityOrder = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// atLeast reports the more severe of two severities, compared by their rank
// in severityOrder. The source compares PolicySeverity.value strings
// directly in one spot (limit.action.value >= result.severity.value); the
// level names do not sort alphabetically in level order ("warning" sorts
// after "error"), so that comparison and this ordinal one can disagree, and
// this implementation compares ordinally throughout.
func atLeast(a, b Severity) Severity {
	if severityOrder[b] > severityOrder[a] {
		return b
	}
	return a
}

func blocking(s Severity) bool {
	return s == SeverityError || s == SeverityCritical
}

// PatternRule is a single forbidden-SQL regular expression rule.
type PatternRule struct {
	Pattern       string   `yaml:"pattern"`
	Severity      Severity `yaml:"severity"`
	Message       string   `yaml:"message"`
	CaseSensitive bool     `yaml:"case_sensitive"`
}

// ForbiddenSQLList accepts the three shapes the schema allows for
// forbidden_sql: a bare list of pattern objects, an object with a
// `patterns:` key wrapping such a list, and any entry in either list
// shortened to a bare string (equivalent to {pattern: ..., severity: ERROR}).
type ForbiddenSQLList []PatternRule

// UnmarshalYAML implements the flexible forbidden_sql schema described in
// the policy YAML contract.
func (f *ForbiddenSQLList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return f.unmarshalSequence(node)
	case yaml.MappingNode:
		var wrapper struct {
			Patterns yaml.Node `yaml:"patterns"`
		}
		if err := node.Decode(&wrapper); err != nil {
			return fmt.Errorf("forbidden_sql: %w", err)
		}
		if wrapper.Patterns.Kind == 0 {
			return fmt.Errorf("forbidden_sql: object form requires a patterns: key")
		}
		return f.unmarshalSequence(&wrapper.Patterns)
	case 0:
		*f = nil
		return nil
	default:
		return fmt.Errorf("forbidden_sql: unsupported shape")
	}
}

func (f *ForbiddenSQLList) unmarshalSequence(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("forbidden_sql: patterns must be a list")
	}
	result := make([]PatternRule, 0, len(node.Content))
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			var pattern string
			if err := item.Decode(&pattern); err != nil {
				return fmt.Errorf("forbidden_sql: %w", err)
			}
			result = append(result, PatternRule{Pattern: pattern, Severity: SeverityError})
		case yaml.MappingNode:
			var rule PatternRule
			if err := item.Decode(&rule); err != nil {
				return fmt.Errorf("forbidden_sql: %w", err)
			}
			result = append(result, rule)
		default:
			return fmt.Errorf("forbidden_sql: unsupported entry shape")
		}
	}
	*f = result
	return nil
}

// TableRestriction constrains the operations allowed against a table
// (or a glob pattern matching several tables).
type TableRestriction struct {
	Table            string   `yaml:"table"`
	Operations       []string `yaml:"operations"`
	RequireWhere     bool     `yaml:"require_where"`
	MaxRows          *int     `yaml:"max_rows"`
	AllowedColumns   []string `yaml:"allowed_columns"`
	ForbiddenColumns []string `yaml:"forbidden_columns"`
}

// RowLimit caps the estimated row impact for a given operation type
// irrespective of which table it targets.
type RowLimit struct {
	Operation string   `yaml:"operation"`
	MaxRows   int      `yaml:"max_rows"`
	Action    Severity `yaml:"action"`
}

// Honeypot flags resources whose mere access is itself a violation,
// independent of the configured operation restrictions.
type Honeypot struct {
	Tables   []string `yaml:"tables"`
	Columns  []string `yaml:"columns"`
	Files    []string `yaml:"files"`
	Severity Severity `yaml:"severity"`
}

// Definition is a complete, loaded policy profile.
type Definition struct {
	Name               string             `yaml:"name"`
	Version            string             `yaml:"version"`
	Description        string             `yaml:"description"`
	ForbiddenSQL       ForbiddenSQLList   `yaml:"forbidden_sql"`
	TableRestrictions  []TableRestriction `yaml:"table_restrictions"`
	RowLimits          []RowLimit         `yaml:"row_limits"`
	Honeypots          Honeypot           `yaml:"honeypots"`
	FailOnUnknownTable bool               `yaml:"fail_on_unknown_table"`
	RequireTransaction bool               `yaml:"require_transaction"`
	MaxQueryLength     int                `yaml:"max_query_length"`
}

const defaultMaxQueryLength = 10000

// applyDefaults fills in zero-valued optional fields the same way the
// source's pydantic model defaults do.
func (d *Definition) applyDefaults() {
	if d.Honeypots.Severity == "" {
		d.Honeypots.Severity = SeverityCritical
	}
	if d.MaxQueryLength == 0 {
		d.MaxQueryLength = defaultMaxQueryLength
	}
}

// EvaluationResult is the outcome of evaluating one statement against a
// Definition.
type EvaluationResult struct {
	Allowed          bool
	Flagged          bool
	Severity         Severity
	MatchedRules     []string
	ViolationReasons []string
	Warnings         []string
}

// Action converts an evaluation result into the coarse action the proxy
// pipeline and event store key off of.
func (r EvaluationResult) Action() events.PolicyAction {
	if !r.Allowed {
		return events.ActionBlock
	}
	if r.Flagged {
		return events.ActionAllowFlagged
	}
	return events.ActionAllow
}
