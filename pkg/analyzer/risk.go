package analyzer

import (
	"fmt"
	"strings"

	"github.com/chaostrace/sandbox/pkg/events"
)

// Assessment is the risk scorer's verdict on a single analyzed statement.
type Assessment struct {
	RiskLevel      events.RiskLevel
	RiskFactors    []string
	Confidence     float64
	RowsEstimated  *int
	Recommendation string
}

var baseRisk = map[events.SQLType]events.RiskLevel{
	events.SQLDrop:     events.RiskCritical,
	events.SQLTruncate: events.RiskCritical,
	events.SQLAlter:    events.RiskHigh,
	events.SQLCreate:   events.RiskMedium,

	events.SQLDelete: events.RiskHigh,
	events.SQLUpdate: events.RiskMedium,
	events.SQLInsert: events.RiskLow,
	events.SQLSelect: events.RiskLow,

	events.SQLGrant:  events.RiskHigh,
	events.SQLRevoke: events.RiskHigh,

	events.SQLBegin:    events.RiskLow,
	events.SQLCommit:   events.RiskLow,
	events.SQLRollback: events.RiskLow,

	events.SQLOther: events.RiskMedium,
}

// DefaultSensitiveTables lists the tables escalated regardless of policy
// configuration, matching the proxy's built-in caution list.
var DefaultSensitiveTables = []string{
	"users", "accounts", "passwords", "credentials", "secrets",
	"api_keys", "tokens", "sessions", "audit_logs", "payments", "transactions",
}

// RowThresholds controls the row-count escalation breakpoints.
type RowThresholds struct {
	LowToMedium    int
	MediumToHigh   int
	HighToCritical int
}

// DefaultRowThresholds mirrors the proxy's fixed escalation breakpoints.
var DefaultRowThresholds = RowThresholds{
	LowToMedium:    100,
	MediumToHigh:   1000,
	HighToCritical: 10000,
}

// Scorer assesses the risk level of an analyzed SQL statement.
type Scorer struct {
	sensitiveTables map[string]struct{}
	rowThresholds   RowThresholds
}

// NewScorer constructs a Scorer. A nil sensitiveTables falls back to
// DefaultSensitiveTables; a zero-value thresholds falls back to
// DefaultRowThresholds.
func NewScorer(sensitiveTables []string, thresholds *RowThresholds) *Scorer {
	if sensitiveTables == nil {
		sensitiveTables = DefaultSensitiveTables
	}
	set := make(map[string]struct{}, len(sensitiveTables))
	for _, t := range sensitiveTables {
		set[strings.ToLower(t)] = struct{}{}
	}
	th := DefaultRowThresholds
	if thresholds != nil {
		th = *thresholds
	}
	return &Scorer{sensitiveTables: set, rowThresholds: th}
}

// Assess scores a parsed statement, following the base-risk, escalation,
// and row-impact rules from the proxy's risk model.
func (s *Scorer) Assess(stmt Statement) Assessment {
	var factors []string
	confidence := 1.0

	if !stmt.IsValid {
		factors = append(factors, "parse error - treating as potentially risky")
		confidence = 0.5
	}

	risk, ok := baseRisk[stmt.SQLType]
	if !ok {
		risk = events.RiskMedium
	}

	var sensitiveHit []string
	for _, t := range stmt.Tables {
		if _, hit := s.sensitiveTables[strings.ToLower(t)]; hit {
			sensitiveHit = append(sensitiveHit, t)
		}
	}
	if len(sensitiveHit) > 0 {
		risk = risk.Escalate()
		factors = append(factors, fmt.Sprintf("sensitive table(s): %s", strings.Join(sensitiveHit, ", ")))
	}

	if stmt.SQLType == events.SQLDelete || stmt.SQLType == events.SQLUpdate {
		if !stmt.HasWhereClause {
			risk = risk.Escalate()
			factors = append(factors, fmt.Sprintf("%s without WHERE clause", strings.ToUpper(string(stmt.SQLType))))
		}
	}

	if stmt.IsSelectStar && len(sensitiveHit) > 0 {
		risk = risk.AtLeast(events.RiskMedium)
		factors = append(factors, "SELECT * on sensitive table")
	}

	if stmt.EstimatedComplexity >= 7 {
		factors = append(factors, fmt.Sprintf("high query complexity (%d/10)", stmt.EstimatedComplexity))
		if risk == events.RiskLow {
			risk = events.RiskMedium
		}
	}

	if stmt.SubqueryCount > 2 {
		factors = append(factors, fmt.Sprintf("multiple subqueries (%d)", stmt.SubqueryCount))
		if risk == events.RiskLow {
			risk = events.RiskMedium
		}
	}

	rowsEstimated := s.estimateRows(stmt)
	if rowsEstimated != nil {
		risk = s.adjustRiskByRows(risk, *rowsEstimated, &factors)
	}

	return Assessment{
		RiskLevel:      risk,
		RiskFactors:    factors,
		Confidence:     confidence,
		RowsEstimated:  rowsEstimated,
		Recommendation: recommend(stmt, risk),
	}
}

// estimateRows is a placeholder for table-statistics-backed estimation; for
// now it only flags the worst case of an unscoped DELETE/UPDATE.
func (s *Scorer) estimateRows(stmt Statement) *int {
	if (stmt.SQLType == events.SQLDelete || stmt.SQLType == events.SQLUpdate) && !stmt.HasWhereClause {
		worstCase := 1000000
		return &worstCase
	}
	return nil
}

func (s *Scorer) adjustRiskByRows(risk events.RiskLevel, rows int, factors *[]string) events.RiskLevel {
	switch {
	case rows >= s.rowThresholds.HighToCritical:
		*factors = append(*factors, fmt.Sprintf("very high row impact (%d rows)", rows))
		return events.RiskCritical
	case rows >= s.rowThresholds.MediumToHigh:
		*factors = append(*factors, fmt.Sprintf("high row impact (%d rows)", rows))
		return risk.AtLeast(events.RiskHigh)
	case rows >= s.rowThresholds.LowToMedium:
		*factors = append(*factors, fmt.Sprintf("moderate row impact (%d rows)", rows))
		return risk.AtLeast(events.RiskMedium)
	default:
		return risk
	}
}

func recommend(stmt Statement, risk events.RiskLevel) string {
	switch risk {
	case events.RiskCritical:
		switch stmt.SQLType {
		case events.SQLDrop:
			return "BLOCK: DROP statements are not allowed"
		case events.SQLTruncate:
			return "BLOCK: TRUNCATE statements are not allowed"
		default:
			return "BLOCK: operation has critical risk level"
		}
	case events.RiskHigh:
		if !stmt.HasWhereClause {
			return "BLOCK: add WHERE clause to limit scope"
		}
		return "FLAG: review before allowing"
	case events.RiskMedium:
		return "ALLOW: monitor for anomalies"
	default:
		return "ALLOW: low risk operation"
	}
}
