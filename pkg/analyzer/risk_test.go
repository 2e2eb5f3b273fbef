package analyzer

import (
	"testing"

	"github.com/chaostrace/sandbox/pkg/events"
	"github.com/stretchr/testify/require"
)

func TestAssessBaseRiskBySQLType(t *testing.T) {
	scorer := NewScorer(nil, nil)

	got := scorer.Assess(Parse("SELECT id FROM orders WHERE id = 1"))
	require.Equal(t, events.RiskLow, got.RiskLevel)

	got = scorer.Assess(Parse("DROP TABLE orders"))
	require.Equal(t, events.RiskCritical, got.RiskLevel)
}

func TestAssessEscalatesOnSensitiveTable(t *testing.T) {
	scorer := NewScorer(nil, nil)
	got := scorer.Assess(Parse("SELECT id FROM users WHERE id = 1"))
	require.Equal(t, events.RiskMedium, got.RiskLevel)
	require.Contains(t, got.RiskFactors[0], "sensitive table")
}

func TestAssessEscalatesDeleteWithoutWhere(t *testing.T) {
	scorer := NewScorer(nil, nil)
	got := scorer.Assess(Parse("DELETE FROM orders"))
	require.Equal(t, events.RiskCritical, got.RiskLevel)
	require.NotNil(t, got.RowsEstimated)
	require.Equal(t, 1000000, *got.RowsEstimated)
}

func TestAssessSelectStarOnlyEscalatesWithSensitiveTable(t *testing.T) {
	scorer := NewScorer(nil, nil)

	plain := scorer.Assess(Parse("SELECT * FROM orders"))
	require.Equal(t, events.RiskLow, plain.RiskLevel)

	sensitive := scorer.Assess(Parse("SELECT * FROM users"))
	require.Equal(t, events.RiskMedium, sensitive.RiskLevel)
}

func TestAssessHighComplexityBumpsLowToMedium(t *testing.T) {
	scorer := NewScorer(nil, nil)
	sql := `SELECT * FROM a JOIN b ON true JOIN c ON true JOIN d ON true
		WHERE id IN (SELECT id FROM e) AND x IN (SELECT y FROM f)`
	got := scorer.Assess(Parse(sql))
	require.Equal(t, events.RiskMedium, got.RiskLevel)
}

func TestAssessRowThresholdsEscalateSaturating(t *testing.T) {
	thresholds := RowThresholds{LowToMedium: 10, MediumToHigh: 50, HighToCritical: 500}
	scorer := NewScorer(nil, &thresholds)

	// DELETE without WHERE already estimates 1,000,000 rows - always critical.
	got := scorer.Assess(Parse("DELETE FROM orders"))
	require.Equal(t, events.RiskCritical, got.RiskLevel)
}

func TestAssessParseErrorLowersConfidence(t *testing.T) {
	scorer := NewScorer(nil, nil)
	got := scorer.Assess(Parse(""))
	require.Equal(t, 0.5, got.Confidence)
}

func TestRecommendationsByRiskLevel(t *testing.T) {
	scorer := NewScorer(nil, nil)

	drop := scorer.Assess(Parse("DROP TABLE users"))
	require.Contains(t, drop.Recommendation, "DROP statements are not allowed")

	truncate := scorer.Assess(Parse("TRUNCATE orders"))
	require.Contains(t, truncate.Recommendation, "TRUNCATE statements are not allowed")
}
