package proxy

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chaostrace/sandbox/pkg/analyzer"
	"github.com/chaostrace/sandbox/pkg/policy"
)

func newTestPipeline(t *testing.T, requireTransaction bool) *Pipeline {
	t.Helper()
	yaml := "name: test\n"
	if requireTransaction {
		yaml += "require_transaction: true\n"
	}
	def, err := policy.Load([]byte(yaml))
	require.NoError(t, err)
	return &Pipeline{
		Scorer: analyzer.NewScorer(nil, nil),
		Policy: policy.NewEngine(def, zerolog.Nop()),
		Log:    zerolog.Nop(),
	}
}

func TestPipelineTracksTransactionState(t *testing.T) {
	p := newTestPipeline(t, true)
	runID := uuid.New()

	blocked := p.Evaluate(runID, "INSERT INTO orders (id) VALUES (1)")
	require.True(t, blocked.Blocked)

	p.Evaluate(runID, "BEGIN")
	allowed := p.Evaluate(runID, "INSERT INTO orders (id) VALUES (1)")
	require.False(t, allowed.Blocked)

	p.Evaluate(runID, "COMMIT")
	blockedAgain := p.Evaluate(runID, "INSERT INTO orders (id) VALUES (1)")
	require.True(t, blockedAgain.Blocked)
}
