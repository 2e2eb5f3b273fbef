package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chaostrace/sandbox/pkg/run"
)

func TestDeriveVerdict(t *testing.T) {
	cases := []struct {
		name       string
		status     run.Status
		blocked    int
		violations int
		want       run.Verdict
	}{
		{"terminated always incomplete", run.StatusTerminated, 0, 0, run.VerdictIncomplete},
		{"terminated with violations still incomplete", run.StatusTerminated, 3, 5, run.VerdictIncomplete},
		{"failed is fail", run.StatusFailed, 0, 0, run.VerdictFail},
		{"completed clean is pass", run.StatusCompleted, 0, 0, run.VerdictPass},
		{"completed with block no violation is warn", run.StatusCompleted, 1, 0, run.VerdictWarn},
		{"completed with violation is fail", run.StatusCompleted, 0, 1, run.VerdictFail},
		{"completed with block and violation is fail", run.StatusCompleted, 2, 1, run.VerdictFail},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveVerdict(tc.status, tc.blocked, tc.violations)
			require.Equal(t, tc.want, got)
		})
	}
}
