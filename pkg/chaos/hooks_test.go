package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestResolveTemplatesSubstitutesKnownTokens(t *testing.T) {
	event := EventView{Tables: []string{"orders", "customers"}}
	run := RunView{ID: "run-abc"}

	require.Equal(t, "orders", resolveTemplates("{event.tables[0]}", event, run))
	require.Equal(t, "customers", resolveTemplates("{event.tables[1]}", event, run))
	require.Equal(t, "run-abc", resolveTemplates("{run.id}", event, run))
}

func TestResolveTemplatesLeavesUnknownTokensVerbatim(t *testing.T) {
	event := EventView{Tables: []string{"orders"}}
	run := RunView{ID: "run-abc"}

	require.Equal(t, "{event.tables[5]}", resolveTemplates("{event.tables[5]}", event, run))
	require.Equal(t, "{unknown.token}", resolveTemplates("{unknown.token}", event, run))
}

func newTestHooks() *Hooks {
	return NewHooks(nil, zerolog.Nop())
}

func TestAdvisoryActionsAreRecordedNotExecuted(t *testing.T) {
	h := newTestHooks()
	err := h.Execute(context.Background(), Action{Type: ActionDiskFull, Parameters: map[string]interface{}{"percentage": 90}}, EventView{}, RunView{ID: "run-1"})
	require.NoError(t, err)

	a, ok := h.Advisory(ActionDiskFull)
	require.True(t, ok)
	require.Equal(t, ActionDiskFull, a.Type)
}

func TestAddLatencyExpiresAfterDuration(t *testing.T) {
	h := newTestHooks()
	zero := 0
	ms := 250
	err := h.Execute(context.Background(), Action{Type: ActionAddLatency, LatencyMs: &ms, DurationSeconds: &zero}, EventView{}, RunView{})
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), h.CurrentLatency())
}

func TestUnknownActionTypeErrors(t *testing.T) {
	h := newTestHooks()
	err := h.Execute(context.Background(), Action{Type: "not_a_real_action"}, EventView{}, RunView{})
	require.Error(t, err)
}

func TestConsumeTimeoutIsOneShot(t *testing.T) {
	h := newTestHooks()
	require.False(t, h.ConsumeTimeout())

	duration := 5
	err := h.Execute(context.Background(), Action{Type: ActionSimulateTimeout, DurationSeconds: &duration}, EventView{}, RunView{})
	require.NoError(t, err)

	require.True(t, h.ConsumeTimeout())
	require.False(t, h.ConsumeTimeout())
}
