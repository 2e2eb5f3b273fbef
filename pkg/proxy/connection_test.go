package proxy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chaostrace/sandbox/pkg/chaos"
)

func permissivePipeline(t *testing.T) *Pipeline {
	return newTestPipeline(t, false)
}

func TestConnectionTearsDownOnSimulatedTimeout(t *testing.T) {
	clientSide, proxyClientSide := net.Pipe()
	_, proxyServerSide := net.Pipe()

	hooks := chaos.NewHooks(nil, zerolog.Nop())
	duration := 5
	require.NoError(t, hooks.Execute(context.Background(), chaos.Action{
		Type:            chaos.ActionSimulateTimeout,
		DurationSeconds: &duration,
	}, chaos.EventView{}, chaos.RunView{}))

	conn := &Connection{
		RunID:    uuid.New(),
		Client:   proxyClientSide,
		Server:   proxyServerSide,
		Pipeline: permissivePipeline(t),
		Hooks:    hooks,
		Log:      zerolog.Nop(),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Run(context.Background()) }()

	go func() {
		clientSide.Write(buildQueryMessage("SELECT 1"))
	}()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, ErrSimulatedTimeout))
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not tear down after simulated timeout")
	}
}
