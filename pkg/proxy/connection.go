package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chaostrace/sandbox/pkg/chaos"
	"github.com/chaostrace/sandbox/pkg/events"
)

// EventSink receives every observed SQL event and every chaos-observed
// event for scheduling.
type EventSink interface {
	AddEvent(e events.Event)
}

// Connection bridges one client TCP connection to the real database
// connection for the duration of a run, running the client->server and
// server->client relays as a pair of goroutines coordinated by an
// errgroup.Group: the first side to fail tears down both sockets.
type Connection struct {
	RunID    uuid.UUID
	Client   net.Conn
	Server   net.Conn
	Pipeline *Pipeline
	Hooks    *chaos.Hooks
	Sink     EventSink
	Log      zerolog.Logger
}

// Run blocks until the connection closes in either direction or ctx is
// canceled, then tears down both sockets and returns the first error
// observed.
func (c *Connection) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.relayClientToServer(ctx)
	})
	g.Go(func() error {
		return c.relayServerToClient(ctx)
	})

	go func() {
		<-ctx.Done()
		c.Client.Close()
		c.Server.Close()
	}()

	err := g.Wait()
	c.Client.Close()
	c.Server.Close()
	return err
}

func (c *Connection) relayClientToServer(ctx context.Context) error {
	buf := make([]byte, 0, 16*1024)
	chunk := make([]byte, 16*1024)

	for {
		n, err := c.Client.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		for {
			msgLen := MessageLength(buf)
			if msgLen == 0 || len(buf) < msgLen {
				break
			}
			msg := buf[:msgLen]
			buf = buf[msgLen:]

			if err := c.handleClientMessage(ctx, msg); err != nil {
				return err
			}
		}
	}
}

// ErrSimulatedTimeout is returned from the client->server relay when a
// SIMULATE_TIMEOUT chaos action is armed: the connection tears down exactly
// as it would if the real database had vanished mid-statement.
var ErrSimulatedTimeout = errors.New("proxy: simulated timeout, connection closed")

func (c *Connection) handleClientMessage(ctx context.Context, msg []byte) error {
	sql, ok := ExtractQuery(msg)
	if !ok {
		_, err := c.Server.Write(msg)
		return err
	}

	if c.Hooks != nil && c.Hooks.ConsumeTimeout() {
		return ErrSimulatedTimeout
	}

	decision := c.Pipeline.EvaluateSafe(c.RunID, sql)
	if c.Sink != nil {
		c.Sink.AddEvent(decision.Event)
	}

	if decision.Blocked {
		_, err := c.Client.Write(CreateBlockedResponse(decision.Reason))
		return err
	}

	if latency := CurrentLatency(c.Hooks); latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	_, err := c.Server.Write(msg)
	return err
}

func (c *Connection) relayServerToClient(ctx context.Context) error {
	_, err := io.Copy(c.Client, c.Server)
	if err == nil || err == io.EOF {
		return nil
	}
	return err
}
