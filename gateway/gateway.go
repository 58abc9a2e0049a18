// Package gateway multiplexes synchronous-looking calls to remote add-ons over
// their single persistent connection.
//
// SendAndAwait registers a waiter in the correlation table before the request
// is written, then suspends until the response arrives through Callback (from
// any connection, on any node sharing the table), the deadline elapses, or the
// connection the request went out on is dropped. Failures always surface as
// ErrUnreachable or ErrTimeout.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/addonrelay/correlation"
	"github.com/ggoodman/addonrelay/internal/logctx"
	"github.com/ggoodman/addonrelay/registry"
	"github.com/google/uuid"
)

const DefaultTimeout = 30 * time.Second

var (
	// ErrUnreachable indicates no live connection for the instance, or the
	// request could not be written to it.
	ErrUnreachable = errors.New("gateway: instance unreachable")
	// ErrTimeout indicates no response arrived before the deadline.
	ErrTimeout = errors.New("gateway: timed out waiting for response")
	// ErrConnectionLost accompanies ErrTimeout when the connection carrying
	// the request dropped before a response arrived.
	ErrConnectionLost = errors.New("gateway: connection lost")
)

// Gateway is safe for concurrent use.
type Gateway struct {
	reg            *registry.Registry
	table          correlation.Table
	log            *slog.Logger
	defaultTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]map[string]context.CancelCauseFunc // connID -> correlationID -> cancel
}

type Option func(*Gateway)

func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// WithDefaultTimeout applies to SendAndAwait calls that pass no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.defaultTimeout = d
		}
	}
}

func New(reg *registry.Registry, table correlation.Table, opts ...Option) *Gateway {
	g := &Gateway{
		reg:            reg,
		table:          table,
		log:            slog.Default(),
		defaultTimeout: DefaultTimeout,
		inflight:       make(map[string]map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnConnect records conn as the live connection for instanceID.
func (g *Gateway) OnConnect(ctx context.Context, conn registry.Conn, instanceID, instanceURL, version string) {
	prev, replaced := g.reg.Register(registry.Record{
		InstanceID:  instanceID,
		Conn:        conn,
		InstanceURL: instanceURL,
		Version:     version,
	})
	ctx = logctx.WithInstanceData(ctx, &logctx.InstanceData{InstanceID: instanceID, ConnID: conn.ID()})
	if replaced {
		g.log.InfoContext(ctx, "gateway.on_connect.replaced", slog.String("previous_conn_id", prev.ConnID()))
		return
	}
	g.log.InfoContext(ctx, "gateway.on_connect", slog.String("instance_url", instanceURL), slog.String("version", version))
}

// OnDisconnect removes the connection from the registry (a no-op if it was
// already superseded) and fails every request still waiting on it.
func (g *Gateway) OnDisconnect(ctx context.Context, connID string) {
	removed := g.reg.Unregister(connID)

	g.mu.Lock()
	waiting := g.inflight[connID]
	delete(g.inflight, connID)
	g.mu.Unlock()

	for _, cancel := range waiting {
		cancel(ErrConnectionLost)
	}
	g.log.InfoContext(ctx, "gateway.on_disconnect",
		slog.String("conn_id", connID),
		slog.Bool("removed", removed),
		slog.Int("failed_inflight", len(waiting)),
	)
}

// Touch refreshes the last-seen time of a live connection.
func (g *Gateway) Touch(connID string) {
	g.reg.Touch(connID)
}

// Connections lists the live connection records.
func (g *Gateway) Connections() []registry.Record {
	return g.reg.Snapshot()
}

// Callback completes the waiter for correlationID with raw. Unknown, late and
// duplicate responses are discarded silently; the return value reports
// whether a waiter received it.
func (g *Gateway) Callback(ctx context.Context, correlationID string, raw []byte) bool {
	if correlationID == "" {
		return false
	}
	ok, err := g.table.Fulfill(ctx, correlationID, raw)
	if err != nil {
		g.log.ErrorContext(ctx, "gateway.callback.err", slog.String("correlation_id", correlationID), slog.String("err", err.Error()))
		return false
	}
	if !ok {
		g.log.DebugContext(ctx, "gateway.callback.discarded", slog.String("correlation_id", correlationID))
	}
	return ok
}

// SendAndAwait sends env to instanceID and returns the raw response. A
// timeout <= 0 uses the gateway default. The returned error wraps either
// ErrUnreachable or ErrTimeout.
func (g *Gateway) SendAndAwait(ctx context.Context, instanceID string, env RequestEnvelope, timeout time.Duration) ([]byte, error) {
	rec, ok := g.reg.Resolve(instanceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not connected", ErrUnreachable, instanceID)
	}
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	env.CorrelationID = uuid.NewString()
	env.TargetInstanceID = instanceID
	frame, err := json.Marshal(Frame{Type: FrameRequest, Envelope: &env})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %w", ErrUnreachable, err)
	}

	ctx = logctx.WithInstanceData(ctx, &logctx.InstanceData{InstanceID: instanceID, ConnID: rec.ConnID()})
	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{CorrelationID: env.CorrelationID, Method: env.Method, URL: env.URL})

	pending, err := g.table.Begin(ctx, env.CorrelationID, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: register pending request: %w", ErrUnreachable, err)
	}

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wctx, cancelTimeout := context.WithTimeoutCause(wctx, timeout, ErrTimeout)
	defer cancelTimeout()

	connID := rec.ConnID()
	g.track(connID, env.CorrelationID, cancel)
	defer g.untrack(connID, env.CorrelationID)

	if err := rec.Conn.Send(wctx, frame); err != nil {
		_ = pending.Cancel(context.WithoutCancel(ctx))
		g.log.WarnContext(ctx, "gateway.send_and_await.send_err", slog.String("err", err.Error()))
		return nil, fmt.Errorf("%w: send to %s: %w", ErrUnreachable, instanceID, err)
	}

	data, err := pending.Wait(wctx)
	if err == nil {
		return data, nil
	}

	cause := context.Cause(wctx)
	switch {
	case errors.Is(cause, ErrConnectionLost):
		g.log.WarnContext(ctx, "gateway.send_and_await.connection_lost")
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ErrConnectionLost)
	case errors.Is(cause, ErrTimeout), errors.Is(err, correlation.ErrPendingCanceled):
		g.log.WarnContext(ctx, "gateway.send_and_await.timeout", slog.Duration("timeout", timeout))
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case cause != nil:
		// The caller's own context ended first.
		return nil, fmt.Errorf("%w: %w", ErrTimeout, cause)
	default:
		return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
	}
}

func (g *Gateway) track(connID, correlationID string, cancel context.CancelCauseFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.inflight[connID]
	if !ok {
		m = make(map[string]context.CancelCauseFunc)
		g.inflight[connID] = m
	}
	m[correlationID] = cancel
}

func (g *Gateway) untrack(connID, correlationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.inflight[connID]
	if !ok {
		return
	}
	delete(m, correlationID)
	if len(m) == 0 {
		delete(g.inflight, connID)
	}
}
