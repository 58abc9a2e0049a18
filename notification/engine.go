package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ggoodman/addonrelay/internal/logctx"
	"golang.org/x/sync/errgroup"
)

// Renderer turns a notification into the card content the deliverer posts.
type Renderer interface {
	Render(ctx context.Context, n Notification) ([]byte, error)
}

// Deliverer posts rendered content to the conversation identified by the
// opaque conversation reference.
type Deliverer interface {
	Deliver(ctx context.Context, content []byte, conversationReference string) error
}

// Outcome summarises the processing of one event.
type Outcome struct {
	// Skipped is set when the event was dropped before matching.
	Skipped   bool
	Matched   int
	Delivered int
	Failed    int
}

// Engine distributes events to matching subscriptions.
type Engine struct {
	subs         SubscriptionStore
	regs         RegistrationStore
	renderer     Renderer
	deliverer    Deliverer
	log          *slog.Logger
	storeTimeout time.Duration
	concurrency  int
}

type EngineOption func(*Engine)

func WithEngineLogger(log *slog.Logger) EngineOption {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithStoreTimeout bounds each store lookup made while processing an event.
func WithStoreTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithDeliveryConcurrency bounds concurrent deliveries for a single event.
func WithDeliveryConcurrency(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func NewEngine(subs SubscriptionStore, regs RegistrationStore, renderer Renderer, deliverer Deliverer, opts ...EngineOption) *Engine {
	e := &Engine{
		subs:         subs,
		regs:         regs,
		renderer:     renderer,
		deliverer:    deliverer,
		log:          slog.Default(),
		storeTimeout: 5 * time.Second,
		concurrency:  8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process distributes ev. Per-subscriber failures are logged and counted in
// the outcome; an error is returned only when the event could not be
// processed at all.
func (e *Engine) Process(ctx context.Context, ev Event) (Outcome, error) {
	ctx = logctx.WithEventData(ctx, &logctx.EventData{InstanceID: ev.InstanceID, Type: string(ev.Type), IssueKey: ev.Issue.Key})

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	reg, err := e.regs.GetRegistration(sctx, ev.InstanceID)
	cancel()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.log.WarnContext(ctx, "notification.process.unprovisioned")
			return Outcome{Skipped: true}, nil
		}
		return Outcome{}, fmt.Errorf("load registration %s: %w", ev.InstanceID, err)
	}

	sctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
	subs, err := e.subs.ActiveByInstance(sctx, ev.InstanceID)
	cancel()
	if err != nil {
		return Outcome{}, fmt.Errorf("load subscriptions %s: %w", ev.InstanceID, err)
	}

	matches := Match(ev, subs)
	out := Outcome{Matched: len(matches)}
	if len(matches) == 0 {
		e.log.DebugContext(ctx, "notification.process.no_match", slog.Int("candidates", len(subs)))
		return out, nil
	}

	var delivered, failed atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(e.concurrency)
	for _, n := range matches {
		n.InstanceURL = reg.InstanceURL
		g.Go(func() error {
			if e.deliver(ctx, n) {
				delivered.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Delivered = int(delivered.Load())
	out.Failed = int(failed.Load())
	return out, nil
}

// deliver renders and posts one notification. It never panics and reports
// success.
func (e *Engine) deliver(ctx context.Context, n Notification) (ok bool) {
	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{SubscriptionID: n.Subscription.ID, Type: string(n.Subscription.Type)})
	defer func() {
		if r := recover(); r != nil {
			e.log.ErrorContext(ctx, "notification.deliver.panic", slog.Any("panic", r))
			ok = false
		}
	}()

	content, err := e.renderer.Render(ctx, n)
	if err != nil {
		e.log.ErrorContext(ctx, "notification.render.err", slog.String("err", err.Error()))
		return false
	}
	if err := e.deliverer.Deliver(ctx, content, n.Subscription.ConversationReference); err != nil {
		e.log.ErrorContext(ctx, "notification.deliver.err", slog.String("err", err.Error()))
		return false
	}
	e.log.InfoContext(ctx, "notification.delivered",
		slog.String("subscription_type", string(n.Subscription.Type)),
		slog.Bool("mention", n.IsMention),
	)
	return true
}
