package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/addonrelay/queue"
	"golang.org/x/sync/errgroup"
)

const ackTimeout = 5 * time.Second

// Processor distributes one event.
type Processor interface {
	Process(ctx context.Context, ev Event) (Outcome, error)
}

// Ingestor moves events from the queue into the engine. Queue failures are
// logged and swallowed; they never stop the loop.
type Ingestor struct {
	q       queue.Queue
	proc    Processor
	log     *slog.Logger
	batch   int
	workers int
	poll    time.Duration
}

type IngestorOption func(*Ingestor)

func WithIngestorLogger(log *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		if log != nil {
			i.log = log
		}
	}
}

// WithBatchSize sets how many messages one pull asks for.
func WithBatchSize(n int) IngestorOption {
	return func(i *Ingestor) {
		if n > 0 {
			i.batch = n
		}
	}
}

// WithWorkers bounds how many events of a batch are processed concurrently.
func WithWorkers(n int) IngestorOption {
	return func(i *Ingestor) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithPollInterval sets the pause after a pull that returned nothing.
func WithPollInterval(d time.Duration) IngestorOption {
	return func(i *Ingestor) {
		if d > 0 {
			i.poll = d
		}
	}
}

func NewIngestor(q queue.Queue, proc Processor, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{q: q, proc: proc, log: slog.Default(), batch: 16, workers: 4, poll: time.Second}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Push enqueues a raw event.
func (i *Ingestor) Push(ctx context.Context, raw []byte) {
	if err := i.q.Push(ctx, raw); err != nil {
		i.log.ErrorContext(ctx, "notification.ingest.push.err", slog.String("err", err.Error()))
	}
}

// Pull returns the next batch. A failed pull is logged and yields whatever was
// read before the failure.
func (i *Ingestor) Pull(ctx context.Context) []queue.Message {
	msgs, err := i.q.Pull(ctx, i.batch)
	if err != nil && ctx.Err() == nil {
		i.log.ErrorContext(ctx, "notification.ingest.pull.err", slog.String("err", err.Error()))
	}
	return msgs
}

// Ack acknowledges a delivery. It runs even when ctx is already done, so a
// processed event is not redelivered just because shutdown began.
func (i *Ingestor) Ack(ctx context.Context, token string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	if err := i.q.Ack(actx, token); err != nil {
		i.log.WarnContext(ctx, "notification.ingest.ack.err", slog.String("err", err.Error()))
	}
}

// Run polls until ctx is done. Each message is acked after processing,
// including messages dropped as malformed and events whose distribution
// failed; the visibility timeout only covers a consumer that dies mid-batch.
func (i *Ingestor) Run(ctx context.Context) error {
	i.log.InfoContext(ctx, "notification.ingest.start", slog.Int("batch", i.batch), slog.Int("workers", i.workers))
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msgs := i.Pull(ctx)
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(i.poll):
			}
			continue
		}

		g := new(errgroup.Group)
		g.SetLimit(i.workers)
		for _, m := range msgs {
			g.Go(func() error {
				i.handle(ctx, m)
				return nil
			})
		}
		_ = g.Wait()
	}
}

func (i *Ingestor) handle(ctx context.Context, m queue.Message) {
	defer i.Ack(ctx, m.DeliveryToken)
	defer func() {
		if r := recover(); r != nil {
			i.log.ErrorContext(ctx, "notification.ingest.panic", slog.String("message_id", m.ID), slog.Any("panic", r))
		}
	}()

	ev, err := DecodeEvent(m.Body)
	if err != nil {
		i.log.WarnContext(ctx, "notification.ingest.decode.err", slog.String("message_id", m.ID), slog.String("err", err.Error()))
		return
	}
	out, err := i.proc.Process(ctx, ev)
	if err != nil {
		i.log.ErrorContext(ctx, "notification.ingest.process.err",
			slog.String("message_id", m.ID),
			slog.String("instance_id", ev.InstanceID),
			slog.String("err", err.Error()),
		)
		return
	}
	i.log.DebugContext(ctx, "notification.ingest.processed",
		slog.String("message_id", m.ID),
		slog.Int("attempts", m.Attempts),
		slog.Int("matched", out.Matched),
		slog.Int("delivered", out.Delivered),
		slog.Int("failed", out.Failed),
	)
}
