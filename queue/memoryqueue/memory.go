// Package memoryqueue provides an in-process queue.Queue with visibility
// timeouts. It is suitable for single-node deployments and testing.
package memoryqueue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/addonrelay/queue"
	"github.com/google/uuid"
)

type item struct {
	id             string
	body           []byte
	token          string
	invisibleUntil time.Time
	attempts       int
}

// Queue implements queue.Queue in memory. Messages are offered in push order.
type Queue struct {
	mu         sync.Mutex
	items      []*item
	byToken    map[string]*item
	seq        int64
	visibility time.Duration
	now        func() time.Time
}

type Option func(*Queue)

func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.visibility = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		byToken:    make(map[string]*item),
		visibility: queue.DefaultVisibilityTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Push(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, &item{id: strconv.FormatInt(q.seq, 10), body: append([]byte(nil), body...)})
	return nil
}

func (q *Queue) Pull(ctx context.Context, max int) ([]queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []queue.Message
	for _, it := range q.items {
		if len(out) == max {
			break
		}
		if now.Before(it.invisibleUntil) {
			continue
		}
		// A new token per delivery invalidates acks from an earlier, expired pull.
		if it.token != "" {
			delete(q.byToken, it.token)
		}
		it.token = uuid.NewString()
		it.invisibleUntil = now.Add(q.visibility)
		it.attempts++
		q.byToken[it.token] = it
		out = append(out, queue.Message{ID: it.id, Body: it.body, DeliveryToken: it.token, Attempts: it.attempts})
	}
	return out, nil
}

func (q *Queue) Ack(ctx context.Context, deliveryToken string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byToken[deliveryToken]
	if !ok {
		return queue.ErrUnknownToken
	}
	delete(q.byToken, deliveryToken)
	for i, cur := range q.items {
		if cur == it {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports the number of unacked messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

var _ queue.Queue = (*Queue)(nil)
