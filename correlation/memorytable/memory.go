// Package memorytable is the in-process correlation.Table.
package memorytable

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/addonrelay/correlation"
)

// Table is an in-memory implementation of correlation.Table.
type Table struct {
	mu      sync.Mutex
	pending map[string]*pendingState
}

type pendingState struct {
	ch    chan []byte // capacity 1, closed when completed without data
	done  bool
	timer *time.Timer
}

// completeLocked marks the state done. It reports whether the caller won
// completion rights.
func (p *pendingState) completeLocked() bool {
	if p.done {
		return false
	}
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

func New() *Table {
	return &Table{pending: make(map[string]*pendingState)}
}

// Len reports the number of registered waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Table) Begin(ctx context.Context, correlationID string, ttl time.Duration) (correlation.Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[correlationID]; exists {
		return nil, correlation.ErrPendingExists
	}
	st := &pendingState{ch: make(chan []byte, 1)}
	t.pending[correlationID] = st

	// TTL eviction
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if cur, ok := t.pending[correlationID]; ok && cur == st && st.completeLocked() {
				delete(t.pending, correlationID)
				close(st.ch)
			}
		})
	}

	return &pending{t: t, id: correlationID, st: st}, nil
}

func (t *Table) Fulfill(ctx context.Context, correlationID string, data []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.pending[correlationID]
	if !ok {
		return false, nil
	}
	delete(t.pending, correlationID)
	if !st.completeLocked() {
		return false, nil
	}
	// Capacity 1 and single completion: never blocks.
	st.ch <- append([]byte(nil), data...)
	close(st.ch)
	return true, nil
}

type pending struct {
	t  *Table
	id string
	st *pendingState
}

func (p *pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-p.st.ch:
		if !ok {
			return nil, correlation.ErrPendingCanceled
		}
		return data, nil
	case <-ctx.Done():
	}

	if p.claim() {
		return nil, ctx.Err()
	}

	// Completion rights were already taken; the channel is either holding the
	// response or closed by a cancellation.
	data, ok := <-p.st.ch
	if !ok {
		return nil, correlation.ErrPendingCanceled
	}
	return data, nil
}

func (p *pending) Cancel(ctx context.Context) error {
	p.claim()
	return nil
}

// claim takes completion rights for the waiter side and closes the channel.
func (p *pending) claim() bool {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()

	if cur, ok := p.t.pending[p.id]; ok && cur == p.st {
		delete(p.t.pending, p.id)
	}
	if !p.st.completeLocked() {
		return false
	}
	close(p.st.ch)
	return true
}

var _ correlation.Table = (*Table)(nil)
