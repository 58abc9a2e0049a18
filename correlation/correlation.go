// Package correlation defines the rendezvous between a caller waiting on a
// remote response and whoever later receives that response.
//
// A Pending is created for one correlation id before the request is put on
// the wire, so a response can never race ahead of its waiter. Exactly one of
// {fulfilled, expired, cancelled} ends a Pending: Fulfill and the waiter's own
// timeout compete for completion rights, and the loser is a no-op.
//
// Implementations
//
//	memorytable : in-process map, suitable for a single gateway node
//	redistable  : Redis-backed, lets a response that lands on any node wake the
//	              waiter on the node that sent the request
package correlation

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPendingExists indicates there is already a waiter for the correlation id.
	ErrPendingExists = errors.New("correlation: pending request already registered")
	// ErrPendingCanceled is returned from Wait when the pending request was
	// cancelled or expired before a response arrived.
	ErrPendingCanceled = errors.New("correlation: pending request canceled")
)

// Pending is the waiting side of a single in-flight request.
type Pending interface {
	// Wait blocks until the response arrives or ctx ends. When ctx ends, Wait
	// tries to claim completion rights. If a response won the race it is
	// returned instead of the context error, so the caller observes exactly
	// one outcome.
	Wait(ctx context.Context) ([]byte, error)
	// Cancel abandons the request. A later Fulfill reports false.
	Cancel(ctx context.Context) error
}

// Table maps correlation ids to waiting callers.
type Table interface {
	// Begin registers a waiter for correlationID. The entry is evicted after
	// ttl even if nobody calls Wait. Begin must be visible to Fulfill callers
	// (on any node) before it returns.
	Begin(ctx context.Context, correlationID string, ttl time.Duration) (Pending, error)
	// Fulfill delivers data to the waiter for correlationID and reports
	// whether it was delivered. Unknown, expired, cancelled or already
	// fulfilled ids return false without error.
	Fulfill(ctx context.Context, correlationID string, data []byte) (delivered bool, err error)
}
