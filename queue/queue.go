// Package queue defines the pull source notification events arrive through.
//
// Delivery is at-least-once: a pulled message stays invisible to other pullers
// for the visibility timeout and becomes visible again unless it is acked with
// the delivery token of that pull.
package queue

import (
	"context"
	"errors"
	"time"
)

// DefaultVisibilityTimeout is how long a pulled message stays hidden.
const DefaultVisibilityTimeout = 5 * time.Minute

// ErrUnknownToken is returned by Ack for a token that is not (or no longer)
// outstanding.
var ErrUnknownToken = errors.New("queue: unknown delivery token")

// Message is one delivery of a queued message.
type Message struct {
	ID            string
	Body          []byte
	DeliveryToken string
	// Attempts counts deliveries including this one.
	Attempts int
}

type Queue interface {
	Push(ctx context.Context, body []byte) error
	// Pull returns up to max visible messages without blocking. An empty
	// result is not an error.
	Pull(ctx context.Context, max int) ([]Message, error)
	Ack(ctx context.Context, deliveryToken string) error
}
