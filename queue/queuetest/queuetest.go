package queuetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/addonrelay/queue"
)

// QueueFactory creates a new, empty Queue whose visibility timeout is
// visibility.
type QueueFactory func(t *testing.T, visibility time.Duration) queue.Queue

// RunQueueTests runs the complete queue.Queue test suite against the provided factory.
func RunQueueTests(t *testing.T, factory QueueFactory) {
	t.Run("PushPullAck", func(t *testing.T) { testPushPullAck(t, factory) })
	t.Run("EmptyPull", func(t *testing.T) { testEmptyPull(t, factory) })
	t.Run("PullRespectsMax", func(t *testing.T) { testPullRespectsMax(t, factory) })
	t.Run("PulledMessageInvisible", func(t *testing.T) { testPulledMessageInvisible(t, factory) })
	t.Run("UnackedMessageRedelivered", func(t *testing.T) { testUnackedRedelivered(t, factory) })
	t.Run("UnknownTokenRejected", func(t *testing.T) { testUnknownToken(t, factory) })
}

func testPushPullAck(t *testing.T, factory QueueFactory) {
	q := factory(t, time.Minute)
	ctx := context.Background()

	for _, body := range []string{"one", "two"} {
		if err := q.Push(ctx, []byte(body)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	msgs, err := q.Pull(ctx, 10)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(msgs) != 2 || string(msgs[0].Body) != "one" || string(msgs[1].Body) != "two" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	for _, m := range msgs {
		if m.DeliveryToken == "" || m.Attempts != 1 {
			t.Fatalf("unexpected delivery metadata: %+v", m)
		}
		if err := q.Ack(ctx, m.DeliveryToken); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if err := q.Ack(ctx, msgs[0].DeliveryToken); !errors.Is(err, queue.ErrUnknownToken) {
		t.Fatalf("expected double ack to report ErrUnknownToken, got %v", err)
	}
}

func testEmptyPull(t *testing.T, factory QueueFactory) {
	q := factory(t, time.Minute)
	msgs, err := q.Pull(context.Background(), 5)
	if err != nil {
		t.Fatalf("pull on empty queue: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
}

func testPullRespectsMax(t *testing.T, factory QueueFactory) {
	q := factory(t, time.Minute)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = q.Push(ctx, []byte{byte('a' + i)})
	}
	first, err := q.Pull(ctx, 2)
	if err != nil || len(first) != 2 {
		t.Fatalf("expected 2 messages, got %d (err=%v)", len(first), err)
	}
	rest, err := q.Pull(ctx, 10)
	if err != nil || len(rest) != 3 {
		t.Fatalf("expected the remaining 3 messages, got %d (err=%v)", len(rest), err)
	}
}

func testPulledMessageInvisible(t *testing.T, factory QueueFactory) {
	q := factory(t, time.Minute)
	ctx := context.Background()
	_ = q.Push(ctx, []byte("x"))

	if msgs, _ := q.Pull(ctx, 1); len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	msgs, err := q.Pull(ctx, 1)
	if err != nil {
		t.Fatalf("second pull: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatal("message must stay invisible within the visibility timeout")
	}
}

func testUnackedRedelivered(t *testing.T, factory QueueFactory) {
	q := factory(t, 50*time.Millisecond)
	ctx := context.Background()
	_ = q.Push(ctx, []byte("retry-me"))

	first, _ := q.Pull(ctx, 1)
	if len(first) != 1 {
		t.Fatalf("expected one message, got %d", len(first))
	}

	time.Sleep(150 * time.Millisecond)

	again, err := q.Pull(ctx, 1)
	if err != nil {
		t.Fatalf("pull after visibility timeout: %v", err)
	}
	if len(again) != 1 || string(again[0].Body) != "retry-me" {
		t.Fatalf("expected redelivery, got %+v", again)
	}
	if again[0].Attempts < 2 {
		t.Fatalf("expected attempts to grow on redelivery, got %d", again[0].Attempts)
	}
	if err := q.Ack(ctx, again[0].DeliveryToken); err != nil {
		t.Fatalf("ack redelivered: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if msgs, _ := q.Pull(ctx, 1); len(msgs) != 0 {
		t.Fatal("acked message must not be redelivered")
	}
}

func testUnknownToken(t *testing.T, factory QueueFactory) {
	q := factory(t, time.Minute)
	if err := q.Ack(context.Background(), "0-1"); !errors.Is(err, queue.ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}
