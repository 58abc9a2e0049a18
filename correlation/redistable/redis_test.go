package redistable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/addonrelay/correlation"
	"github.com/ggoodman/addonrelay/correlation/correlationtest"
	"github.com/redis/go-redis/v9"
)

func newTestTable(t *testing.T, m *miniredis.Miniredis) *Table {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	tbl, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = tbl.Close()
		_ = client.Close()
	})
	return tbl
}

func TestRedisTable(t *testing.T) {
	m := miniredis.RunT(t)
	correlationtest.RunTableTests(t, func(t *testing.T) correlation.Table {
		return newTestTable(t, m)
	})
}

func TestResponseOnOtherNodeWakesWaiter(t *testing.T) {
	m := miniredis.RunT(t)
	sender := newTestTable(t, m)
	receiver := newTestTable(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := sender.Begin(ctx, "cross-node", 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		if ok, err := receiver.Fulfill(context.Background(), "cross-node", []byte("hello")); err != nil || !ok {
			t.Errorf("fulfill on other node: ok=%v err=%v", ok, err)
		}
	}()

	start := time.Now()
	data, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected payload %q", data)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("waiter was not woken promptly: %v", elapsed)
	}
}

func TestExpiredMarkerDiscardsResponse(t *testing.T) {
	m := miniredis.RunT(t)
	tbl := newTestTable(t, m)
	ctx := context.Background()

	p, err := tbl.Begin(ctx, "ttl", time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	m.FastForward(2 * time.Second)

	if ok, err := tbl.Fulfill(ctx, "ttl", []byte("late")); err != nil || ok {
		t.Fatalf("expected expired request to discard response: ok=%v err=%v", ok, err)
	}

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(wctx); !errors.Is(err, correlation.ErrPendingCanceled) {
		t.Fatalf("expected ErrPendingCanceled, got %v", err)
	}
}

func TestReplyKeyConsumed(t *testing.T) {
	m := miniredis.RunT(t)
	tbl := newTestTable(t, m)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p, err := tbl.Begin(ctx, "consume", 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if ok, _ := tbl.Fulfill(ctx, "consume", []byte("x")); !ok {
		t.Fatal("expected delivery")
	}
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if m.Exists(tbl.replyKey("consume")) || m.Exists(tbl.awaitKey("consume")) {
		t.Fatal("expected await and reply keys to be removed after completion")
	}
}
