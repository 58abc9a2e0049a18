package correlationtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/addonrelay/correlation"
)

// TableFactory creates a new Table instance for testing.
type TableFactory func(t *testing.T) correlation.Table

// RunTableTests runs the complete correlation.Table test suite against the provided factory.
func RunTableTests(t *testing.T, factory TableFactory) {
	t.Run("FulfillWakesWaiter", func(t *testing.T) { testFulfillWakesWaiter(t, factory) })
	t.Run("FulfillBeforeWait", func(t *testing.T) { testFulfillBeforeWait(t, factory) })
	t.Run("DuplicateBeginRejected", func(t *testing.T) { testDuplicateBegin(t, factory) })
	t.Run("UnknownIDDiscarded", func(t *testing.T) { testUnknownIDDiscarded(t, factory) })
	t.Run("SecondFulfillDiscarded", func(t *testing.T) { testSecondFulfillDiscarded(t, factory) })
	t.Run("TimeoutThenLateFulfill", func(t *testing.T) { testTimeoutThenLateFulfill(t, factory) })
	t.Run("CancelThenFulfill", func(t *testing.T) { testCancelThenFulfill(t, factory) })
	t.Run("ConcurrentIsolation", func(t *testing.T) { testConcurrentIsolation(t, factory) })
	t.Run("ExactlyOnceUnderRace", func(t *testing.T) { testExactlyOnceUnderRace(t, factory) })
}

func newID(t *testing.T, suffix string) string {
	return fmt.Sprintf("%s-%d-%s", t.Name(), time.Now().UnixNano(), suffix)
}

func testFulfillWakesWaiter(t *testing.T, factory TableFactory) {
	tbl := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := newID(t, "a")
	p, err := tbl.Begin(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		if ok, err := tbl.Fulfill(context.Background(), id, []byte(`{"ok":true}`)); err != nil || !ok {
			t.Errorf("fulfill: ok=%v err=%v", ok, err)
		}
	}()

	data, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Fatalf("unexpected payload %q", data)
	}
}

func testFulfillBeforeWait(t *testing.T, factory TableFactory) {
	tbl := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := newID(t, "a")
	p, err := tbl.Begin(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	ok, err := tbl.Fulfill(ctx, id, []byte("early"))
	if err != nil || !ok {
		t.Fatalf("fulfill: ok=%v err=%v", ok, err)
	}
	data, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(data) != "early" {
		t.Fatalf("unexpected payload %q", data)
	}
}

func testDuplicateBegin(t *testing.T, factory TableFactory) {
	tbl := factory(t)
	ctx := context.Background()

	id := newID(t, "dup")
	p, err := tbl.Begin(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer p.Cancel(ctx)

	if _, err := tbl.Begin(ctx, id, 5*time.Second); !errors.Is(err, correlation.ErrPendingExists) {
		t.Fatalf("expected ErrPendingExists, got %v", err)
	}
}

func testUnknownIDDiscarded(t *testing.T, factory TableFactory) {
	tbl := factory(t)
	ok, err := tbl.Fulfill(context.Background(), newID(t, "nobody"), []byte("x"))
	if err != nil {
		t.Fatalf("fulfill unknown: %v", err)
	}
	if ok {
		t.Fatal("expected unknown id to be discarded")
	}
}

func testSecondFulfillDiscarded(t *testing.T, factory TableFactory) {
	tbl := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := newID(t, "a")
	p, err := tbl.Begin(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if ok, _ := tbl.Fulfill(ctx, id, []byte("first")); !ok {
		t.Fatal("expected first fulfill to deliver")
	}
	if ok, err := tbl.Fulfill(ctx, id, []byte("second")); err != nil || ok {
		t.Fatalf("expected second fulfill to be discarded: ok=%v err=%v", ok, err)
	}
	data, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(data) != "first" {
		t.Fatalf("expected first payload, got %q", data)
	}
}

func testTimeoutThenLateFulfill(t *testing.T, factory TableFactory) {
	tbl := factory(t)

	id := newID(t, "late")
	p, err := tbl.Begin(context.Background(), id, 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	wctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	ok, err := tbl.Fulfill(context.Background(), id, []byte("too late"))
	if err != nil {
		t.Fatalf("late fulfill: %v", err)
	}
	if ok {
		t.Fatal("late response must be discarded after the waiter timed out")
	}
}

func testCancelThenFulfill(t *testing.T, factory TableFactory) {
	tbl := factory(t)
	ctx := context.Background()

	id := newID(t, "cancel")
	p, err := tbl.Begin(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := p.Cancel(ctx); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok, err := tbl.Fulfill(ctx, id, []byte("x")); err != nil || ok {
		t.Fatalf("expected fulfill after cancel to be discarded: ok=%v err=%v", ok, err)
	}
	// The id is free again.
	p2, err := tbl.Begin(ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("re-begin after cancel: %v", err)
	}
	_ = p2.Cancel(ctx)
}

func testConcurrentIsolation(t *testing.T, factory TableFactory) {
	tbl := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 20
	ids := make([]string, n)
	pendings := make([]correlation.Pending, n)
	for i := range ids {
		ids[i] = newID(t, fmt.Sprint(i))
		p, err := tbl.Begin(ctx, ids[i], 10*time.Second)
		if err != nil {
			t.Fatalf("begin %d: %v", i, err)
		}
		pendings[i] = p
	}

	// Fulfill in reverse order; each waiter must see only its own payload.
	for i := n - 1; i >= 0; i-- {
		if ok, err := tbl.Fulfill(ctx, ids[i], []byte(ids[i])); err != nil || !ok {
			t.Fatalf("fulfill %d: ok=%v err=%v", i, ok, err)
		}
	}

	var wg sync.WaitGroup
	for i := range pendings {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := pendings[i].Wait(ctx)
			if err != nil {
				t.Errorf("wait %d: %v", i, err)
				return
			}
			if string(data) != ids[i] {
				t.Errorf("waiter %d got %q, want %q", i, data, ids[i])
			}
		}(i)
	}
	wg.Wait()
}

// testExactlyOnceUnderRace fires Fulfill at roughly the same instant the
// waiter's deadline elapses. Either the waiter receives the payload and
// Fulfill reports delivery, or the waiter times out and Fulfill reports a
// discard. Never both, never neither.
func testExactlyOnceUnderRace(t *testing.T, factory TableFactory) {
	tbl := factory(t)

	const rounds = 20
	var mismatches atomic.Int32
	for i := 0; i < rounds; i++ {
		id := newID(t, fmt.Sprint(i))
		p, err := tbl.Begin(context.Background(), id, 5*time.Second)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}

		wctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		var delivered bool
		var fulfillErr error
		done := make(chan struct{})
		go func() {
			defer close(done)
			time.Sleep(20 * time.Millisecond)
			delivered, fulfillErr = tbl.Fulfill(context.Background(), id, []byte("payload"))
		}()

		data, waitErr := p.Wait(wctx)
		cancel()
		<-done

		if fulfillErr != nil {
			t.Fatalf("fulfill: %v", fulfillErr)
		}
		gotPayload := waitErr == nil && string(data) == "payload"
		if gotPayload != delivered {
			mismatches.Add(1)
			t.Errorf("round %d: waiter payload=%v (err=%v) but fulfill delivered=%v", i, gotPayload, waitErr, delivered)
		}
	}
	if n := mismatches.Load(); n > 0 {
		t.Fatalf("%d/%d rounds violated exactly-once completion", n, rounds)
	}
}
