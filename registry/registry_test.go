package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeConn struct{ id string }

func (c fakeConn) ID() string { return c.id }

func (c fakeConn) Send(ctx context.Context, payload []byte) error { return nil }

func TestRegisterResolve(t *testing.T) {
	r := New()
	if _, ok := r.Resolve("X"); ok {
		t.Fatal("expected unknown instance to be unresolved")
	}

	r.Register(Record{InstanceID: "X", Conn: fakeConn{"h1"}, InstanceURL: "https://jira.example.com", Version: "1.0"})
	rec, ok := r.Resolve("X")
	if !ok {
		t.Fatal("expected instance to resolve")
	}
	if rec.ConnID() != "h1" || rec.InstanceURL != "https://jira.example.com" || rec.Version != "1.0" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.ConnectedAt.IsZero() || rec.LastSeenAt.IsZero() {
		t.Fatalf("expected timestamps to be populated: %+v", rec)
	}
}

func TestStaleHandleUnregisterKeepsNewerConnection(t *testing.T) {
	r := New()
	r.Register(Record{InstanceID: "X", Conn: fakeConn{"h1"}})
	prev, replaced := r.Register(Record{InstanceID: "X", Conn: fakeConn{"h2"}})
	if !replaced || prev.ConnID() != "h1" {
		t.Fatalf("expected h1 to be replaced, got replaced=%v prev=%q", replaced, prev.ConnID())
	}

	if r.Unregister("h1") {
		t.Fatal("unregistering a superseded handle must be a no-op")
	}
	rec, ok := r.Resolve("X")
	if !ok || rec.ConnID() != "h2" {
		t.Fatalf("expected X to resolve to h2, got ok=%v conn=%q", ok, rec.ConnID())
	}

	if !r.Unregister("h2") {
		t.Fatal("expected live handle to be removed")
	}
	if _, ok := r.Resolve("X"); ok {
		t.Fatal("expected X to be unreachable after unregistering h2")
	}
	if r.Unregister("h2") {
		t.Fatal("second unregister must be a no-op")
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(WithClock(func() time.Time { return now }))
	r.Register(Record{InstanceID: "X", Conn: fakeConn{"h1"}})

	now = now.Add(time.Minute)
	r.Touch("h1")
	rec, _ := r.Resolve("X")
	if !rec.LastSeenAt.Equal(now) {
		t.Fatalf("expected LastSeenAt %v, got %v", now, rec.LastSeenAt)
	}
	if rec.ConnectedAt.Equal(now) {
		t.Fatal("ConnectedAt must not move on touch")
	}

	// Touching a stale handle does nothing.
	r.Register(Record{InstanceID: "X", Conn: fakeConn{"h2"}})
	later := now.Add(time.Minute)
	now = later
	r.Touch("h1")
	rec, _ = r.Resolve("X")
	if rec.ConnID() != "h2" {
		t.Fatalf("expected h2, got %q", rec.ConnID())
	}
}

func TestSnapshotOrdered(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(Record{InstanceID: id, Conn: fakeConn{"conn-" + id}})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 records, got %d", len(snap))
	}
	for i, want := range []string{"a", "b", "c"} {
		if snap[i].InstanceID != want {
			t.Fatalf("snapshot[%d] = %q, want %q", i, snap[i].InstanceID, want)
		}
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			instanceID := fmt.Sprintf("inst-%d", i%5)
			connID := fmt.Sprintf("conn-%d", i)
			r.Register(Record{InstanceID: instanceID, Conn: fakeConn{connID}})
			r.Resolve(instanceID)
			r.Touch(connID)
			r.Unregister(connID)
		}(i)
	}
	wg.Wait()

	// Every record that survived must still be owned by a registered handle.
	for _, rec := range r.Snapshot() {
		if rec.ConnID() == "" {
			t.Fatalf("record without connection: %+v", rec)
		}
	}
}
