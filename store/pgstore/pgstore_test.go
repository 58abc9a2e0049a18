package pgstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ggoodman/addonrelay/notification"
	"github.com/google/uuid"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("ADDONRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ADDONRELAY_TEST_POSTGRES_DSN not set; skipping postgres store tests")
	}
	ctx := context.Background()
	s, err := Open(ctx, dsn, Options{MaxOpenConns: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// Idempotent.
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}
	return s
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	instance := "it-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Millisecond)

	personal := notification.Subscription{
		ID: uuid.NewString(), InstanceID: instance, Type: notification.Personal, MicrosoftUserID: "User-1",
		EventTypes: []string{notification.CapIssueViewer}, IsActive: true, ConversationReference: "ref",
		CreatedAt: now, UpdatedAt: now,
	}
	channel := notification.Subscription{
		ID: uuid.NewString(), InstanceID: instance, Type: notification.Channel, ProjectID: "10", ConversationID: "19:x",
		EventTypes: []string{}, Filter: "status in (Open)", IsActive: false, ConversationReference: "ref",
		CreatedAt: now, UpdatedAt: now,
	}
	for _, sub := range []notification.Subscription{personal, channel} {
		if err := s.Create(ctx, sub); err != nil {
			t.Fatalf("create: %v", err)
		}
		t.Cleanup(func() { _ = s.Delete(context.Background(), sub.ID) })
	}
	if err := s.Create(ctx, personal); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	active, err := s.ActiveByInstance(ctx, instance)
	if err != nil || len(active) != 1 || active[0].ID != personal.ID {
		t.Fatalf("unexpected active subscriptions %+v (err=%v)", active, err)
	}
	if got := active[0].EventTypes; len(got) != 1 || got[0] != notification.CapIssueViewer {
		t.Fatalf("event types not preserved: %v", got)
	}

	owned, err := s.ByOwner(ctx, "user-1")
	if err != nil || len(owned) == 0 {
		t.Fatalf("expected case-insensitive owner lookup, got %+v (err=%v)", owned, err)
	}

	channel.IsActive = true
	channel.EventTypes = []string{notification.CapIssueCreated}
	if err := s.Update(ctx, channel); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := s.Get(ctx, channel.ID)
	if err != nil || !got.IsActive || got.Filter != channel.Filter {
		t.Fatalf("unexpected subscription after update %+v (err=%v)", got, err)
	}

	if err := s.Delete(ctx, channel.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, channel.ID); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Update(ctx, channel); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestRegistrationUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	instance := "it-" + uuid.NewString()

	if _, err := s.GetRegistration(ctx, instance); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	reg := notification.Registration{InstanceID: instance, InstanceURL: "https://jira.example.com", SharedSecret: []byte("one")}
	if err := s.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("save: %v", err)
	}
	first, _ := s.GetRegistration(ctx, instance)

	reg.SharedSecret = []byte("two")
	if err := s.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, err := s.GetRegistration(ctx, instance)
	if err != nil || string(got.SharedSecret) != "two" {
		t.Fatalf("unexpected registration %+v (err=%v)", got, err)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed on re-registration: %v != %v", got.CreatedAt, first.CreatedAt)
	}
}
