package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/addonrelay/notification"
)

func TestSubscriptionQueries(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, sub := range []notification.Subscription{
		{ID: "p1", InstanceID: "I1", Type: notification.Personal, MicrosoftUserID: "u1", IsActive: true},
		{ID: "p2", InstanceID: "I1", Type: notification.Personal, MicrosoftUserID: "u2", IsActive: false},
		{ID: "c1", InstanceID: "I1", Type: notification.Channel, ProjectID: "10", IsActive: true},
		{ID: "p3", InstanceID: "I2", Type: notification.Personal, MicrosoftUserID: "U1", IsActive: true},
	} {
		if err := s.Create(ctx, sub); err != nil {
			t.Fatalf("create %s: %v", sub.ID, err)
		}
	}

	active, _ := s.ActiveByInstance(ctx, "I1")
	if len(active) != 2 || active[0].ID != "c1" || active[1].ID != "p1" {
		t.Fatalf("unexpected active subscriptions: %+v", active)
	}

	owned, _ := s.ByOwner(ctx, "u1")
	if len(owned) != 2 || owned[0].ID != "p1" || owned[1].ID != "p3" {
		t.Fatalf("unexpected owner subscriptions: %+v", owned)
	}

	if err := s.Create(ctx, notification.Subscription{ID: "p1"}); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
	if err := s.Delete(ctx, "p1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "p1"); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Update(ctx, notification.Subscription{ID: "p1"}); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected update of missing subscription to fail, got %v", err)
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.Create(ctx, notification.Subscription{ID: "p1", InstanceID: "I1", EventTypes: []string{"IssueViewer"}, IsActive: true})

	got, _ := s.Get(ctx, "p1")
	got.EventTypes[0] = "mutated"
	again, _ := s.Get(ctx, "p1")
	if again.EventTypes[0] != "IssueViewer" {
		t.Fatal("store state leaked through a returned value")
	}
}

func TestRegistrations(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetRegistration(ctx, "I1"); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SaveRegistration(ctx, notification.Registration{InstanceID: "I1"}); err == nil {
		t.Fatal("expected registration without secret to be rejected")
	}
	reg := notification.Registration{InstanceID: "I1", InstanceURL: "https://jira.example.com", SharedSecret: []byte("s")}
	if err := s.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetRegistration(ctx, "I1")
	if err != nil || string(got.SharedSecret) != "s" || got.InstanceURL != reg.InstanceURL {
		t.Fatalf("unexpected registration %+v (err=%v)", got, err)
	}
}
