package notification_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ggoodman/addonrelay/notification"
	"github.com/ggoodman/addonrelay/rpc"
	"github.com/ggoodman/addonrelay/store/memstore"
)

type fakeCommander struct {
	mu   sync.Mutex
	sent []rpc.Command
	fail map[rpc.Command]error
}

func (c *fakeCommander) Command(ctx context.Context, instanceID string, cmd rpc.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return c.fail[cmd]
}

func (c *fakeCommander) commands() []rpc.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rpc.Command(nil), c.sent...)
}

func newPersonal(user string) notification.Subscription {
	return notification.Subscription{
		InstanceID:            "I1",
		Type:                  notification.Personal,
		MicrosoftUserID:       user,
		EventTypes:            []string{notification.CapIssueViewer},
		IsActive:              true,
		ConversationReference: "ref-" + user,
	}
}

func TestCreateEnablesOnFirstActive(t *testing.T) {
	cmd := &fakeCommander{}
	svc := notification.NewService(memstore.New(), cmd)
	ctx := context.Background()

	first, err := svc.CreateSubscription(ctx, newPersonal("u1"))
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps to be assigned: %+v", first)
	}
	if _, err := svc.CreateSubscription(ctx, newPersonal("u2")); err != nil {
		t.Fatalf("create second: %v", err)
	}

	got := cmd.commands()
	if len(got) != 1 || got[0] != rpc.EnablePersonalNotifications {
		t.Fatalf("expected a single enable command, got %v", got)
	}
}

func TestCreateFailsWhenRemoteRefuses(t *testing.T) {
	st := memstore.New()
	cmd := &fakeCommander{fail: map[rpc.Command]error{rpc.EnablePersonalNotifications: &rpc.RemoteError{StatusCode: 500, Message: "nope"}}}
	svc := notification.NewService(st, cmd)

	_, err := svc.CreateSubscription(context.Background(), newPersonal("u1"))
	var cfgErr *notification.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Command != rpc.EnablePersonalNotifications {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if subs, _ := st.ByOwner(context.Background(), "u1"); len(subs) != 0 {
		t.Fatal("subscription must not be stored when the remote side refuses")
	}
}

func TestCreateWithoutEventTypesIsInactive(t *testing.T) {
	cmd := &fakeCommander{}
	svc := notification.NewService(memstore.New(), cmd)

	sub := newPersonal("u1")
	sub.EventTypes = nil
	created, err := svc.CreateSubscription(context.Background(), sub)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.IsActive {
		t.Fatal("expected subscription without event types to be inactive")
	}
	if len(cmd.commands()) != 0 {
		t.Fatal("inactive subscription must not enable remote notifications")
	}
}

func TestCreateRejectsInvalid(t *testing.T) {
	svc := notification.NewService(memstore.New(), &fakeCommander{})
	sub := newPersonal("")
	if _, err := svc.CreateSubscription(context.Background(), sub); !errors.Is(err, notification.ErrInvalidSubscription) {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}
}

func TestDeleteDisablesOnLastActive(t *testing.T) {
	cmd := &fakeCommander{fail: map[rpc.Command]error{rpc.DisablePersonalNotifications: errors.New("offline")}}
	st := memstore.New()
	svc := notification.NewService(st, cmd)
	ctx := context.Background()

	a, _ := svc.CreateSubscription(ctx, newPersonal("u1"))
	b, _ := svc.CreateSubscription(ctx, newPersonal("u2"))

	if err := svc.DeleteSubscription(ctx, a.ID); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if got := cmd.commands(); len(got) != 1 {
		t.Fatalf("deleting one of two must not disable, got %v", got)
	}

	// The disable command fails, but the record is still removed.
	if err := svc.DeleteSubscription(ctx, b.ID); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	got := cmd.commands()
	if len(got) != 2 || got[1] != rpc.DisablePersonalNotifications {
		t.Fatalf("expected disable after last delete, got %v", got)
	}
	if _, err := st.Get(ctx, b.ID); !errors.Is(err, notification.ErrNotFound) {
		t.Fatalf("expected record to be removed despite disable failure, got %v", err)
	}
}

func TestUpdateTransitions(t *testing.T) {
	cmd := &fakeCommander{}
	svc := notification.NewService(memstore.New(), cmd)
	ctx := context.Background()

	ch := notification.Subscription{
		InstanceID:            "I1",
		Type:                  notification.Channel,
		ProjectID:             "10",
		ConversationID:        "19:x",
		EventTypes:            []string{notification.CapIssueCreated},
		IsActive:              true,
		ConversationReference: "ref-team",
	}
	created, err := svc.CreateSubscription(ctx, ch)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Clearing event types deactivates the last channel subscription.
	created.EventTypes = nil
	created.IsActive = true
	updated, err := svc.UpdateSubscription(ctx, created)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if updated.IsActive {
		t.Fatal("expected update without event types to deactivate")
	}

	updated.EventTypes = []string{notification.CapCommentCreated}
	updated.IsActive = true
	if _, err := svc.UpdateSubscription(ctx, updated); err != nil {
		t.Fatalf("reactivate: %v", err)
	}

	want := []rpc.Command{rpc.EnableChannelNotifications, rpc.DisableChannelNotifications, rpc.EnableChannelNotifications}
	got := cmd.commands()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("commands = %v, want %v", got, want)
		}
	}

	updated.Type = notification.Personal
	updated.MicrosoftUserID = "u1"
	if _, err := svc.UpdateSubscription(ctx, updated); !errors.Is(err, notification.ErrImmutableField) {
		t.Fatalf("expected ErrImmutableField, got %v", err)
	}
}

func TestUpdateActivationRefused(t *testing.T) {
	cmd := &fakeCommander{}
	st := memstore.New()
	svc := notification.NewService(st, cmd)
	ctx := context.Background()

	sub := newPersonal("u1")
	sub.IsActive = false
	created, _ := svc.CreateSubscription(ctx, sub)

	cmd.fail = map[rpc.Command]error{rpc.EnablePersonalNotifications: rpc.ErrConsentRevoked}
	created.IsActive = true
	_, err := svc.UpdateSubscription(ctx, created)
	if !errors.Is(err, rpc.ErrConsentRevoked) {
		t.Fatalf("expected the remote error to be wrapped, got %v", err)
	}
	stored, _ := st.Get(ctx, created.ID)
	if stored.IsActive {
		t.Fatal("refused activation must leave the subscription inactive")
	}
}

func TestListForUser(t *testing.T) {
	svc := notification.NewService(memstore.New(), &fakeCommander{})
	ctx := context.Background()
	_, _ = svc.CreateSubscription(ctx, newPersonal("u1"))
	_, _ = svc.CreateSubscription(ctx, newPersonal("u2"))

	subs, err := svc.ListForUser(ctx, "u1")
	if err != nil || len(subs) != 1 || subs[0].MicrosoftUserID != "u1" {
		t.Fatalf("unexpected subscriptions %+v (err=%v)", subs, err)
	}
}
