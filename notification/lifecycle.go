package notification

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/addonrelay/internal/logctx"
	"github.com/ggoodman/addonrelay/rpc"
	"github.com/google/uuid"
)

const lockStripes = 64

// Commander sends notification toggles to an add-on instance.
type Commander interface {
	Command(ctx context.Context, instanceID string, cmd rpc.Command) error
}

// ConfigurationError means the remote instance could not be switched to match
// the requested subscription state; the subscription change was not applied.
type ConfigurationError struct {
	Command rpc.Command
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configure remote notifications (%s): %v", e.Command, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

var ErrImmutableField = errors.New("notification: subscription instance and type cannot change")

// Service creates, updates and deletes subscriptions, keeping each
// instance's notification switches in step with whether it has any active
// subscriptions of a type.
//
// Changes for one instance are serialized within the process.
type Service struct {
	store SubscriptionStore
	cmd   Commander
	log   *slog.Logger
	now   func() time.Time
	locks [lockStripes]sync.Mutex
}

type ServiceOption func(*Service)

func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store SubscriptionStore, cmd Commander, opts ...ServiceOption) *Service {
	s := &Service{store: store, cmd: cmd, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(instanceID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	mu := &s.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

func enableCommand(t SubscriptionType) rpc.Command {
	if t == Channel {
		return rpc.EnableChannelNotifications
	}
	return rpc.EnablePersonalNotifications
}

func disableCommand(t SubscriptionType) rpc.Command {
	if t == Channel {
		return rpc.DisableChannelNotifications
	}
	return rpc.DisablePersonalNotifications
}

// activeCount counts active subscriptions of type t on the instance,
// excluding the subscription with id except.
func (s *Service) activeCount(ctx context.Context, instanceID string, t SubscriptionType, except string) (int, error) {
	subs, err := s.store.ActiveByInstance(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("load active subscriptions: %w", err)
	}
	n := 0
	for _, sub := range subs {
		if sub.Type == t && sub.IsActive && sub.ID != except {
			n++
		}
	}
	return n, nil
}

// enable switches the remote instance on. Failure aborts the caller's change.
func (s *Service) enable(ctx context.Context, instanceID string, t SubscriptionType) error {
	cmd := enableCommand(t)
	if err := s.cmd.Command(ctx, instanceID, cmd); err != nil {
		s.log.ErrorContext(ctx, "notification.lifecycle.enable.err", slog.String("command", cmd.String()), slog.String("err", err.Error()))
		return &ConfigurationError{Command: cmd, Err: err}
	}
	return nil
}

// disable switches the remote instance off. Failure is logged only.
func (s *Service) disable(ctx context.Context, instanceID string, t SubscriptionType) {
	cmd := disableCommand(t)
	if err := s.cmd.Command(ctx, instanceID, cmd); err != nil {
		s.log.WarnContext(ctx, "notification.lifecycle.disable.err", slog.String("command", cmd.String()), slog.String("err", err.Error()))
	}
}

// CreateSubscription stores sub. When it is the first active subscription of
// its type on the instance, the remote instance must accept the enable
// command first; otherwise a *ConfigurationError is returned and nothing is
// stored.
func (s *Service) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	sub.Normalize()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	now := s.now()
	sub.CreatedAt, sub.UpdatedAt = now, now

	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{SubscriptionID: sub.ID, Type: string(sub.Type)})
	unlock := s.lock(sub.InstanceID)
	defer unlock()

	enabled := false
	if sub.IsActive {
		n, err := s.activeCount(ctx, sub.InstanceID, sub.Type, "")
		if err != nil {
			return Subscription{}, err
		}
		if n == 0 {
			if err := s.enable(ctx, sub.InstanceID, sub.Type); err != nil {
				return Subscription{}, err
			}
			enabled = true
		}
	}

	if err := s.store.Create(ctx, sub); err != nil {
		if enabled {
			s.disable(context.WithoutCancel(ctx), sub.InstanceID, sub.Type)
		}
		return Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	s.log.InfoContext(ctx, "notification.lifecycle.created", slog.Bool("active", sub.IsActive), slog.Bool("enabled_remote", enabled))
	return sub, nil
}

// UpdateSubscription replaces the stored subscription with sub. Activating the
// first subscription of a type enables the remote side strictly, as in
// CreateSubscription; deactivating the last one disables it best-effort.
func (s *Service) UpdateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	sub.Normalize()
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}

	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{SubscriptionID: sub.ID, Type: string(sub.Type)})
	unlock := s.lock(sub.InstanceID)
	defer unlock()

	old, err := s.store.Get(ctx, sub.ID)
	if err != nil {
		return Subscription{}, err
	}
	if old.InstanceID != sub.InstanceID || old.Type != sub.Type {
		return Subscription{}, ErrImmutableField
	}
	sub.CreatedAt = old.CreatedAt
	sub.UpdatedAt = s.now()

	others, err := s.activeCount(ctx, sub.InstanceID, sub.Type, sub.ID)
	if err != nil {
		return Subscription{}, err
	}

	if !old.IsActive && sub.IsActive && others == 0 {
		if err := s.enable(ctx, sub.InstanceID, sub.Type); err != nil {
			return Subscription{}, err
		}
	}
	if err := s.store.Update(ctx, sub); err != nil {
		return Subscription{}, fmt.Errorf("update subscription: %w", err)
	}
	if old.IsActive && !sub.IsActive && others == 0 {
		s.disable(ctx, sub.InstanceID, sub.Type)
	}
	return sub, nil
}

// DeleteSubscription removes the subscription. When it was the last active one
// of its type on the instance, the remote side is disabled best-effort; the
// record is removed either way.
func (s *Service) DeleteSubscription(ctx context.Context, id string) error {
	sub, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	ctx = logctx.WithSubscriptionData(ctx, &logctx.SubscriptionData{SubscriptionID: sub.ID, Type: string(sub.Type)})
	unlock := s.lock(sub.InstanceID)
	defer unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if !sub.IsActive {
		return nil
	}
	n, err := s.activeCount(ctx, sub.InstanceID, sub.Type, sub.ID)
	if err != nil {
		s.log.WarnContext(ctx, "notification.lifecycle.count.err", slog.String("err", err.Error()))
		return nil
	}
	if n == 0 {
		s.disable(ctx, sub.InstanceID, sub.Type)
	}
	return nil
}

// ListForUser returns every subscription owned by the chat user.
func (s *Service) ListForUser(ctx context.Context, microsoftUserID string) ([]Subscription, error) {
	return s.store.ByOwner(ctx, microsoftUserID)
}
