// Package memstore provides in-memory subscription and registration stores
// for single-node deployments and tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/addonrelay/notification"
)

// Store implements notification.SubscriptionStore and
// notification.RegistrationStore. Returned values are copies.
type Store struct {
	mu   sync.RWMutex
	subs map[string]notification.Subscription
	regs map[string]notification.Registration
}

func New() *Store {
	return &Store{
		subs: make(map[string]notification.Subscription),
		regs: make(map[string]notification.Registration),
	}
}

func clone(s notification.Subscription) notification.Subscription {
	s.EventTypes = slices.Clone(s.EventTypes)
	return s
}

func sortByID(subs []notification.Subscription) {
	slices.SortFunc(subs, func(a, b notification.Subscription) int { return strings.Compare(a.ID, b.ID) })
}

func (s *Store) ActiveByInstance(ctx context.Context, instanceID string) ([]notification.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notification.Subscription
	for _, sub := range s.subs {
		if sub.InstanceID == instanceID && sub.IsActive {
			out = append(out, clone(sub))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) ByOwner(ctx context.Context, microsoftUserID string) ([]notification.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notification.Subscription
	for _, sub := range s.subs {
		if sub.Type == notification.Personal && strings.EqualFold(sub.MicrosoftUserID, microsoftUserID) {
			out = append(out, clone(sub))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) Get(ctx context.Context, id string) (notification.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return notification.Subscription{}, fmt.Errorf("subscription %s: %w", id, notification.ErrNotFound)
	}
	return clone(sub), nil
}

func (s *Store) Create(ctx context.Context, sub notification.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("subscription %s already exists", sub.ID)
	}
	s.subs[sub.ID] = clone(sub)
	return nil
}

func (s *Store) Update(ctx context.Context, sub notification.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; !exists {
		return fmt.Errorf("subscription %s: %w", sub.ID, notification.ErrNotFound)
	}
	s.subs[sub.ID] = clone(sub)
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	return nil
}

func (s *Store) GetRegistration(ctx context.Context, instanceID string) (notification.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.regs[instanceID]
	if !ok {
		return notification.Registration{}, fmt.Errorf("registration %s: %w", instanceID, notification.ErrNotFound)
	}
	reg.SharedSecret = slices.Clone(reg.SharedSecret)
	return reg, nil
}

func (s *Store) SaveRegistration(ctx context.Context, reg notification.Registration) error {
	if err := reg.Validate(); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.regs[reg.InstanceID]; ok && reg.CreatedAt.IsZero() {
		reg.CreatedAt = prev.CreatedAt
	}
	reg.SharedSecret = slices.Clone(reg.SharedSecret)
	s.regs[reg.InstanceID] = reg
	return nil
}

var (
	_ notification.SubscriptionStore = (*Store)(nil)
	_ notification.RegistrationStore = (*Store)(nil)
)
