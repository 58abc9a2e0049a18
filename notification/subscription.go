package notification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

type SubscriptionType string

const (
	Personal SubscriptionType = "Personal"
	Channel  SubscriptionType = "Channel"
)

// Capabilities a Personal subscription can enable.
const (
	CapMentionedOnIssue      = "MentionedOnIssue"
	CapIssueViewer           = "IssueViewer"
	CapActivityIssueAssignee = "ActivityIssueAssignee"
	CapActivityIssueCreator  = "ActivityIssueCreator"
	CapCommentViewer         = "CommentViewer"
	CapCommentIssueAssignee  = "CommentIssueAssignee"
	CapCommentIssueCreator   = "CommentIssueCreator"
)

// Capabilities a Channel subscription can enable.
const (
	CapIssueCreated   = "IssueCreated"
	CapIssueUpdated   = "IssueUpdated"
	CapIssueAssigned  = "IssueAssigned"
	CapCommentCreated = "CommentCreated"
	CapCommentUpdated = "CommentUpdated"
	CapCommentDeleted = "CommentDeleted"
)

var capabilities = map[SubscriptionType][]string{
	Personal: {
		CapMentionedOnIssue, CapIssueViewer, CapActivityIssueAssignee, CapActivityIssueCreator,
		CapCommentViewer, CapCommentIssueAssignee, CapCommentIssueCreator,
	},
	Channel: {
		CapIssueCreated, CapIssueUpdated, CapIssueAssigned,
		CapCommentCreated, CapCommentUpdated, CapCommentDeleted,
	},
}

// MaxFilterLength bounds the textual filter a channel subscription may carry.
const MaxFilterLength = 1024

// Subscription is a notification preference for one user (Personal) or one
// project channel (Channel) on one instance.
type Subscription struct {
	ID              string           `json:"subscriptionId"`
	InstanceID      string           `json:"instanceId" validate:"required"`
	Type            SubscriptionType `json:"subscriptionType" validate:"required,oneof=Personal Channel"`
	MicrosoftUserID string           `json:"microsoftUserId,omitempty" validate:"required_if=Type Personal"`
	ProjectID       string           `json:"projectId,omitempty" validate:"required_if=Type Channel"`
	ConversationID  string           `json:"conversationId,omitempty" validate:"required_if=Type Channel"`
	EventTypes      []string         `json:"eventTypes"`
	Filter          string           `json:"filter,omitempty" validate:"max=1024"`
	IsActive        bool             `json:"isActive"`
	// ConversationReference is the opaque serialized address the chat
	// platform needs to post into the subscriber's conversation.
	ConversationReference string    `json:"conversationReference" validate:"required"`
	CreatedAt             time.Time `json:"createdAt"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

// Normalize drops duplicate event types and deactivates a subscription that
// has none left.
func (s *Subscription) Normalize() {
	seen := make(map[string]struct{}, len(s.EventTypes))
	out := make([]string, 0, len(s.EventTypes))
	for _, et := range s.EventTypes {
		if et == "" {
			continue
		}
		if _, dup := seen[et]; dup {
			continue
		}
		seen[et] = struct{}{}
		out = append(out, et)
	}
	s.EventTypes = out
	if len(s.EventTypes) == 0 {
		s.IsActive = false
	}
}

// Enabled reports whether capability is among the subscription's event types.
func (s Subscription) Enabled(capability string) bool {
	return slices.Contains(s.EventTypes, capability)
}

var (
	ErrInvalidSubscription = errors.New("notification: invalid subscription")
	ErrNotFound            = errors.New("notification: not found")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s Subscription) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
	}
	allowed := capabilities[s.Type]
	for _, et := range s.EventTypes {
		if !slices.Contains(allowed, et) {
			return fmt.Errorf("%w: %q is not a %s capability", ErrInvalidSubscription, et, s.Type)
		}
	}
	return nil
}

// Registration is the provisioning record of an add-on instance.
type Registration struct {
	InstanceID   string    `json:"instanceId" validate:"required"`
	InstanceURL  string    `json:"instanceUrl" validate:"omitempty,url"`
	Version      string    `json:"version"`
	SharedSecret []byte    `json:"-" validate:"required"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (r Registration) Validate() error {
	return validate.Struct(r)
}

// SubscriptionStore persists subscriptions. Lookups of a missing id return
// ErrNotFound.
type SubscriptionStore interface {
	ActiveByInstance(ctx context.Context, instanceID string) ([]Subscription, error)
	ByOwner(ctx context.Context, microsoftUserID string) ([]Subscription, error)
	Get(ctx context.Context, id string) (Subscription, error)
	Create(ctx context.Context, sub Subscription) error
	Update(ctx context.Context, sub Subscription) error
	Delete(ctx context.Context, id string) error
}

// RegistrationStore persists instance registrations. A missing instance
// returns ErrNotFound.
type RegistrationStore interface {
	GetRegistration(ctx context.Context, instanceID string) (Registration, error)
	SaveRegistration(ctx context.Context, reg Registration) error
}
