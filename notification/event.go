package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventType is the closed set of events an add-on reports.
type EventType string

const (
	IssueCreated   EventType = "issue_created"
	IssueUpdated   EventType = "issue_updated"
	IssueAssigned  EventType = "issue_assigned"
	IssueDeleted   EventType = "issue_deleted"
	CommentCreated EventType = "comment_created"
	CommentUpdated EventType = "comment_updated"
	CommentDeleted EventType = "comment_deleted"
)

var ErrUnknownEventType = errors.New("notification: unknown event type")

func (t EventType) Valid() bool {
	switch t {
	case IssueCreated, IssueUpdated, IssueAssigned, IssueDeleted, CommentCreated, CommentUpdated, CommentDeleted:
		return true
	}
	return false
}

// IsComment reports whether the event concerns a comment rather than the
// issue itself.
func (t EventType) IsComment() bool {
	return t == CommentCreated || t == CommentUpdated || t == CommentDeleted
}

func (t *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v := EventType(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	*t = v
	return nil
}

type Issue struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Summary   string `json:"summary"`
	ProjectID string `json:"projectId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
}

type Comment struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	IsInternal bool   `json:"isInternal"`
}

// EventUser is a user related to an event, with the visibility the add-on
// computed for them.
type EventUser struct {
	ID              string `json:"id"`
	MicrosoftUserID string `json:"microsoftUserId"`
	DisplayName     string `json:"displayName"`
	CanViewIssue    bool   `json:"canViewIssue"`
	CanViewComment  bool   `json:"canViewComment"`
}

// Event is one notification event reported by an add-on instance.
type Event struct {
	InstanceID     string      `json:"instanceId"`
	Type           EventType   `json:"eventType"`
	Issue          Issue       `json:"issue"`
	Comment        *Comment    `json:"comment,omitempty"`
	Watchers       []EventUser `json:"watchers,omitempty"`
	Mentions       []EventUser `json:"mentions,omitempty"`
	Assignee       *EventUser  `json:"assignee,omitempty"`
	Reporter       *EventUser  `json:"reporter,omitempty"`
	TriggeringUser *EventUser  `json:"triggeringUser,omitempty"`
}

var ErrMalformedEvent = errors.New("notification: malformed event")

// DecodeEvent parses a raw queue message.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if ev.InstanceID == "" {
		return Event{}, fmt.Errorf("%w: missing instanceId", ErrMalformedEvent)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}
	return ev, nil
}

func (u *EventUser) is(microsoftUserID string) bool {
	return u != nil && u.MicrosoftUserID != "" && strings.EqualFold(u.MicrosoftUserID, microsoftUserID)
}

func findUser(users []EventUser, microsoftUserID string) (*EventUser, bool) {
	for i := range users {
		if users[i].is(microsoftUserID) {
			return &users[i], true
		}
	}
	return nil, false
}

// sameUser compares two event users by their issue-tracker id, falling back to
// the chat identity.
func sameUser(a, b *EventUser) bool {
	if a == nil || b == nil {
		return false
	}
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	return a.MicrosoftUserID != "" && strings.EqualFold(a.MicrosoftUserID, b.MicrosoftUserID)
}
