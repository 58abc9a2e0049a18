// Package delivery renders notifications into cards and posts them to the
// chat bot endpoint.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ggoodman/addonrelay/notification"
)

const excerptLength = 280

// Card is the compact document the bot turns into a chat card.
type Card struct {
	Title     string `json:"title"`
	IssueKey  string `json:"issueKey"`
	Summary   string `json:"summary,omitempty"`
	IssueURL  string `json:"issueUrl,omitempty"`
	Event     string `json:"event"`
	Actor     string `json:"actor,omitempty"`
	Excerpt   string `json:"excerpt,omitempty"`
	IsMention bool   `json:"isMention"`
}

// JSONRenderer renders a Card as JSON.
type JSONRenderer struct{}

var _ notification.Renderer = JSONRenderer{}

func (JSONRenderer) Render(ctx context.Context, n notification.Notification) ([]byte, error) {
	return json.Marshal(NewCard(n))
}

// NewCard builds the card for n.
func NewCard(n notification.Notification) Card {
	ev := n.Event
	c := Card{
		IssueKey:  ev.Issue.Key,
		Summary:   ev.Issue.Summary,
		Event:     string(ev.Type),
		IsMention: n.IsMention,
	}
	if ev.TriggeringUser != nil {
		c.Actor = ev.TriggeringUser.DisplayName
	}
	if n.InstanceURL != "" && ev.Issue.Key != "" {
		c.IssueURL = strings.TrimRight(n.InstanceURL, "/") + "/browse/" + ev.Issue.Key
	}
	if ev.Comment != nil && ev.Type != notification.CommentDeleted {
		c.Excerpt = excerpt(ev.Comment.Body, excerptLength)
	}
	c.Title = title(c, ev.Type)
	return c
}

func title(c Card, t notification.EventType) string {
	actor := c.Actor
	if actor == "" {
		actor = "Someone"
	}
	if c.IsMention {
		return fmt.Sprintf("%s mentioned you on %s", actor, c.IssueKey)
	}
	switch t {
	case notification.IssueCreated:
		return fmt.Sprintf("%s created %s", actor, c.IssueKey)
	case notification.IssueUpdated:
		return fmt.Sprintf("%s updated %s", actor, c.IssueKey)
	case notification.IssueAssigned:
		return fmt.Sprintf("%s assigned %s", actor, c.IssueKey)
	case notification.IssueDeleted:
		return fmt.Sprintf("%s deleted %s", actor, c.IssueKey)
	case notification.CommentCreated:
		return fmt.Sprintf("%s commented on %s", actor, c.IssueKey)
	case notification.CommentUpdated:
		return fmt.Sprintf("%s edited a comment on %s", actor, c.IssueKey)
	case notification.CommentDeleted:
		return fmt.Sprintf("%s deleted a comment on %s", actor, c.IssueKey)
	}
	return c.IssueKey
}

// excerpt shortens s to at most n runes, cutting at a word boundary when one
// is close enough.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)[:n]
	cut := string(r)
	if i := strings.LastIndexByte(cut, ' '); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut + "…"
}
