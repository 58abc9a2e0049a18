package notification

// Notification is one delivery decided for an event.
type Notification struct {
	Event        Event
	Subscription Subscription
	IsMention    bool
	InstanceURL  string
}

// personalEvent reports whether personal subscriptions are notified of t.
func personalEvent(t EventType) bool {
	switch t {
	case IssueCreated, IssueUpdated, IssueAssigned, CommentCreated, CommentUpdated:
		return true
	}
	return false
}

// MatchPersonal decides whether a personal subscription is notified of ev. A
// subscriber gets at most one notification per event: a qualifying mention
// wins, otherwise the first role rule that matches.
//
// Role precedence is viewer (watcher), then assignee, then reporter.
func MatchPersonal(ev Event, sub Subscription) (deliver, isMention bool) {
	if sub.Type != Personal || !sub.IsActive || sub.MicrosoftUserID == "" {
		return false, false
	}
	if !personalEvent(ev.Type) {
		return false, false
	}
	me := sub.MicrosoftUserID
	if ev.TriggeringUser.is(me) {
		return false, false
	}

	if u, ok := findUser(ev.Mentions, me); ok && sub.Enabled(CapMentionedOnIssue) {
		canView := u.CanViewIssue
		if ev.Type.IsComment() {
			canView = u.CanViewComment
		}
		if canView {
			return true, true
		}
	}

	_, watching := findUser(ev.Watchers, me)
	assignee := ev.Assignee.is(me)
	reporter := ev.Reporter.is(me)

	switch ev.Type {
	case CommentCreated, CommentUpdated:
		switch {
		case watching && sub.Enabled(CapCommentViewer):
			return true, false
		case assignee && sub.Enabled(CapCommentIssueAssignee):
			return true, false
		case reporter && sub.Enabled(CapCommentIssueCreator):
			return true, false
		}
	case IssueUpdated, IssueAssigned:
		switch {
		case watching && sub.Enabled(CapIssueViewer):
			return true, false
		case assignee && sub.Enabled(CapActivityIssueAssignee):
			return true, false
		case reporter && sub.Enabled(CapActivityIssueCreator):
			return true, false
		}
	case IssueCreated:
		// The creator assigning the issue to themselves is not news to them.
		if assignee && !sameUser(ev.Assignee, ev.Reporter) && sub.Enabled(CapActivityIssueAssignee) {
			return true, false
		}
	}
	return false, false
}

// channelCapabilities lists, per event type, the capabilities any one of
// which makes a channel subscription match.
func channelCapabilities(t EventType) []string {
	switch t {
	case IssueCreated:
		return []string{CapIssueCreated}
	case IssueUpdated, IssueAssigned:
		return []string{CapIssueUpdated, CapIssueAssigned}
	case CommentCreated:
		return []string{CapCommentCreated}
	case CommentUpdated, CommentDeleted:
		return []string{CapCommentUpdated, CapCommentDeleted}
	}
	return nil
}

// MatchChannel decides whether a channel subscription is notified of ev.
// Internal comments never reach channels. An unusable filter matches nothing.
func MatchChannel(ev Event, sub Subscription) bool {
	if sub.Type != Channel || !sub.IsActive {
		return false
	}
	if sub.ProjectID == "" || sub.ProjectID != ev.Issue.ProjectID {
		return false
	}
	if ev.Type.IsComment() && ev.Comment != nil && ev.Comment.IsInternal {
		return false
	}
	if sub.Filter != "" {
		f, err := ParseFilter(sub.Filter)
		if err != nil || !f.Matches(ev.Issue.Type, ev.Issue.Status) {
			return false
		}
	}
	for _, c := range channelCapabilities(ev.Type) {
		if sub.Enabled(c) {
			return true
		}
	}
	return false
}

// Match applies the personal and channel rules to every subscription and
// returns the notifications to deliver, personal ones first.
func Match(ev Event, subs []Subscription) []Notification {
	var personal, channel []Notification
	for _, sub := range subs {
		switch sub.Type {
		case Personal:
			if ok, mention := MatchPersonal(ev, sub); ok {
				personal = append(personal, Notification{Event: ev, Subscription: sub, IsMention: mention})
			}
		case Channel:
			if MatchChannel(ev, sub) {
				channel = append(channel, Notification{Event: ev, Subscription: sub})
			}
		}
	}
	return append(personal, channel...)
}
