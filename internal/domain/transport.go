package domain

import (
	"context"
	"encoding/json"
)

// Subscription declares one kind of EventSub event a transport session
// should receive for a broadcaster. Subscriptions for one identity are
// deduplicated by Type.
type Subscription struct {
	Type      string
	Version   string
	Condition map[string]string
}

// Notification is one decoded EventSub notification, delivered verbatim to
// subscribers together with the owning broadcaster identity.
type Notification struct {
	Type    string
	Version string
	Event   json.RawMessage
}

// NotificationHandler receives notifications. Handlers run synchronously on
// the session read loop and must not block it for long; dispatch to a
// worker if the work is heavy.
type NotificationHandler func(identity Identity, n Notification)

// NotificationTransport maintains one push socket per broadcaster identity
// and fans decoded notifications out to subscribers. Within one identity,
// delivery order matches socket receive order; no cross-identity ordering
// is implied.
type NotificationTransport interface {
	Subscribe(ctx context.Context, identity Identity, subs []Subscription) error
	Unsubscribe(identity Identity, types []string)
	// OnNotification registers a handler and returns a function that
	// unregisters it.
	OnNotification(h NotificationHandler) (unsubscribe func())
}

// ChatSender announces text in a broadcaster's chat on behalf of a bot
// identity.
type ChatSender interface {
	Send(ctx context.Context, bot Identity, channel, message string) error
}
