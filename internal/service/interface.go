package service

import (
	"context"

	"github.com/devXprite/world-chatapp/internal/domain"
)

// MessageService keeps a local view of the room's message log consistent
// while backward history loads and live deliveries race each other. The
// merge is keyed on message id only; content never decides a duplicate.
type MessageService interface {
	// Start subscribes to the live feed and loads the newest page.
	// Duplicate and concurrent calls are coalesced into one load.
	Start(ctx context.Context) error

	// LoadMore fetches the next page of strictly-older history. No-op while
	// a load is in flight or when the log is exhausted; reports whether
	// anything new was fetched.
	LoadMore(ctx context.Context) (bool, error)

	// Send validates and appends a message. The local view is not updated
	// optimistically; the authoritative copy arrives via the live feed.
	Send(ctx context.Context, content string, author *domain.User) error

	// Messages returns a read-only snapshot, ascending by (timestamp, id).
	Messages() []domain.Message

	// HasMoreHistory reports whether LoadMore can fetch anything else.
	HasMoreHistory() bool

	// Updates signals (coalesced) whenever the snapshot changed.
	Updates() <-chan struct{}

	// Stop closes the live subscription. Idempotent; results of in-flight
	// fetches resolving afterwards are discarded.
	Stop()
}

// PresenceService publishes the local user's online/typing state and folds
// everyone's published records into one deduplicated view.
type PresenceService interface {
	// GoOnline registers the offline last-wills and then publishes the
	// online state, in that order, and subscribes to everyone's records.
	GoOnline(ctx context.Context, user *domain.User) error

	// SetTyping reports keystroke activity. The first keystroke publishes
	// isTyping=true; the debounce timer (reset on every call) publishes
	// isTyping=false after the quiet period.
	SetTyping(ctx context.Context, active bool) error

	// NotifySent clears the typing state after a successful send.
	NotifySent(ctx context.Context)

	// OnlineUsers returns the derived online-user view, sorted by name.
	OnlineUsers() []domain.OnlineUser

	// OnlineCount reports the number of online users.
	OnlineCount() int

	// Updates signals (coalesced) whenever the view changed.
	Updates() <-chan struct{}

	// GoOffline publishes offline/not-typing explicitly, discards the
	// wills, and tears down subscriptions. Idempotent.
	GoOffline(ctx context.Context) error
}
