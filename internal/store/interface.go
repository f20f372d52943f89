package store

import (
	"context"
	"sync"
)

// KV is one presence store entry: an opaque key and a JSON value.
type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// PresenceStore is a key-value store with last-write-wins updates and
// disconnect-triggered last-will writes. Wills are applied by the backing
// infrastructure when the client's connection is lost without a graceful
// Close; the client only registers them. Register wills before publishing
// the state they are meant to undo, so a connection loss in between cannot
// strand stale state.
type PresenceStore interface {
	// Open starts connection liveness tracking. Must be called before Set.
	Open(ctx context.Context) error

	// Set writes a value and fans it out to subscribers.
	Set(ctx context.Context, key string, value []byte) error

	// SetOnDisconnect registers a will: a value the backend writes to key if
	// this connection drops ungracefully. A JSON object value gets its
	// "updated_at" field restamped with the application time, so the will
	// still wins last-write-wins against publishes made after registration.
	SetOnDisconnect(ctx context.Context, key string, value []byte) error

	// ClearOnDisconnect removes a registered will.
	ClearOnDisconnect(ctx context.Context, key string) error

	// SubscribeAll delivers the current state under prefix, then live
	// updates. Failures go to onErr; the subscription is not restarted.
	SubscribeAll(prefix string, onUpdate func(KV), onErr func(error)) (*Subscription, error)

	// Close tears the connection down gracefully: wills are discarded, not
	// applied. Callers publish their explicit offline values first.
	Close(ctx context.Context) error
}

// Subscription is an owned handle on a presence feed. Close is idempotent.
type Subscription struct {
	once sync.Once
	stop func()
}

// NewSubscription wraps a stop function into an idempotent handle.
func NewSubscription(stop func()) *Subscription {
	return &Subscription{stop: stop}
}

// Close tears down the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.stop)
}
