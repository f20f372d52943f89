package repository

import (
	"context"
	"sync"

	"github.com/devXprite/world-chatapp/internal/domain"
)

// Page is one backward slice of the message log, newest-first.
// ExactlyFull mirrors the pagination contract: a page shorter than the
// requested limit means the log has no older messages.
type Page struct {
	Messages    []domain.Message
	Cursor      *Cursor // position of the oldest returned message
	ExactlyFull bool
}

// MessageLog is the append-only ordered store behind the chat room.
// Ordering is by server-assigned timestamp; clients never set one.
type MessageLog interface {
	// Append stores a draft with a server-assigned timestamp and returns
	// the new message id.
	Append(ctx context.Context, draft domain.Draft) (string, error)

	// QueryNewest returns up to limit messages newest-first, strictly older
	// than before when a cursor is given.
	QueryNewest(ctx context.Context, limit int, before *Cursor) (Page, error)

	// Subscribe delivers batches of strictly-new appends in the order the
	// backend observed them. It never replays history. Failures go to onErr;
	// the subscription is not restarted automatically.
	Subscribe(onBatch func([]domain.Message), onErr func(error)) (*Subscription, error)

	Close() error
}

// Subscription is an owned live-feed handle. Close is idempotent and must be
// called on session teardown.
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
