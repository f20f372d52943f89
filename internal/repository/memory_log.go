package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devXprite/world-chatapp/internal/domain"
)

// MemoryMessageLog implements MessageLog in-process. Used by tests and by
// the terminal client's offline backend. Timestamps are truncated to
// milliseconds on purpose: a coarse clock produces the same timestamp ties
// the real backend does.
type MemoryMessageLog struct {
	// Clock supplies server time. Overridable so tests can force ties.
	Clock func() time.Time

	mu       sync.Mutex
	messages []domain.Message // ascending (timestamp, id)
	byID     map[string]struct{}
	subs     map[int]func([]domain.Message)
	nextSub  int
	closed   bool
}

// NewMemoryMessageLog creates an empty in-memory log.
func NewMemoryMessageLog() *MemoryMessageLog {
	return &MemoryMessageLog{
		Clock: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		byID:  make(map[string]struct{}),
		subs:  make(map[int]func([]domain.Message)),
	}
}

func (l *MemoryMessageLog) Append(ctx context.Context, draft domain.Draft) (string, error) {
	msg := domain.Message{
		ID:          uuid.New().String(),
		Content:     draft.Content,
		UserID:      draft.UserID,
		UserName:    draft.UserName,
		UserCountry: draft.UserCountry,
		Timestamp:   l.Clock(),
	}

	l.mu.Lock()
	idx := sort.Search(len(l.messages), func(i int) bool {
		return msg.Less(l.messages[i])
	})
	l.messages = append(l.messages, domain.Message{})
	copy(l.messages[idx+1:], l.messages[idx:])
	l.messages[idx] = msg
	l.byID[msg.ID] = struct{}{}

	subs := make([]func([]domain.Message), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	// Fan out outside the lock, in append order per subscriber.
	for _, fn := range subs {
		fn([]domain.Message{msg})
	}

	return msg.ID, nil
}

func (l *MemoryMessageLog) QueryNewest(ctx context.Context, limit int, before *Cursor) (Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	collected := make([]domain.Message, 0, limit)
	for i := len(l.messages) - 1; i >= 0 && len(collected) < limit; i-- {
		msg := l.messages[i]
		if before != nil && !before.olderThan(msg.Timestamp, msg.ID) {
			continue
		}
		collected = append(collected, msg)
	}

	page := Page{
		Messages:    collected,
		ExactlyFull: len(collected) == limit,
	}
	if len(collected) > 0 {
		oldest := collected[len(collected)-1]
		page.Cursor = CursorFor(oldest.Timestamp, oldest.ID)
	}
	return page, nil
}

func (l *MemoryMessageLog) Subscribe(onBatch func([]domain.Message), onErr func(error)) (*Subscription, error) {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = onBatch
	l.mu.Unlock()

	return NewSubscription(func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}), nil
}

// Len reports the number of stored messages.
func (l *MemoryMessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *MemoryMessageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = make(map[int]func([]domain.Message))
	l.closed = true
	return nil
}
