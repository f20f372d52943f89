package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryPresenceStore implements PresenceStore in-process. Used by tests and
// by the terminal client's offline backend. DropConnection stands in for the
// backend's disconnect detection: it applies the registered wills as if the
// connection had vanished without a graceful Close.
type MemoryPresenceStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	wills   map[string][]byte
	subs    map[int]memorySub
	nextSub int
}

type memorySub struct {
	prefix   string
	onUpdate func(KV)
}

// NewMemoryPresenceStore creates an empty in-memory presence store.
func NewMemoryPresenceStore() *MemoryPresenceStore {
	return &MemoryPresenceStore{
		data:  make(map[string][]byte),
		wills: make(map[string][]byte),
		subs:  make(map[int]memorySub),
	}
}

func (s *MemoryPresenceStore) Open(ctx context.Context) error {
	return nil
}

func (s *MemoryPresenceStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	val := append([]byte(nil), value...)
	s.data[key] = val

	var targets []func(KV)
	for _, sub := range s.subs {
		if strings.HasPrefix(key, sub.prefix) {
			targets = append(targets, sub.onUpdate)
		}
	}
	s.mu.Unlock()

	for _, fn := range targets {
		fn(KV{Key: key, Value: val})
	}
	return nil
}

func (s *MemoryPresenceStore) SetOnDisconnect(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wills[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryPresenceStore) ClearOnDisconnect(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.wills, key)
	return nil
}

func (s *MemoryPresenceStore) SubscribeAll(prefix string, onUpdate func(KV), onErr func(error)) (*Subscription, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = memorySub{prefix: prefix, onUpdate: onUpdate}

	var current []KV
	for key, val := range s.data {
		if strings.HasPrefix(key, prefix) {
			current = append(current, KV{Key: key, Value: append([]byte(nil), val...)})
		}
	}
	s.mu.Unlock()

	sort.Slice(current, func(i, j int) bool { return current[i].Key < current[j].Key })
	for _, kv := range current {
		onUpdate(kv)
	}

	return NewSubscription(func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}), nil
}

// DropConnection simulates an ungraceful disconnect: every registered will
// is applied and then discarded, exactly once.
func (s *MemoryPresenceStore) DropConnection() {
	s.mu.Lock()
	wills := s.wills
	s.wills = make(map[string][]byte)
	s.mu.Unlock()

	keys := make([]string, 0, len(wills))
	for key := range wills {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	appliedAt := time.Now().UTC()
	for _, key := range keys {
		s.Set(context.Background(), key, stampUpdatedAt(wills[key], appliedAt))
	}
}

// Close tears down gracefully: wills are discarded, not applied.
func (s *MemoryPresenceStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wills = make(map[string][]byte)
	return nil
}
