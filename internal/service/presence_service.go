package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devXprite/world-chatapp/internal/domain"
	"github.com/devXprite/world-chatapp/internal/store"
	"github.com/devXprite/world-chatapp/pkg/log"
)

// PresenceConfig holds presence engine configuration.
type PresenceConfig struct {
	// TypingDebounce is the quiet period after the last keystroke before
	// the typing flag drops.
	TypingDebounce time.Duration `mapstructure:"typing_debounce"`
}

type presenceService struct {
	store   store.PresenceStore
	cfg     PresenceConfig
	onError func(error)

	mu          sync.Mutex
	user        *domain.User
	online      bool
	closed      bool
	typing      bool
	typingTimer *time.Timer
	statusSub   *store.Subscription
	typingSub   *store.Subscription
	remote      map[string]*remotePresence

	updates chan struct{}
}

// remotePresence folds one user's status and typing records together.
// Each side is last-write-wins by its own UpdatedAt.
type remotePresence struct {
	name     string
	isOnline bool
	isTyping bool
	statusAt time.Time
	typingAt time.Time
}

// NewPresenceService creates the presence engine over the given store.
// onError receives non-fatal failures (nil is allowed).
func NewPresenceService(st store.PresenceStore, cfg PresenceConfig, onError func(error)) PresenceService {
	if cfg.TypingDebounce <= 0 {
		cfg.TypingDebounce = 1200 * time.Millisecond
	}
	return &presenceService{
		store:   st,
		cfg:     cfg,
		onError: onError,
		remote:  make(map[string]*remotePresence),
		updates: make(chan struct{}, 1),
	}
}

func (s *presenceService) GoOnline(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	if s.online || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.user = user
	s.mu.Unlock()

	if err := s.store.Open(ctx); err != nil {
		return fmt.Errorf("%w: store open failed: %v", domain.ErrPresence, err)
	}

	// Wills first. Publishing online before the offline will is registered
	// would leave a window where a dropped connection strands "online"
	// state forever.
	now := time.Now().UTC()
	if err := s.store.SetOnDisconnect(ctx, domain.StatusKey(user.ID), statusValue(user, false, now)); err != nil {
		return fmt.Errorf("%w: offline will registration failed: %v", domain.ErrPresence, err)
	}
	if err := s.store.SetOnDisconnect(ctx, domain.TypingKey(user.ID), typingValue(user, false, now)); err != nil {
		return fmt.Errorf("%w: typing will registration failed: %v", domain.ErrPresence, err)
	}

	if err := s.store.Set(ctx, domain.StatusKey(user.ID), statusValue(user, true, time.Now().UTC())); err != nil {
		return fmt.Errorf("%w: online publish failed: %v", domain.ErrPresence, err)
	}
	if err := s.store.Set(ctx, domain.TypingKey(user.ID), typingValue(user, false, time.Now().UTC())); err != nil {
		s.report(fmt.Errorf("%w: typing reset failed: %v", domain.ErrPresence, err))
	}

	statusSub, err := s.store.SubscribeAll(domain.StatusKeyPrefix, s.handleStatus, s.handleFeedError)
	if err != nil {
		return fmt.Errorf("%w: status subscribe failed: %v", domain.ErrPresence, err)
	}
	typingSub, err := s.store.SubscribeAll(domain.TypingKeyPrefix, s.handleTyping, s.handleFeedError)
	if err != nil {
		statusSub.Close()
		return fmt.Errorf("%w: typing subscribe failed: %v", domain.ErrPresence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		statusSub.Close()
		typingSub.Close()
		return nil
	}
	s.statusSub = statusSub
	s.typingSub = typingSub
	s.online = true

	log.Ctx(ctx).Info().Str(log.FieldUserID, user.ID).Msg("presence online")
	return nil
}

func (s *presenceService) SetTyping(ctx context.Context, active bool) error {
	s.mu.Lock()
	if !s.online || s.closed {
		s.mu.Unlock()
		return nil
	}

	if !active {
		s.mu.Unlock()
		s.clearTyping(ctx)
		return nil
	}

	if s.typing {
		// Still inside a typing episode; just push the quiet period out.
		s.typingTimer.Reset(s.cfg.TypingDebounce)
		s.mu.Unlock()
		return nil
	}

	s.typing = true
	s.typingTimer = time.AfterFunc(s.cfg.TypingDebounce, s.typingExpired)
	user := s.user
	s.mu.Unlock()

	if err := s.store.Set(ctx, domain.TypingKey(user.ID), typingValue(user, true, time.Now().UTC())); err != nil {
		wrapped := fmt.Errorf("%w: typing publish failed: %v", domain.ErrPresence, err)
		s.report(wrapped)
		return wrapped
	}
	return nil
}

func (s *presenceService) NotifySent(ctx context.Context) {
	s.clearTyping(ctx)
}

func (s *presenceService) typingExpired() {
	s.clearTyping(context.Background())
}

// clearTyping drops the typing flag with an explicit publish. The will only
// covers disconnects; a normal pause must unset for everyone right away.
func (s *presenceService) clearTyping(ctx context.Context) {
	s.mu.Lock()
	if !s.typing || s.closed {
		s.mu.Unlock()
		return
	}
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	user := s.user
	s.mu.Unlock()

	if err := s.store.Set(ctx, domain.TypingKey(user.ID), typingValue(user, false, time.Now().UTC())); err != nil {
		s.report(fmt.Errorf("%w: typing unset failed: %v", domain.ErrPresence, err))
	}
}

func (s *presenceService) OnlineUsers() []domain.OnlineUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.OnlineUser, 0, len(s.remote))
	for id, rp := range s.remote {
		if !rp.isOnline {
			continue
		}
		out = append(out, domain.OnlineUser{
			ID:       id,
			Name:     rp.name,
			IsOnline: true,
			IsTyping: rp.isTyping,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *presenceService) OnlineCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, rp := range s.remote {
		if rp.isOnline {
			count++
		}
	}
	return count
}

func (s *presenceService) Updates() <-chan struct{} {
	return s.updates
}

func (s *presenceService) GoOffline(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasOnline := s.online
	s.online = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	user := s.user
	statusSub, typingSub := s.statusSub, s.typingSub
	s.mu.Unlock()

	var firstErr error
	if wasOnline && user != nil {
		now := time.Now().UTC()
		if err := s.store.Set(ctx, domain.StatusKey(user.ID), statusValue(user, false, now)); err != nil {
			firstErr = fmt.Errorf("%w: offline publish failed: %v", domain.ErrPresence, err)
			s.report(firstErr)
		}
		if err := s.store.Set(ctx, domain.TypingKey(user.ID), typingValue(user, false, now)); err != nil {
			s.report(fmt.Errorf("%w: typing unset failed: %v", domain.ErrPresence, err))
		}
		// Graceful shutdown; the wills must not fire later.
		if err := s.store.ClearOnDisconnect(ctx, domain.StatusKey(user.ID)); err != nil {
			s.report(fmt.Errorf("%w: %v", domain.ErrPresence, err))
		}
		if err := s.store.ClearOnDisconnect(ctx, domain.TypingKey(user.ID)); err != nil {
			s.report(fmt.Errorf("%w: %v", domain.ErrPresence, err))
		}
	}

	if statusSub != nil {
		statusSub.Close()
	}
	if typingSub != nil {
		typingSub.Close()
	}

	if err := s.store.Close(ctx); err != nil {
		s.report(fmt.Errorf("%w: store close failed: %v", domain.ErrPresence, err))
	}

	log.Ctx(ctx).Info().Msg("presence offline")
	return firstErr
}

func (s *presenceService) handleStatus(kv store.KV) {
	var rec domain.PresenceRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		log.L().Warn().Err(err).Str(log.FieldPresenceKey, kv.Key).Msg("undecodable presence record")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.ensureLocked(rec.UserID)
	if rec.UpdatedAt.Before(rp.statusAt) {
		return // stale write, last one wins
	}
	rp.name = rec.Name
	rp.isOnline = rec.IsOnline
	rp.statusAt = rec.UpdatedAt
	s.notifyLocked()
}

func (s *presenceService) handleTyping(kv store.KV) {
	var rec domain.TypingRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		log.L().Warn().Err(err).Str(log.FieldPresenceKey, kv.Key).Msg("undecodable typing record")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rp := s.ensureLocked(rec.UserID)
	if rec.UpdatedAt.Before(rp.typingAt) {
		return
	}
	if rp.name == "" {
		rp.name = rec.Name
	}
	rp.isTyping = rec.IsTyping
	rp.typingAt = rec.UpdatedAt
	s.notifyLocked()
}

func (s *presenceService) handleFeedError(err error) {
	s.report(fmt.Errorf("%w: presence feed failed: %v", domain.ErrPresence, err))
}

func (s *presenceService) ensureLocked(userID string) *remotePresence {
	rp, ok := s.remote[userID]
	if !ok {
		rp = &remotePresence{}
		s.remote[userID] = rp
	}
	return rp
}

func (s *presenceService) notifyLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *presenceService) report(err error) {
	log.L().Warn().Err(err).Msg("presence error")
	if s.onError != nil {
		s.onError(err)
	}
}

func statusValue(user *domain.User, online bool, at time.Time) []byte {
	data, _ := json.Marshal(domain.PresenceRecord{
		UserID:    user.ID,
		Name:      user.Name,
		IsOnline:  online,
		UpdatedAt: at,
	})
	return data
}

func typingValue(user *domain.User, typing bool, at time.Time) []byte {
	data, _ := json.Marshal(domain.TypingRecord{
		UserID:    user.ID,
		Name:      user.Name,
		IsTyping:  typing,
		UpdatedAt: at,
	})
	return data
}
