package session

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/devXprite/world-chatapp/internal/auth"
	"github.com/devXprite/world-chatapp/internal/domain"
	"github.com/devXprite/world-chatapp/internal/repository"
	"github.com/devXprite/world-chatapp/internal/service"
	"github.com/devXprite/world-chatapp/internal/store"
	"github.com/devXprite/world-chatapp/pkg/log"
)

// Deps are the collaborators a session is built from.
type Deps struct {
	Auth     *auth.Service
	Log      repository.MessageLog
	Store    store.PresenceStore
	Chat     service.MessagesConfig
	Presence service.PresenceConfig
}

// Session is the one object the UI layer consumes: identity, the live
// message view, the online-users view, and the operations against them.
// There is exactly one per process; Open and Logout bound its lifecycle.
type Session struct {
	authSvc  *auth.Service
	messages service.MessageService
	presence service.PresenceService

	mu      sync.RWMutex
	user    *domain.User
	lastErr error
	closed  bool

	updates chan struct{}
	done    chan struct{}
}

// Open resolves the user and brings the engines up. name selects (or
// creates) the identity; an empty name resumes the persisted session from
// the last launch. The initial history load and the presence bring-up run
// in parallel. A message sync failure aborts Open; a presence failure is
// recorded on the error surface and the session opens without it.
func Open(ctx context.Context, deps Deps, name string) (*Session, error) {
	s := &Session{
		authSvc: deps.Auth,
		updates: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.messages = service.NewMessageService(deps.Log, deps.Chat, s.recordError)
	s.presence = service.NewPresenceService(deps.Store, deps.Presence, s.recordError)

	var user *domain.User
	var err error
	if name != "" {
		user, err = deps.Auth.ResolveOrCreate(ctx, name)
	} else {
		user, err = deps.Auth.Rehydrate(ctx)
		if err == nil && user == nil {
			err = fmt.Errorf("%w: no stored session, login required", domain.ErrAuth)
		}
	}
	if err != nil {
		return nil, err
	}
	s.user = user

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.messages.Start(gctx)
	})
	g.Go(func() error {
		if presErr := s.presence.GoOnline(gctx, user); presErr != nil {
			// Presence never blocks messaging.
			s.recordError(presErr)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.presence.GoOffline(ctx)
		s.messages.Stop()
		return nil, err
	}

	go s.forwardUpdates()

	log.Ctx(ctx).Info().Str(log.FieldUserID, user.ID).Str(log.FieldUserName, user.Name).Msg("session open")
	return s, nil
}

// CurrentUser returns the session identity.
func (s *Session) CurrentUser() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Messages returns the current message snapshot, ascending.
func (s *Session) Messages() []domain.Message {
	return s.messages.Messages()
}

// OnlineUsers returns the current online-users view.
func (s *Session) OnlineUsers() []domain.OnlineUser {
	return s.presence.OnlineUsers()
}

// OnlineCount reports how many users are online.
func (s *Session) OnlineCount() int {
	return s.presence.OnlineCount()
}

// HasMoreHistory reports whether older history remains to page through.
func (s *Session) HasMoreHistory() bool {
	return s.messages.HasMoreHistory()
}

// SendMessage validates and sends, and drops the typing flag on success.
func (s *Session) SendMessage(ctx context.Context, content string) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return domain.ErrSessionClosed
	}
	user := s.user
	s.mu.RUnlock()

	if err := s.messages.Send(ctx, content, user); err != nil {
		return err
	}
	s.presence.NotifySent(ctx)
	return nil
}

// LoadMoreHistory pages one step further back.
func (s *Session) LoadMoreHistory(ctx context.Context) (bool, error) {
	if s.isClosed() {
		return false, domain.ErrSessionClosed
	}
	return s.messages.LoadMore(ctx)
}

// SetTypingHint reports keystroke activity to the presence engine.
func (s *Session) SetTypingHint(ctx context.Context, active bool) error {
	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	return s.presence.SetTyping(ctx, active)
}

// Updates signals (coalesced) whenever either view changed.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Err returns the last non-fatal error recorded on the session.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Logout publishes offline state, tears both engines down, and clears the
// persisted identity. Idempotent; the session is unusable afterwards.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)

	err := s.presence.GoOffline(ctx)
	s.messages.Stop()

	if clearErr := s.authSvc.ClearSession(); clearErr != nil && err == nil {
		err = clearErr
	}

	log.Ctx(ctx).Info().Msg("session closed")
	return err
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) forwardUpdates() {
	for {
		select {
		case <-s.done:
			return
		case <-s.messages.Updates():
		case <-s.presence.Updates():
		}
		select {
		case s.updates <- struct{}{}:
		default:
		}
	}
}

func (s *Session) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}
