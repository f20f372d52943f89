package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/devXprite/world-chatapp/internal/domain"
	"github.com/devXprite/world-chatapp/internal/repository"
	"github.com/devXprite/world-chatapp/pkg/log"
)

// MessagesConfig holds message sync configuration.
type MessagesConfig struct {
	// InitialPageSize is the size of the first (newest) history page.
	InitialPageSize int `mapstructure:"initial_page_size"`
	// PageSize is the size of each further backward page.
	PageSize int `mapstructure:"page_size"`
}

type messageService struct {
	msglog  repository.MessageLog
	cfg     MessagesConfig
	onError func(error)

	// Coalesces duplicate Start calls into one subscription + initial load.
	sf singleflight.Group

	mu           sync.Mutex
	items        []domain.Message // ascending (timestamp, id), unique by id
	byID         map[string]struct{}
	oldestCursor *repository.Cursor
	hasMore      bool
	loadingMore  bool
	started      bool
	stopped      bool
	sub          *repository.Subscription

	updates chan struct{}
}

// NewMessageService creates the sync engine over the given log. onError
// receives non-fatal failures (nil is allowed).
func NewMessageService(msglog repository.MessageLog, cfg MessagesConfig, onError func(error)) MessageService {
	if cfg.InitialPageSize <= 0 {
		cfg.InitialPageSize = 60
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &messageService{
		msglog:  msglog,
		cfg:     cfg,
		onError: onError,
		byID:    make(map[string]struct{}),
		updates: make(chan struct{}, 1),
	}
}

func (s *messageService) Start(ctx context.Context) error {
	_, err, _ := s.sf.Do("start", func() (interface{}, error) {
		s.mu.Lock()
		if s.started || s.stopped {
			s.mu.Unlock()
			return nil, nil
		}
		s.mu.Unlock()

		// Subscribe before the initial load: anything appended while the
		// page is in flight arrives live and the id merge below keeps the
		// two paths from duplicating each other.
		sub, err := s.msglog.Subscribe(s.handleLive, s.handleFeedError)
		if err != nil {
			return nil, fmt.Errorf("%w: subscribe failed: %v", domain.ErrSync, err)
		}

		page, err := s.msglog.QueryNewest(ctx, s.cfg.InitialPageSize, nil)
		if err != nil {
			sub.Close()
			return nil, fmt.Errorf("%w: initial load failed: %v", domain.ErrSync, err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			sub.Close()
			return nil, nil
		}
		s.sub = sub
		s.mergeLocked(page.Messages)
		s.oldestCursor = page.Cursor
		s.hasMore = page.ExactlyFull
		s.started = true
		s.notifyLocked()

		log.Ctx(ctx).Debug().Int(log.FieldCount, len(page.Messages)).Msg("initial message page loaded")
		return nil, nil
	})
	return err
}

func (s *messageService) LoadMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if !s.started || s.stopped || s.loadingMore || !s.hasMore {
		s.mu.Unlock()
		return false, nil
	}
	s.loadingMore = true
	cursor := s.oldestCursor
	s.mu.Unlock()

	page, err := s.msglog.QueryNewest(ctx, s.cfg.PageSize, cursor)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadingMore = false

	if s.stopped {
		// Session ended while the fetch was in flight; discard the result.
		return false, nil
	}
	if err != nil {
		// hasMore stays as it was so the caller can retry.
		wrapped := fmt.Errorf("%w: history page failed: %v", domain.ErrSync, err)
		s.reportLocked(wrapped)
		return false, wrapped
	}

	added := s.mergeLocked(page.Messages)
	if page.Cursor != nil {
		s.oldestCursor = page.Cursor
	}
	s.hasMore = page.ExactlyFull
	if added > 0 {
		s.notifyLocked()
	}
	return added > 0, nil
}

func (s *messageService) Send(ctx context.Context, content string, author *domain.User) error {
	trimmed, err := domain.ValidateContent(content)
	if err != nil {
		return err
	}

	draft := domain.Draft{
		Content:     trimmed,
		UserID:      author.ID,
		UserName:    author.Name,
		UserCountry: author.Country,
	}

	// No optimistic insert: the authoritative copy comes back through the
	// live feed, so the sender renders exactly what everyone else does.
	id, err := s.msglog.Append(ctx, draft)
	if err != nil {
		wrapped := fmt.Errorf("%w: send failed: %v", domain.ErrSync, err)
		s.mu.Lock()
		s.reportLocked(wrapped)
		s.mu.Unlock()
		return wrapped
	}

	log.Ctx(ctx).Debug().Str(log.FieldMessageID, id).Msg("message sent")
	return nil
}

func (s *messageService) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.items))
	copy(out, s.items)
	return out
}

func (s *messageService) HasMoreHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *messageService) Updates() <-chan struct{} {
	return s.updates
}

func (s *messageService) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.stopped = true
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (s *messageService) handleLive(batch []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.mergeLocked(batch) > 0 {
		s.notifyLocked()
	}
}

func (s *messageService) handleFeedError(err error) {
	wrapped := fmt.Errorf("%w: live feed failed: %v", domain.ErrSync, err)
	s.mu.Lock()
	s.reportLocked(wrapped)
	s.mu.Unlock()
}

// mergeLocked folds messages into the ordered set, deduplicating by id
// only. Already-sorted appends take the fast path; everything else is a
// binary-search insert, since history pages and live deliveries give no
// ordering guarantee relative to each other.
func (s *messageService) mergeLocked(batch []domain.Message) int {
	added := 0
	for _, msg := range batch {
		if _, seen := s.byID[msg.ID]; seen {
			continue
		}
		s.byID[msg.ID] = struct{}{}
		added++

		if n := len(s.items); n == 0 || s.items[n-1].Less(msg) {
			s.items = append(s.items, msg)
			continue
		}
		idx := sort.Search(len(s.items), func(i int) bool {
			return msg.Less(s.items[i])
		})
		s.items = append(s.items, domain.Message{})
		copy(s.items[idx+1:], s.items[idx:])
		s.items[idx] = msg
	}
	return added
}

func (s *messageService) notifyLocked() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *messageService) reportLocked(err error) {
	log.L().Warn().Err(err).Msg("message sync error")
	if s.onError != nil {
		s.onError(err)
	}
}
