package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/devXprite/world-chatapp/internal/domain"
	"github.com/devXprite/world-chatapp/internal/repository"
)

// scriptedLog serves pre-built pages in order and records every call. It
// never fans out on Append, so tests can tell optimistic inserts apart from
// real live deliveries.
type scriptedLog struct {
	mu      sync.Mutex
	pages   []repository.Page
	pageErr error
	queries int
	appends []domain.Draft
	onBatch func([]domain.Message)
	gate    chan struct{} // when non-nil, QueryNewest blocks until closed
}

func (l *scriptedLog) Append(ctx context.Context, draft domain.Draft) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appends = append(l.appends, draft)
	return "appended", nil
}

func (l *scriptedLog) QueryNewest(ctx context.Context, limit int, before *repository.Cursor) (repository.Page, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	if l.pageErr != nil {
		return repository.Page{}, l.pageErr
	}
	if len(l.pages) == 0 {
		return repository.Page{}, nil
	}
	page := l.pages[0]
	l.pages = l.pages[1:]
	return page, nil
}

func (l *scriptedLog) Subscribe(onBatch func([]domain.Message), onErr func(error)) (*repository.Subscription, error) {
	l.mu.Lock()
	l.onBatch = onBatch
	l.mu.Unlock()
	return repository.NewSubscription(func() {}), nil
}

func (l *scriptedLog) Close() error { return nil }

func (l *scriptedLog) push(msgs ...domain.Message) {
	l.mu.Lock()
	fn := l.onBatch
	l.mu.Unlock()
	fn(msgs)
}

func (l *scriptedLog) queryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queries
}

func msgAt(id string, ts time.Time) domain.Message {
	return domain.Message{ID: id, Content: "m-" + id, UserID: "u1", UserName: "alice", Timestamp: ts}
}

func page(cursorOf *domain.Message, full bool, msgs ...domain.Message) repository.Page {
	p := repository.Page{Messages: msgs, ExactlyFull: full}
	if cursorOf != nil {
		p.Cursor = repository.CursorFor(cursorOf.Timestamp, cursorOf.ID)
	}
	return p
}

func assertOrdered(t *testing.T, items []domain.Message) {
	t.Helper()
	for i := 1; i < len(items); i++ {
		if !items[i-1].Less(items[i]) {
			t.Fatalf("items out of order at %d: %s then %s", i, items[i-1].ID, items[i].ID)
		}
	}
}

func TestStartLoadsInitialPage(t *testing.T) {
	base := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	a := msgAt("a", base)
	b := msgAt("b", base.Add(time.Second))
	log := &scriptedLog{pages: []repository.Page{page(&a, true, b, a)}}

	svc := NewMessageService(log, MessagesConfig{InitialPageSize: 2, PageSize: 2}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	items := svc.Messages()
	if len(items) != 2 {
		t.Fatalf("got %d messages, want 2", len(items))
	}
	assertOrdered(t, items)
	if !svc.HasMoreHistory() {
		t.Error("a full initial page must leave more history available")
	}
}

// A message delivered live while an older page is still in flight must not
// appear twice when the page lands containing the same id.
func TestLiveAndHistoryDoNotDuplicate(t *testing.T) {
	base := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	a := msgAt("a", base)
	b := msgAt("b", base.Add(time.Second))
	x := msgAt("x", base.Add(2*time.Second))
	c := msgAt("c", base.Add(3*time.Second))

	log := &scriptedLog{pages: []repository.Page{
		page(&c, true, c),
		page(&a, false, x, b, a),
	}}
	svc := NewMessageService(log, MessagesConfig{InitialPageSize: 1, PageSize: 3}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	// x arrives live first, then again inside the history page.
	log.push(x)
	if _, err := svc.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore failed: %v", err)
	}

	items := svc.Messages()
	if len(items) != 4 {
		t.Fatalf("got %d messages, want 4: %+v", len(items), ids(items))
	}
	assertOrdered(t, items)
	count := 0
	for _, m := range items {
		if m.ID == "x" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("message x appears %d times, want 1", count)
	}
}

func TestMergeKeepsOrderWithTimestampTies(t *testing.T) {
	base := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	log := &scriptedLog{pages: []repository.Page{page(nil, false)}}
	svc := NewMessageService(log, MessagesConfig{InitialPageSize: 5, PageSize: 5}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	// Same timestamp, shuffled ids; order must settle on the id tie-break.
	log.push(msgAt("c", base), msgAt("a", base))
	log.push(msgAt("b", base), msgAt("d", base.Add(-time.Second)))

	items := svc.Messages()
	assertOrdered(t, items)
	got := strings.Join(ids(items), ",")
	if got != "d,a,b,c" {
		t.Errorf("order = %s, want d,a,b,c", got)
	}
}

func TestLoadMoreStopsWhenHistoryExhausted(t *testing.T) {
	base := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	a := msgAt("a", base)
	b := msgAt("b", base.Add(time.Second))
	c := msgAt("c", base.Add(2*time.Second))

	log := &scriptedLog{pages: []repository.Page{
		page(&c, true, c),
		page(&b, true, b),
		page(&a, false, a),
	}}
	svc := NewMessageService(log, MessagesConfig{InitialPageSize: 1, PageSize: 1}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	for i := 0; i < 2; i++ {
		added, err := svc.LoadMore(context.Background())
		if err != nil {
			t.Fatalf("LoadMore %d failed: %v", i, err)
		}
		if !added {
			t.Fatalf("LoadMore %d added nothing", i)
		}
	}
	if svc.HasMoreHistory() {
		t.Error("short final page must clear hasMore")
	}

	// Further calls are no-ops, not queries.
	before := log.queryCount()
	if added, err := svc.LoadMore(context.Background()); err != nil || added {
		t.Errorf("exhausted LoadMore = (%v, %v), want (false, nil)", added, err)
	}
	if log.queryCount() != before {
		t.Error("exhausted LoadMore still hit the log")
	}
}

func TestLoadMoreErrorLeavesHasMoreRetryable(t *testing.T) {
	base := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	a := msgAt("a", base)
	log := &scriptedLog{pages: []repository.Page{page(&a, true, a)}}
	svc := NewMessageService(log, MessagesConfig{InitialPageSize: 1, PageSize: 1}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	log.mu.Lock()
	log.pageErr = errors.New("backend down")
	log.mu.Unlock()

	if _, err := svc.LoadMore(context.Background()); !errors.Is(err, domain.ErrSync) {
		t.Fatalf("LoadMore error = %v, want ErrSync", err)
	}
	if !svc.HasMoreHistory() {
		t.Error("a failed page must not flip hasMore")
	}
}

func TestSendValidatesAndSkipsOptimisticInsert(t *testing.T) {
	log := &scriptedLog{pages: []repository.Page{page(nil, false)}}
	svc := NewMessageService(log, MessagesConfig{}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer svc.Stop()

	author := &domain.User{ID: "u1", Name: "alice"}
	for _, bad := range []string{"", "   ", "\n\t", strings.Repeat("x", 251)} {
		if err := svc.Send(context.Background(), bad, author); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("Send(%q) = %v, want ErrValidation", bad, err)
		}
	}

	for _, ok := range []string{"x", strings.Repeat("x", 250), "  padded  "} {
		if err := svc.Send(context.Background(), ok, author); err != nil {
			t.Errorf("Send(%q) failed: %v", ok, err)
		}
	}

	log.mu.Lock()
	appended := len(log.appends)
	trimmed := log.appends[2].Content
	log.mu.Unlock()
	if appended != 3 {
		t.Errorf("log got %d appends, want 3", appended)
	}
	if trimmed != "padded" {
		t.Errorf("content not trimmed before send: %q", trimmed)
	}
	if len(svc.Messages()) != 0 {
		t.Error("Send inserted locally; the authoritative copy must come from the feed")
	}
}

func TestConcurrentStartLoadsOnce(t *testing.T) {
	base := time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)
	a := msgAt("a", base)
	gate := make(chan struct{})
	log := &scriptedLog{pages: []repository.Page{page(&a, false, a)}, gate: gate}
	svc := NewMessageService(log, MessagesConfig{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := svc.Start(context.Background()); err != nil {
				t.Errorf("Start failed: %v", err)
			}
		}()
	}
	close(gate)
	wg.Wait()
	defer svc.Stop()

	if got := log.queryCount(); got != 1 {
		t.Errorf("initial load hit the log %d times, want 1", got)
	}
	if len(svc.Messages()) != 1 {
		t.Errorf("got %d messages, want 1", len(svc.Messages()))
	}
}

func TestStopIsIdempotentAndDropsLateBatches(t *testing.T) {
	log := &scriptedLog{pages: []repository.Page{page(nil, false)}}
	svc := NewMessageService(log, MessagesConfig{}, nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	svc.Stop()
	svc.Stop()

	log.push(msgAt("late", time.Now().UTC()))
	if len(svc.Messages()) != 0 {
		t.Error("batch delivered after Stop was merged")
	}
	if added, err := svc.LoadMore(context.Background()); err != nil || added {
		t.Errorf("LoadMore after Stop = (%v, %v), want (false, nil)", added, err)
	}
}

func ids(items []domain.Message) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.ID
	}
	return out
}
