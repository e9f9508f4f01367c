package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// DefaultPageSize is the number of messages fetched per page when no size is configured.
	DefaultPageSize = 30
	// MaxPageSize is the largest page the API serves; larger configured sizes are clamped to it.
	MaxPageSize = 100
)

var (
	errMissingStore          = errors.New("chat: store is required")
	errMissingConversationID = errors.New("chat: conversation id is required")
	noOpLogger               = zap.NewNop()
)

// TimelineStatus describes where a Timeline is in its lifecycle.
type TimelineStatus string

const (
	TimelineUninitialized TimelineStatus = "uninitialized"
	TimelineLoading       TimelineStatus = "loading"
	TimelineReady         TimelineStatus = "ready"
	TimelineClosed        TimelineStatus = "closed"
)

// TimelineConfig describes the dependencies of a Timeline.
type TimelineConfig struct {
	Store          Store
	ConversationID string
	PageSize       int
	Logger         *zap.Logger
	// OnChange receives a copy of the items after every mutation.
	OnChange func([]Message)
}

// TimelineSnapshot is a consistent copy of the timeline state.
type TimelineSnapshot struct {
	Items          []Message
	OldestLoadedID int64
	HasCursor      bool
	ReachedStart   bool
	Status         TimelineStatus
}

// Timeline owns the ascending, duplicate-free message list of one conversation.
// It loads the newest page, pages backwards on demand and appends live inserts.
type Timeline struct {
	store          Store
	conversationID string
	pageSize       int
	logger         *zap.Logger
	onChange       func([]Message)

	lifecycle context.Context
	cancel    context.CancelFunc

	mu             sync.Mutex
	items          []Message
	loadedIDs      map[int64]struct{}
	oldestLoadedID int64
	hasCursor      bool
	reachedStart   bool
	status         TimelineStatus
	loadingMore    bool
	subscription   Subscription
}

// NewTimeline validates the configuration and returns an uninitialized Timeline.
func NewTimeline(cfg TimelineConfig) (*Timeline, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	conversationID := strings.TrimSpace(cfg.ConversationID)
	if conversationID == "" {
		return nil, errMissingConversationID
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	return &Timeline{
		store:          cfg.Store,
		conversationID: conversationID,
		pageSize:       pageSize,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		onChange:       cfg.OnChange,
		lifecycle:      lifecycle,
		cancel:         cancel,
		loadedIDs:      make(map[int64]struct{}),
		status:         TimelineUninitialized,
	}, nil
}

// Initialize subscribes to live inserts and loads the newest page.
// Fetch failures are logged and leave the timeline ready, holding only live inserts that arrived meanwhile.
func (t *Timeline) Initialize(ctx context.Context) {
	t.mu.Lock()
	if t.status != TimelineUninitialized {
		t.mu.Unlock()
		return
	}
	t.status = TimelineLoading
	t.mu.Unlock()

	subscription, err := t.store.SubscribeToNewMessages(t.lifecycle, t.conversationID, t.OnRemoteInsert)
	if err != nil {
		t.logger.Warn("live message subscription failed", zap.Error(err))
	} else {
		t.mu.Lock()
		if t.status == TimelineClosed {
			t.mu.Unlock()
			t.release(subscription)
		} else {
			t.subscription = subscription
			t.mu.Unlock()
		}
	}

	page, err := t.store.FetchMessagesPage(ctx, t.conversationID, PageQuery{Limit: t.pageSize})

	t.mu.Lock()
	if t.status == TimelineClosed {
		t.mu.Unlock()
		return
	}
	t.status = TimelineReady
	if err != nil {
		if len(t.items) > 0 {
			t.oldestLoadedID = t.items[0].ID
			t.hasCursor = true
		}
		t.mu.Unlock()
		t.logger.Warn("initial message page failed", zap.Error(err))
		t.notify()
		return
	}
	t.mergeLocked(reversed(page))
	if len(t.items) > 0 {
		t.oldestLoadedID = t.items[0].ID
		t.hasCursor = true
	}
	t.reachedStart = len(page) < t.pageSize
	t.mu.Unlock()
	t.notify()
}

// LoadMore prepends the page of messages older than the cursor.
// It is a no-op before Initialize completes, once the start is reached, without a cursor
// or while another LoadMore is in flight.
func (t *Timeline) LoadMore(ctx context.Context) {
	t.mu.Lock()
	if t.status != TimelineReady || t.reachedStart || !t.hasCursor || t.loadingMore {
		t.mu.Unlock()
		return
	}
	t.loadingMore = true
	beforeID := t.oldestLoadedID
	t.mu.Unlock()

	page, err := t.store.FetchMessagesPage(ctx, t.conversationID, PageQuery{BeforeID: beforeID, Limit: t.pageSize})

	t.mu.Lock()
	t.loadingMore = false
	if t.status == TimelineClosed {
		t.mu.Unlock()
		return
	}
	if err != nil {
		t.mu.Unlock()
		t.logger.Warn("older message page failed", zap.Int64("before_id", beforeID), zap.Error(err))
		return
	}
	older := reversed(page)
	t.mergeLocked(older)
	if len(older) > 0 && older[0].ID < t.oldestLoadedID {
		t.oldestLoadedID = older[0].ID
	}
	if len(page) < t.pageSize {
		t.reachedStart = true
	}
	t.mu.Unlock()
	t.notify()
}

// OnRemoteInsert appends a live-inserted message. Redelivered ids are skipped.
func (t *Timeline) OnRemoteInsert(message Message) {
	t.mu.Lock()
	if t.status == TimelineClosed || t.status == TimelineUninitialized {
		t.mu.Unlock()
		return
	}
	if message.ConversationID != "" && message.ConversationID != t.conversationID {
		t.mu.Unlock()
		return
	}
	if _, seen := t.loadedIDs[message.ID]; seen {
		t.mu.Unlock()
		t.logger.Debug("duplicate live insert skipped", zap.Int64("message_id", message.ID))
		return
	}
	if len(t.items) == 0 || message.ID > t.items[len(t.items)-1].ID {
		t.items = append(t.items, message)
		t.loadedIDs[message.ID] = struct{}{}
	} else {
		t.mergeLocked([]Message{message})
	}
	t.mu.Unlock()
	t.notify()
}

// Close releases the live subscription. Results of fetches still in flight are discarded.
func (t *Timeline) Close() {
	t.mu.Lock()
	if t.status == TimelineClosed {
		t.mu.Unlock()
		return
	}
	t.status = TimelineClosed
	subscription := t.subscription
	t.subscription = nil
	t.mu.Unlock()

	t.cancel()
	t.release(subscription)
}

// Items returns a copy of the loaded messages in ascending id order.
func (t *Timeline) Items() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.items...)
}

// OldestLoadedID returns the pagination cursor; ok is false until a page has loaded.
func (t *Timeline) OldestLoadedID() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.oldestLoadedID, t.hasCursor
}

// ReachedStart reports whether the oldest message of the conversation is loaded.
func (t *Timeline) ReachedStart() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reachedStart
}

// Loading reports whether the initial page is being fetched.
func (t *Timeline) Loading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status == TimelineLoading
}

// Snapshot returns the full timeline state at one observation point.
func (t *Timeline) Snapshot() TimelineSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimelineSnapshot{
		Items:          append([]Message(nil), t.items...),
		OldestLoadedID: t.oldestLoadedID,
		HasCursor:      t.hasCursor,
		ReachedStart:   t.reachedStart,
		Status:         t.status,
	}
}

// mergeLocked folds incoming messages into items keeping ascending order without duplicates.
func (t *Timeline) mergeLocked(incoming []Message) {
	added := false
	for _, message := range incoming {
		if _, seen := t.loadedIDs[message.ID]; seen {
			continue
		}
		t.loadedIDs[message.ID] = struct{}{}
		t.items = append(t.items, message)
		added = true
	}
	if added {
		sort.SliceStable(t.items, func(i, j int) bool {
			return t.items[i].ID < t.items[j].ID
		})
	}
}

func (t *Timeline) notify() {
	if t.onChange == nil {
		return
	}
	t.mu.Lock()
	if t.status == TimelineClosed {
		t.mu.Unlock()
		return
	}
	items := append([]Message(nil), t.items...)
	t.mu.Unlock()
	t.onChange(items)
}

func (t *Timeline) release(subscription Subscription) {
	if subscription == nil {
		return
	}
	if err := subscription.Unsubscribe(); err != nil {
		t.logger.Warn("live message unsubscribe failed", zap.Error(err))
	}
}

// reversed converts a newest-first page into ascending order.
func reversed(page []Message) []Message {
	ascending := make([]Message, len(page))
	for index, message := range page {
		ascending[len(page)-1-index] = message
	}
	return ascending
}
