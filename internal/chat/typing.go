package chat

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTypingThrottle bounds draft broadcasts to roughly five per second.
const DefaultTypingThrottle = 200 * time.Millisecond

// ErrBroadcasterClosed is returned by Join after Leave.
var ErrBroadcasterClosed = errors.New("chat: typing broadcaster closed")

// TypingConfig describes the dependencies of a TypingBroadcaster.
type TypingConfig struct {
	Store          Store
	ConversationID string
	Throttle       time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
	// OnChange receives the merged view of other participants after every sync.
	OnChange func([]TypingEntry)
}

// TypingBroadcaster publishes the local typing state and draft of one conversation
// and keeps a merged view of every other participant's state.
type TypingBroadcaster struct {
	store          Store
	conversationID string
	throttle       time.Duration
	clock          func() time.Time
	logger         *zap.Logger
	onChange       func([]TypingEntry)

	lifecycle context.Context
	cancel    context.CancelFunc

	// sendMu orders outgoing tracks so a flushed draft never lands after a later stop.
	sendMu sync.Mutex

	mu          sync.Mutex
	localUserID string
	channel     PresenceChannel
	others      map[string]TypingState
	draft       string
	pending     *time.Timer
	pendingSeq  uint64
	joined      bool
	left        bool
}

// NewTypingBroadcaster validates the configuration and returns a broadcaster that has not joined yet.
func NewTypingBroadcaster(cfg TypingConfig) (*TypingBroadcaster, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	conversationID := strings.TrimSpace(cfg.ConversationID)
	if conversationID == "" {
		return nil, errMissingConversationID
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = DefaultTypingThrottle
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	lifecycle, cancel := context.WithCancel(context.Background())
	return &TypingBroadcaster{
		store:          cfg.Store,
		conversationID: conversationID,
		throttle:       throttle,
		clock:          clock,
		logger:         logger.With(zap.String("conversation_id", conversationID)),
		onChange:       cfg.OnChange,
		lifecycle:      lifecycle,
		cancel:         cancel,
		others:         make(map[string]TypingState),
	}, nil
}

// Join resolves the local user and opens the presence channel of the conversation.
// A missing local user does not fail Join; outgoing broadcasts stay disabled until it resolves.
func (b *TypingBroadcaster) Join(ctx context.Context) error {
	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return ErrBroadcasterClosed
	}
	if b.joined {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.resolveLocalUser(ctx)

	channel, err := b.store.OpenPresenceChannel(b.lifecycle, b.conversationID)
	if err != nil {
		return newTransportError("open_presence_channel", err)
	}

	b.mu.Lock()
	if b.left || b.joined {
		left := b.left
		b.mu.Unlock()
		if unsubscribeErr := channel.Unsubscribe(); unsubscribeErr != nil {
			b.logger.Warn("presence unsubscribe failed", zap.Error(unsubscribeErr))
		}
		if left {
			return ErrBroadcasterClosed
		}
		return nil
	}
	b.channel = channel
	b.joined = true
	b.mu.Unlock()

	channel.OnSync(b.handleSync)
	return nil
}

// StartTyping broadcasts typing=true with the current draft immediately.
func (b *TypingBroadcaster) StartTyping(ctx context.Context) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.mu.Lock()
	draft := b.draft
	b.mu.Unlock()
	return b.send(ctx, true, draft)
}

// UpdateDraft records the draft and schedules at most one broadcast per throttle window.
// Calls made while a broadcast is pending coalesce into it, so it carries the latest draft.
func (b *TypingBroadcaster) UpdateDraft(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.left {
		return
	}
	b.draft = text
	if b.pending != nil {
		return
	}
	b.pendingSeq++
	seq := b.pendingSeq
	b.pending = time.AfterFunc(b.throttle, func() {
		b.flushDraft(seq)
	})
}

// StopTyping cancels any pending draft broadcast and broadcasts typing=false with an empty draft.
func (b *TypingBroadcaster) StopTyping(ctx context.Context) error {
	b.mu.Lock()
	b.stopPendingLocked()
	b.mu.Unlock()

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	return b.send(ctx, false, "")
}

// Leave releases the presence channel and the throttle timer. It is safe to call more than once.
func (b *TypingBroadcaster) Leave() error {
	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return nil
	}
	b.left = true
	b.stopPendingLocked()
	channel := b.channel
	b.channel = nil
	b.others = make(map[string]TypingState)
	b.mu.Unlock()

	b.cancel()
	// Wait out a track already in flight so it cannot follow the unsubscribe.
	b.sendMu.Lock()
	b.sendMu.Unlock() //nolint:staticcheck
	if channel == nil {
		return nil
	}
	if err := channel.Unsubscribe(); err != nil {
		return newTransportError("leave_presence_channel", err)
	}
	return nil
}

// Others returns every other known participant, most recent activity first.
func (b *TypingBroadcaster) Others() []TypingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedEntries(b.others)
}

// LocalUserID returns the cached local user id; ok is false until it resolves.
func (b *TypingBroadcaster) LocalUserID() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localUserID, b.localUserID != ""
}

// handleSync rebuilds the merged view from the full presence state.
func (b *TypingBroadcaster) handleSync() {
	b.mu.Lock()
	channel := b.channel
	if b.left || channel == nil {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	state := channel.State()

	b.mu.Lock()
	if b.left {
		b.mu.Unlock()
		return
	}
	b.others = mergePresenceState(state, b.localUserID)
	entries := sortedEntries(b.others)
	b.mu.Unlock()

	if b.onChange != nil {
		b.onChange(entries)
	}
}

func (b *TypingBroadcaster) flushDraft(seq uint64) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if b.left || b.pending == nil || b.pendingSeq != seq {
		b.mu.Unlock()
		return
	}
	b.pending = nil
	draft := b.draft
	b.mu.Unlock()

	if err := b.send(b.lifecycle, true, draft); err != nil {
		b.logger.Warn("draft broadcast failed", zap.Error(err))
	}
}

func (b *TypingBroadcaster) send(ctx context.Context, typing bool, draft string) error {
	b.mu.Lock()
	channel := b.channel
	if b.left || channel == nil {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	userID, ok := b.resolveLocalUser(ctx)
	if !ok {
		return nil
	}
	if !typing {
		draft = ""
	}
	payload := TypingPayload{
		UserID: userID,
		Typing: typing,
		Draft:  draft,
		At:     b.clock().UnixMilli(),
	}

	b.mu.Lock()
	current := b.channel
	b.mu.Unlock()
	if current != channel {
		return nil
	}
	if err := channel.Track(ctx, payload); err != nil {
		return newTransportError("track_presence", err)
	}
	return nil
}

// resolveLocalUser returns the cached local user id, asking the store until one is known.
func (b *TypingBroadcaster) resolveLocalUser(ctx context.Context) (string, bool) {
	b.mu.Lock()
	if b.localUserID != "" {
		userID := b.localUserID
		b.mu.Unlock()
		return userID, true
	}
	b.mu.Unlock()

	userID, ok, err := b.store.CurrentUserID(ctx)
	if err != nil {
		b.logger.Debug("local user lookup failed", zap.Error(err))
		return "", false
	}
	if !ok || strings.TrimSpace(userID) == "" {
		return "", false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.localUserID == "" {
		b.localUserID = userID
	}
	return b.localUserID, true
}

func (b *TypingBroadcaster) stopPendingLocked() {
	if b.pending != nil {
		b.pending.Stop()
		b.pending = nil
	}
	b.pendingSeq++
}

// mergePresenceState flattens client-keyed payload lists into one entry per remote user.
// Keys are visited in sorted order and later payloads win, so the result is deterministic.
func mergePresenceState(state map[string][]TypingPayload, localUserID string) map[string]TypingState {
	keys := make([]string, 0, len(state))
	for key := range state {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := make(map[string]TypingState)
	for _, key := range keys {
		for _, payload := range state[key] {
			if payload.UserID == "" || payload.UserID == localUserID {
				continue
			}
			merged[payload.UserID] = TypingState{
				Typing: payload.Typing,
				Draft:  payload.Draft,
				At:     payload.At,
			}
		}
	}
	return merged
}

func sortedEntries(others map[string]TypingState) []TypingEntry {
	entries := make([]TypingEntry, 0, len(others))
	for userID, state := range others {
		entries = append(entries, TypingEntry{
			UserID: userID,
			Typing: state.Typing,
			Draft:  state.Draft,
			At:     state.At,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].At != entries[j].At {
			return entries[i].At > entries[j].At
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}
