package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"go.uber.org/zap"
)

var (
	// ErrRateLimited indicates that a client exceeded its presence track budget.
	ErrRateLimited = errors.New("realtime: presence rate limited")
	// ErrInvalidClientKey indicates an empty presence client key.
	ErrInvalidClientKey = errors.New("realtime: invalid client key")
	// ErrInvalidConversation indicates an empty conversation identifier.
	ErrInvalidConversation = errors.New("realtime: invalid conversation id")
)

type PresenceConfig struct {
	Dispatcher      *Dispatcher
	EventsPerSecond float64
	Burst           int
	Logger          *zap.Logger
}

// PresenceHub keeps the latest payload per client key for each conversation and
// publishes the full state after every change.
type PresenceHub struct {
	mu         sync.Mutex
	state      map[string]map[string]chat.TypingPayload
	dispatcher *Dispatcher
	limiters   *limiterPool
	logger     *zap.Logger
}

func NewPresenceHub(cfg PresenceConfig) *PresenceHub {
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher(DispatcherConfig{Logger: cfg.Logger})
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PresenceHub{
		state:      make(map[string]map[string]chat.TypingPayload),
		dispatcher: dispatcher,
		limiters:   newLimiterPool(cfg.EventsPerSecond, cfg.Burst),
		logger:     logger,
	}
}

// Track stores payload under clientKey, replacing any earlier payload, and broadcasts a sync.
func (h *PresenceHub) Track(conversationID, clientKey string, payload chat.TypingPayload) error {
	conversationID, clientKey, err := normalizeKeys(conversationID, clientKey)
	if err != nil {
		return err
	}
	if !h.limiters.Allow(limiterKey(conversationID, clientKey)) {
		h.logger.Debug("presence track rate limited",
			zap.String("conversation_id", conversationID),
			zap.String("client_key", clientKey))
		return ErrRateLimited
	}

	h.mu.Lock()
	entries := h.state[conversationID]
	if entries == nil {
		entries = make(map[string]chat.TypingPayload)
		h.state[conversationID] = entries
	}
	entries[clientKey] = payload
	h.publishLocked(conversationID, snapshotLocked(entries))
	h.mu.Unlock()
	return nil
}

// Untrack removes clientKey from the conversation and broadcasts a sync when it was present.
func (h *PresenceHub) Untrack(conversationID, clientKey string) error {
	conversationID, clientKey, err := normalizeKeys(conversationID, clientKey)
	if err != nil {
		return err
	}

	h.mu.Lock()
	entries := h.state[conversationID]
	if _, tracked := entries[clientKey]; !tracked {
		h.mu.Unlock()
		return nil
	}
	delete(entries, clientKey)
	h.publishLocked(conversationID, snapshotLocked(entries))
	if len(entries) == 0 {
		delete(h.state, conversationID)
		h.limiters.sweep()
	}
	h.mu.Unlock()
	return nil
}

// SubscribeWithState subscribes and captures the current state atomically, so every
// event received afterwards is newer than the returned state.
func (h *PresenceHub) SubscribeWithState(ctx context.Context, conversationID string) (<-chan Event, map[string][]chat.TypingPayload, func()) {
	conversationID = strings.TrimSpace(conversationID)
	h.mu.Lock()
	defer h.mu.Unlock()
	events, cleanup := h.dispatcher.Subscribe(ctx, PresenceTopic(conversationID))
	return events, snapshotLocked(h.state[conversationID]), cleanup
}

// publishLocked runs under h.mu so subscribers observe snapshots in mutation order.
func (h *PresenceHub) publishLocked(conversationID string, snapshot map[string][]chat.TypingPayload) {
	h.dispatcher.Publish(Event{
		Topic:    PresenceTopic(conversationID),
		Type:     EventPresenceSync,
		Presence: snapshot,
	})
}

func snapshotLocked(entries map[string]chat.TypingPayload) map[string][]chat.TypingPayload {
	snapshot := make(map[string][]chat.TypingPayload, len(entries))
	for clientKey, payload := range entries {
		snapshot[clientKey] = []chat.TypingPayload{payload}
	}
	return snapshot
}

func normalizeKeys(conversationID, clientKey string) (string, string, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return "", "", ErrInvalidConversation
	}
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return "", "", ErrInvalidClientKey
	}
	return conversationID, clientKey, nil
}

func limiterKey(conversationID, clientKey string) string {
	return conversationID + "/" + clientKey
}
