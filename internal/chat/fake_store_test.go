package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errFakeTransport = errors.New("fake transport failure")

type fetchCall struct {
	conversationID string
	query          PageQuery
}

// fakeStore is an in-memory Store with hooks for failures and blocking fetches.
type fakeStore struct {
	mu            sync.Mutex
	messages      map[string][]Message
	nextID        int64
	fetchCalls    []fetchCall
	fetchErr      error
	insertErr     error
	userID        string
	userKnown     bool
	fetchGate     chan struct{}
	insertHandler func(Message)
	unsubscribed  int
	channel       *fakePresenceChannel
	openErr       error
}

func newFakeStore() *fakeStore {
	return &fakeStore{messages: make(map[string][]Message)}
}

func (s *fakeStore) seed(conversationID string, ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.messages[conversationID] = append(s.messages[conversationID], Message{
			ID:             id,
			ConversationID: conversationID,
			SenderID:       "seed-user",
			Content:        "message",
			CreatedAt:      time.Unix(1700000000+id, 0).UTC(),
		})
		if id > s.nextID {
			s.nextID = id
		}
	}
}

func (s *fakeStore) FetchMessagesPage(ctx context.Context, conversationID string, query PageQuery) ([]Message, error) {
	s.mu.Lock()
	s.fetchCalls = append(s.fetchCalls, fetchCall{conversationID: conversationID, query: query})
	gate := s.fetchGate
	fetchErr := s.fetchErr
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]Message, 0)
	for _, message := range s.messages[conversationID] {
		if query.BeforeID > 0 && message.ID >= query.BeforeID {
			continue
		}
		candidates = append(candidates, message)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID > candidates[j].ID
	})
	if len(candidates) > query.Limit {
		candidates = candidates[:query.Limit]
	}
	return candidates, nil
}

func (s *fakeStore) InsertMessage(_ context.Context, conversationID, senderID, content string) (Message, error) {
	s.mu.Lock()
	if s.insertErr != nil {
		err := s.insertErr
		s.mu.Unlock()
		return Message{}, err
	}
	s.nextID++
	message := Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], message)
	handler := s.insertHandler
	s.mu.Unlock()

	if handler != nil {
		handler(message)
	}
	return message, nil
}

func (s *fakeStore) SubscribeToNewMessages(_ context.Context, _ string, onInsert func(Message)) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertHandler = onInsert
	return fakeSubscription{store: s}, nil
}

func (s *fakeStore) OpenPresenceChannel(_ context.Context, _ string) (PresenceChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return nil, s.openErr
	}
	if s.channel == nil {
		s.channel = newFakePresenceChannel()
	}
	return s.channel, nil
}

func (s *fakeStore) CurrentUserID(context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userKnown, nil
}

func (s *fakeStore) signIn(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.userKnown = true
}

func (s *fakeStore) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetchCalls)
}

func (s *fakeStore) unsubscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

type fakeSubscription struct {
	store *fakeStore
}

func (f fakeSubscription) Unsubscribe() error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.insertHandler = nil
	f.store.unsubscribed++
	return nil
}

// fakePresenceChannel records tracked payloads and lets tests drive sync events.
type fakePresenceChannel struct {
	mu           sync.Mutex
	state        map[string][]TypingPayload
	tracked      []TypingPayload
	trackedCh    chan TypingPayload
	handlers     []func()
	unsubscribed int
}

func newFakePresenceChannel() *fakePresenceChannel {
	return &fakePresenceChannel{
		state:     make(map[string][]TypingPayload),
		trackedCh: make(chan TypingPayload, 64),
	}
}

func (c *fakePresenceChannel) Track(_ context.Context, payload TypingPayload) error {
	c.mu.Lock()
	c.tracked = append(c.tracked, payload)
	c.mu.Unlock()
	c.trackedCh <- payload
	return nil
}

func (c *fakePresenceChannel) OnSync(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribed > 0 {
		return
	}
	c.handlers = append(c.handlers, handler)
}

func (c *fakePresenceChannel) State() map[string][]TypingPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string][]TypingPayload, len(c.state))
	for key, payloads := range c.state {
		copied[key] = append([]TypingPayload(nil), payloads...)
	}
	return copied
}

func (c *fakePresenceChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = nil
	c.unsubscribed++
	return nil
}

// sync replaces the full state and fires every registered handler.
func (c *fakePresenceChannel) sync(state map[string][]TypingPayload) int {
	c.mu.Lock()
	c.state = state
	handlers := append([]func(){}, c.handlers...)
	c.mu.Unlock()
	for _, handler := range handlers {
		handler()
	}
	return len(handlers)
}

func (c *fakePresenceChannel) trackedPayloads() []TypingPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TypingPayload(nil), c.tracked...)
}
