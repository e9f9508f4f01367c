// Package local implements chat.Store in-process on top of the conversations service and realtime hubs.
package local

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/realtime"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	errMissingConversations = errors.New("local store: conversations service required")
	errMissingDispatcher    = errors.New("local store: dispatcher required")
	errMissingPresence      = errors.New("local store: presence hub required")
	// ErrSenderMismatch indicates an insert on behalf of a user other than the signed-in one.
	ErrSenderMismatch = errors.New("local store: sender does not match signed-in user")
)

type Config struct {
	Conversations *conversations.Service
	Dispatcher    *realtime.Dispatcher
	Presence      *realtime.PresenceHub
	// UserID is the signed-in user. Empty means signed out until SignIn is called.
	UserID string
	Logger *zap.Logger
}

// Store acts on behalf of one signed-in user.
type Store struct {
	conversations *conversations.Service
	dispatcher    *realtime.Dispatcher
	presence      *realtime.PresenceHub
	logger        *zap.Logger

	mu     sync.RWMutex
	userID string
}

func New(cfg Config) (*Store, error) {
	if cfg.Conversations == nil {
		return nil, errMissingConversations
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if cfg.Presence == nil {
		return nil, errMissingPresence
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		conversations: cfg.Conversations,
		dispatcher:    cfg.Dispatcher,
		presence:      cfg.Presence,
		logger:        logger,
		userID:        cfg.UserID,
	}, nil
}

func (s *Store) SignIn(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

func (s *Store) SignOut() {
	s.SignIn("")
}

func (s *Store) CurrentUserID(context.Context) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != "", nil
}

// member resolves the signed-in user and checks membership of the conversation.
func (s *Store) member(ctx context.Context, rawConversationID string) (conversations.ConversationID, conversations.UserID, error) {
	conversationID, err := conversations.NewConversationID(rawConversationID)
	if err != nil {
		return "", "", err
	}
	rawUserID, ok, _ := s.CurrentUserID(ctx)
	if !ok {
		return "", "", chat.ErrNotAuthenticated
	}
	userID, err := conversations.NewUserID(rawUserID)
	if err != nil {
		return "", "", err
	}
	if err := s.conversations.RequireParticipant(ctx, conversationID, userID); err != nil {
		return "", "", err
	}
	return conversationID, userID, nil
}

func (s *Store) FetchMessagesPage(ctx context.Context, conversationID string, query chat.PageQuery) ([]chat.Message, error) {
	id, _, err := s.member(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	records, err := s.conversations.FetchMessagesPage(ctx, id, query.BeforeID, query.Limit)
	if err != nil {
		return nil, err
	}
	messages := make([]chat.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.ChatMessage())
	}
	return messages, nil
}

func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID, content string) (chat.Message, error) {
	id, userID, err := s.member(ctx, conversationID)
	if err != nil {
		return chat.Message{}, err
	}
	if senderID != userID.String() {
		return chat.Message{}, ErrSenderMismatch
	}
	record, err := s.conversations.InsertMessage(ctx, id, userID, content)
	if err != nil {
		return chat.Message{}, err
	}
	return record.ChatMessage(), nil
}

func (s *Store) SubscribeToNewMessages(ctx context.Context, conversationID string, onInsert func(chat.Message)) (chat.Subscription, error) {
	id, _, err := s.member(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	subscriptionCtx, cancel := context.WithCancel(ctx)
	events, cleanup := s.dispatcher.Subscribe(subscriptionCtx, realtime.MessagesTopic(id.String()))
	subscription := &messageSubscription{cancel: cancel, cleanup: cleanup}

	go func() {
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case event, open := <-events:
				if !open {
					return
				}
				if subscriptionCtx.Err() != nil {
					return
				}
				onInsert(event.Message)
			}
		}
	}()
	return subscription, nil
}

type messageSubscription struct {
	once    sync.Once
	cancel  context.CancelFunc
	cleanup func()
}

func (s *messageSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.cleanup()
	})
	return nil
}

// OpenPresenceChannel joins the conversation's presence scope under a fresh client key.
func (s *Store) OpenPresenceChannel(ctx context.Context, conversationID string) (chat.PresenceChannel, error) {
	id, _, err := s.member(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	channelCtx, cancel := context.WithCancel(ctx)
	events, state, cleanup := s.presence.SubscribeWithState(channelCtx, id.String())
	channel := &presenceChannel{
		hub:            s.presence,
		conversationID: id.String(),
		clientKey:      uuid.NewString(),
		state:          state,
		cancel:         cancel,
		cleanup:        cleanup,
		logger:         s.logger,
	}
	go channel.run(channelCtx, events)
	return channel, nil
}

type presenceChannel struct {
	hub            *realtime.PresenceHub
	conversationID string
	clientKey      string
	cancel         context.CancelFunc
	cleanup        func()
	logger         *zap.Logger
	once           sync.Once

	mu       sync.Mutex
	state    map[string][]chat.TypingPayload
	handlers []func()
	closed   bool
}

func (c *presenceChannel) run(ctx context.Context, events <-chan realtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			c.state = event.Presence
			handlers := append([]func(){}, c.handlers...)
			c.mu.Unlock()
			for _, handler := range handlers {
				handler()
			}
		}
	}
}

func (c *presenceChannel) Track(_ context.Context, payload chat.TypingPayload) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.hub.Track(c.conversationID, c.clientKey, payload)
}

// OnSync registers handler and replays the state captured at join.
func (c *presenceChannel) OnSync(handler func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.handlers = append(c.handlers, handler)
	c.mu.Unlock()
	go handler()
}

func (c *presenceChannel) State() map[string][]chat.TypingPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := make(map[string][]chat.TypingPayload, len(c.state))
	for key, payloads := range c.state {
		copied[key] = append([]chat.TypingPayload(nil), payloads...)
	}
	return copied
}

func (c *presenceChannel) Unsubscribe() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.handlers = nil
		c.mu.Unlock()
		c.cancel()
		c.cleanup()
		err = c.hub.Untrack(c.conversationID, c.clientKey)
		if err != nil {
			c.logger.Warn("presence untrack failed", zap.String("conversation_id", c.conversationID), zap.Error(err))
		}
	})
	return err
}
