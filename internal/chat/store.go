package chat

import "context"

// PageQuery bounds a message page fetch. A zero BeforeID requests the newest page.
type PageQuery struct {
	BeforeID int64
	Limit    int
}

// Store is the remote conversation store the chat core talks to.
type Store interface {
	// FetchMessagesPage returns up to Limit messages with id < BeforeID, newest first.
	FetchMessagesPage(ctx context.Context, conversationID string, query PageQuery) ([]Message, error)
	// InsertMessage appends one message; the store assigns ID and CreatedAt.
	InsertMessage(ctx context.Context, conversationID, senderID, content string) (Message, error)
	// SubscribeToNewMessages delivers inserted messages at least once until the subscription is released.
	SubscribeToNewMessages(ctx context.Context, conversationID string, onInsert func(Message)) (Subscription, error)
	// OpenPresenceChannel joins the presence scope of the conversation.
	OpenPresenceChannel(ctx context.Context, conversationID string) (PresenceChannel, error)
	// CurrentUserID reports the authenticated user; ok is false before sign-in completes.
	CurrentUserID(ctx context.Context) (userID string, ok bool, err error)
}

// Subscription is a releasable live feed.
type Subscription interface {
	Unsubscribe() error
}

// PresenceChannel is a per-conversation scope where each client tracks one replaceable payload.
type PresenceChannel interface {
	// Track replaces this client's payload.
	Track(ctx context.Context, payload TypingPayload) error
	// OnSync registers a handler invoked whenever the merged state changes.
	OnSync(handler func())
	// State returns the current full state keyed by client key.
	State() map[string][]TypingPayload
	Unsubscribe() error
}
