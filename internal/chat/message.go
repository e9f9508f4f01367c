package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAuthenticated indicates that no local user id could be resolved.
	ErrNotAuthenticated = errors.New("chat: not authenticated")
	// ErrEmptyContent indicates that a message body was blank after trimming.
	ErrEmptyContent = errors.New("chat: empty message content")
)

// Message is an immutable conversation entry. ID is assigned by the store and is the only ordering key.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// TypingPayload is the presence payload tracked by each participant.
type TypingPayload struct {
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
	Draft  string `json:"draft"`
	At     int64  `json:"at"`
}

// TypingState is the merged view of one remote participant.
type TypingState struct {
	Typing bool
	Draft  string
	At     int64
}

// TypingEntry is a TypingState flattened with its user id.
type TypingEntry struct {
	UserID string
	Typing bool
	Draft  string
	At     int64
}

// TransportError wraps a failed call against the remote store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chat: %s failed", e.Op)
	}
	return fmt.Sprintf("chat: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(op string, err error) error {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return err
	}
	return &TransportError{Op: op, Err: err}
}
