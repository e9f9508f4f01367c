package conversations

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidConversationID indicates that a conversation identifier is empty or exceeds storage bounds.
	ErrInvalidConversationID = errors.New("conversations: invalid conversation id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("conversations: invalid user id")
	// ErrEmptyContent indicates that a message body is blank.
	ErrEmptyContent = errors.New("conversations: empty message content")
	// ErrConversationNotFound indicates that the conversation does not exist.
	ErrConversationNotFound = errors.New("conversations: conversation not found")
	// ErrNotParticipant indicates that the user is not a member of the conversation.
	ErrNotParticipant = errors.New("conversations: user is not a participant")
)

// ConversationID represents a validated conversation identifier.
type ConversationID string

// NewConversationID validates raw input and returns a ConversationID.
func NewConversationID(rawInput string) (ConversationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidConversationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidConversationID, maxIdentifierLength)
	}
	return ConversationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ConversationID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Conversation is a chat thread with one or more participants.
type Conversation struct {
	ConversationID   string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	IsGroup          bool   `gorm:"column:is_group;not null;default:false"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_conversations_created"`
}

// TableName provides the explicit table binding for GORM.
func (Conversation) TableName() string {
	return "conversations"
}

// Participant links a user to a conversation together with read state.
type Participant struct {
	ConversationID    string `gorm:"column:conversation_id;primaryKey;size:190;not null"`
	UserID            string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_participants_user"`
	JoinedAtSeconds   int64  `gorm:"column:joined_at_s;not null;default:0"`
	LastReadAtSeconds int64  `gorm:"column:last_read_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "conversation_participants"
}

// MessageRecord is the persisted form of a chat message. MessageID is assigned on insert and only grows.
type MessageRecord struct {
	MessageID       int64  `gorm:"column:message_id;primaryKey;autoIncrement"`
	ConversationID  string `gorm:"column:conversation_id;size:190;not null;index:idx_messages_conversation,priority:1"`
	SenderID        string `gorm:"column:sender_id;size:190;not null"`
	Content         string `gorm:"column:content;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "messages"
}

// ChatMessage converts the record into the chat contract.
func (record MessageRecord) ChatMessage() chat.Message {
	return chat.Message{
		ID:             record.MessageID,
		ConversationID: record.ConversationID,
		SenderID:       record.SenderID,
		Content:        record.Content,
		CreatedAt:      time.UnixMilli(record.CreatedAtMillis).UTC(),
	}
}

// ConversationSummary is a conversation as seen by one participant.
type ConversationSummary struct {
	Conversation
	LastReadAtSeconds int64 `gorm:"column:last_read_at_s"`
}
