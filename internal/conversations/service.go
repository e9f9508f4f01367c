package conversations

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultPageSize applies when a page request does not carry a positive limit.
	DefaultPageSize = 30
	// MaxPageSize caps a single page request.
	MaxPageSize = chat.MaxPageSize
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "conversations.service.new"
	opCreateConversation  = "conversations.create"
	opListConversations   = "conversations.list"
	opRequireParticipant  = "conversations.require_participant"
	opFetchMessagesPage   = "conversations.fetch_messages_page"
	opInsertMessage       = "conversations.insert_message"
	opMarkRead            = "conversations.mark_read"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// MessagePublisher fans out committed message inserts to live subscribers.
type MessagePublisher interface {
	PublishMessageInserted(message chat.Message)
}

type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  MessagePublisher
	Logger     *zap.Logger
}

// Service persists conversations, participants and messages.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	publisher  MessagePublisher
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		publisher:  cfg.Publisher,
		logger:     logger,
	}, nil
}

// CreateConversation stores a conversation whose participants are the creator plus participantIDs, de-duplicated.
// A conversation with more than one other participant is a group.
func (s *Service) CreateConversation(ctx context.Context, creatorID UserID, participantIDs []string, title string) (Conversation, error) {
	members := []string{creatorID.String()}
	seen := map[string]struct{}{creatorID.String(): {}}
	for _, raw := range participantIDs {
		participantID, err := NewUserID(raw)
		if err != nil {
			return Conversation{}, newServiceError(opCreateConversation, "invalid_participant", err)
		}
		if _, duplicate := seen[participantID.String()]; duplicate {
			continue
		}
		seen[participantID.String()] = struct{}{}
		members = append(members, participantID.String())
	}

	conversationID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateConversation, "id_generation_failed", err)
		return Conversation{}, newServiceError(opCreateConversation, "id_generation_failed", err)
	}

	createdAt := s.clock().UTC().Unix()
	conversation := Conversation{
		ConversationID:   conversationID,
		Title:            strings.TrimSpace(title),
		IsGroup:          len(members) > 2,
		CreatedBy:        creatorID.String(),
		CreatedAtSeconds: createdAt,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conversation).Error; err != nil {
			s.logError(opCreateConversation, "conversation_insert_failed", err,
				zap.String("conversation_id", conversationID))
			return newServiceError(opCreateConversation, "conversation_insert_failed", err)
		}
		rows := make([]Participant, 0, len(members))
		for _, member := range members {
			rows = append(rows, Participant{
				ConversationID:  conversationID,
				UserID:          member,
				JoinedAtSeconds: createdAt,
			})
		}
		if err := tx.Create(&rows).Error; err != nil {
			s.logError(opCreateConversation, "participant_insert_failed", err,
				zap.String("conversation_id", conversationID))
			return newServiceError(opCreateConversation, "participant_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Conversation{}, txErr
	}

	return conversation, nil
}

// ListConversations returns the conversations the user participates in, newest first.
func (s *Service) ListConversations(ctx context.Context, userID UserID) ([]ConversationSummary, error) {
	var summaries []ConversationSummary
	err := s.db.WithContext(ctx).
		Table(Conversation{}.TableName()).
		Select("conversations.*, conversation_participants.last_read_at_s AS last_read_at_s").
		Joins("JOIN conversation_participants ON conversation_participants.conversation_id = conversations.conversation_id").
		Where("conversation_participants.user_id = ?", userID.String()).
		Order("conversations.created_at_s DESC").
		Scan(&summaries).Error
	if err != nil {
		s.logError(opListConversations, reasonQueryFailed, err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListConversations, reasonQueryFailed, err)
	}
	return summaries, nil
}

// RequireParticipant returns ErrConversationNotFound or ErrNotParticipant unless the user belongs to the conversation.
func (s *Service) RequireParticipant(ctx context.Context, conversationID ConversationID, userID UserID) error {
	var conversationCount int64
	if err := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("conversation_id = ?", conversationID.String()).
		Count(&conversationCount).Error; err != nil {
		s.logError(opRequireParticipant, reasonQueryFailed, err, zap.String("conversation_id", conversationID.String()))
		return newServiceError(opRequireParticipant, reasonQueryFailed, err)
	}
	if conversationCount == 0 {
		return newServiceError(opRequireParticipant, "conversation_not_found", ErrConversationNotFound)
	}

	var participantCount int64
	if err := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID.String(), userID.String()).
		Count(&participantCount).Error; err != nil {
		s.logError(opRequireParticipant, reasonQueryFailed, err, zap.String("conversation_id", conversationID.String()))
		return newServiceError(opRequireParticipant, reasonQueryFailed, err)
	}
	if participantCount == 0 {
		return newServiceError(opRequireParticipant, "not_participant", ErrNotParticipant)
	}
	return nil
}

// FetchMessagesPage returns up to limit messages with id < beforeID (newest page when beforeID is 0), newest first.
func (s *Service) FetchMessagesPage(ctx context.Context, conversationID ConversationID, beforeID int64, limit int) ([]MessageRecord, error) {
	limit = clampPageSize(limit)
	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID.String())
	if beforeID > 0 {
		query = query.Where("message_id < ?", beforeID)
	}

	var records []MessageRecord
	if err := query.Order("message_id DESC").Limit(limit).Find(&records).Error; err != nil {
		s.logError(opFetchMessagesPage, reasonQueryFailed, err,
			zap.String("conversation_id", conversationID.String()),
			zap.Int64("before_id", beforeID))
		return nil, newServiceError(opFetchMessagesPage, reasonQueryFailed, err)
	}
	return records, nil
}

// InsertMessage appends a message from a participant and publishes it once committed.
func (s *Service) InsertMessage(ctx context.Context, conversationID ConversationID, senderID UserID, content string) (MessageRecord, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return MessageRecord{}, newServiceError(opInsertMessage, "empty_content", ErrEmptyContent)
	}
	if err := s.RequireParticipant(ctx, conversationID, senderID); err != nil {
		return MessageRecord{}, err
	}

	record := MessageRecord{
		ConversationID:  conversationID.String(),
		SenderID:        senderID.String(),
		Content:         text,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opInsertMessage, "message_insert_failed", err,
			zap.String("conversation_id", conversationID.String()),
			zap.String("sender_id", senderID.String()))
		return MessageRecord{}, newServiceError(opInsertMessage, "message_insert_failed", err)
	}

	if s.publisher != nil {
		s.publisher.PublishMessageInserted(record.ChatMessage())
	}
	return record, nil
}

// MarkRead records the current time as the participant's last read time.
func (s *Service) MarkRead(ctx context.Context, conversationID ConversationID, userID UserID) error {
	result := s.db.WithContext(ctx).
		Model(&Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID.String(), userID.String()).
		Update("last_read_at_s", s.clock().UTC().Unix())
	if result.Error != nil {
		s.logError(opMarkRead, "update_failed", result.Error,
			zap.String("conversation_id", conversationID.String()),
			zap.String("user_id", userID.String()))
		return newServiceError(opMarkRead, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opMarkRead, "not_participant", ErrNotParticipant)
	}
	return nil
}

func clampPageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("conversations service error", attrs...)
}
