package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"github.com/gin-gonic/gin"
)

type conversationPayload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	IsGroup    bool   `json:"is_group"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  int64  `json:"created_at"`
	LastReadAt int64  `json:"last_read_at,omitempty"`
}

type createConversationRequest struct {
	UserIDs []string `json:"user_ids"`
	Title   string   `json:"title"`
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

type insertMessageRequest struct {
	Content string `json:"content"`
}

func toConversationPayload(conversation conversations.Conversation, lastReadAt int64) conversationPayload {
	return conversationPayload{
		ID:         conversation.ConversationID,
		Title:      conversation.Title,
		IsGroup:    conversation.IsGroup,
		CreatedBy:  conversation.CreatedBy,
		CreatedAt:  conversation.CreatedAtSeconds,
		LastReadAt: lastReadAt,
	}
}

func (h *httpHandler) handleListConversations(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	summaries, err := h.conversations.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err, "list_failed")
		return
	}
	payload := make([]conversationPayload, 0, len(summaries))
	for _, summary := range summaries {
		payload = append(payload, toConversationPayload(summary.Conversation, summary.LastReadAtSeconds))
	}
	c.JSON(http.StatusOK, gin.H{"conversations": payload})
}

func (h *httpHandler) handleCreateConversation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	var request createConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	conversation, err := h.conversations.CreateConversation(c.Request.Context(), userID, request.UserIDs, request.Title)
	if err != nil {
		h.respondServiceError(c, err, "create_failed")
		return
	}
	c.JSON(http.StatusCreated, toConversationPayload(conversation, 0))
}

// handleFetchMessages serves one page, newest first. before_id=0 or absent asks for the newest page.
func (h *httpHandler) handleFetchMessages(c *gin.Context) {
	conversationID, _, ok := h.requireMembership(c)
	if !ok {
		return
	}
	beforeID, err := parseOptionalInt(c.Query("before_id"))
	if err != nil || beforeID < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_before_id"})
		return
	}
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}

	records, err := h.conversations.FetchMessagesPage(c.Request.Context(), conversationID, beforeID, int(limit))
	if err != nil {
		h.respondServiceError(c, err, "fetch_failed")
		return
	}
	messages := make([]chat.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, record.ChatMessage())
	}
	c.JSON(http.StatusOK, messagesResponse{Messages: messages})
}

func (h *httpHandler) handleInsertMessage(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return
	}
	var request insertMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	record, err := h.conversations.InsertMessage(c.Request.Context(), conversationID, userID, request.Content)
	if err != nil {
		h.respondServiceError(c, err, "insert_failed")
		return
	}
	h.metrics.messagesInserted.Inc()
	c.JSON(http.StatusCreated, record.ChatMessage())
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	conversationID, userID, ok := h.requireMembership(c)
	if !ok {
		return
	}
	if err := h.conversations.MarkRead(c.Request.Context(), conversationID, userID); err != nil {
		h.respondServiceError(c, err, "mark_read_failed")
		return
	}
	c.Status(http.StatusNoContent)
}

func parseOptionalInt(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}
