package chat

import (
	"context"
	"strings"
)

// SendMessage inserts a message authored by the current user.
// Insert failures are returned as *TransportError so the caller can restore the unsent draft.
func SendMessage(ctx context.Context, store Store, conversationID, content string) (Message, error) {
	if store == nil {
		return Message{}, errMissingStore
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return Message{}, errMissingConversationID
	}
	text := strings.TrimSpace(content)
	if text == "" {
		return Message{}, ErrEmptyContent
	}

	userID, ok, err := store.CurrentUserID(ctx)
	if err != nil {
		return Message{}, newTransportError("current_user", err)
	}
	if !ok || userID == "" {
		return Message{}, ErrNotAuthenticated
	}

	message, err := store.InsertMessage(ctx, conversationID, userID, text)
	if err != nil {
		return Message{}, newTransportError("insert_message", err)
	}
	return message, nil
}
