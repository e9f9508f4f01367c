package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type presenceSyncPayload struct {
	State map[string][]chat.TypingPayload `json:"state"`
}

type heartbeatPayload struct {
	At int64 `json:"at"`
}

type trackPresenceRequest struct {
	ClientKey string             `json:"client_key"`
	Payload   chat.TypingPayload `json:"payload"`
}

// handleMessageStream pushes message-insert events for the conversation as server-sent events.
func (h *httpHandler) handleMessageStream(c *gin.Context) {
	conversationID, _, ok := h.requireMembership(c)
	if !ok {
		return
	}
	events, cleanup := h.dispatcher.Subscribe(c.Request.Context(), realtime.MessagesTopic(conversationID.String()))
	defer cleanup()
	defer h.metrics.streamOpened(streamKindMessages)()

	h.serveEvents(c, events, nil)
}

// handlePresenceStream sends the full presence state on connect and after every change.
// When client_key is supplied the key is untracked once the stream closes.
func (h *httpHandler) handlePresenceStream(c *gin.Context) {
	conversationID, _, ok := h.requireMembership(c)
	if !ok {
		return
	}
	clientKey := strings.TrimSpace(c.Query("client_key"))

	events, state, cleanup := h.presence.SubscribeWithState(c.Request.Context(), conversationID.String())
	defer cleanup()
	defer h.metrics.streamOpened(streamKindPresence)()
	if clientKey != "" {
		defer func() {
			if err := h.presence.Untrack(conversationID.String(), clientKey); err != nil {
				h.logger.Warn("presence untrack on disconnect failed", zap.Error(err))
			}
		}()
	}

	initial := realtime.Event{Type: realtime.EventPresenceSync, Presence: state}
	h.serveEvents(c, events, &initial)
}

func (h *httpHandler) handleTrackPresence(c *gin.Context) {
	conversationID, userID, ok := h.requireMembership(c)
	if !ok {
		return
	}
	var request trackPresenceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.metrics.presenceTracks.WithLabelValues(presenceResultRejected).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	payload := request.Payload
	payload.UserID = userID.String()

	err := h.presence.Track(conversationID.String(), request.ClientKey, payload)
	switch {
	case err == nil:
		h.metrics.presenceTracks.WithLabelValues(presenceResultAccepted).Inc()
		c.Status(http.StatusNoContent)
	case errors.Is(err, realtime.ErrRateLimited):
		h.metrics.presenceTracks.WithLabelValues(presenceResultRateLimited).Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	default:
		h.metrics.presenceTracks.WithLabelValues(presenceResultRejected).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_presence"})
	}
}

func (h *httpHandler) handleUntrackPresence(c *gin.Context) {
	conversationID, _, ok := h.requireMembership(c)
	if !ok {
		return
	}
	if err := h.presence.Untrack(conversationID.String(), c.Param("client_key")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_presence"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) serveEvents(c *gin.Context, events <-chan realtime.Event, initial *realtime.Event) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	if initial != nil {
		writeEvent(c, *initial)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, open := <-events:
			if !open {
				return false
			}
			writeEvent(c, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, heartbeatPayload{At: tick.UnixMilli()})
			return true
		}
	})
}

func writeEvent(c *gin.Context, event realtime.Event) {
	switch event.Type {
	case realtime.EventMessageInserted:
		c.SSEvent(event.Type, event.Message)
	case realtime.EventPresenceSync:
		state := event.Presence
		if state == nil {
			state = map[string][]chat.TypingPayload{}
		}
		c.SSEvent(event.Type, presenceSyncPayload{State: state})
	}
}
