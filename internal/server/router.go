package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "gather_user_id"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUserDirectory = errors.New("user directory dependency required")
	errMissingConversations = errors.New("conversations service dependency required")
	errMissingDispatcher    = errors.New("realtime dispatcher dependency required")
	errMissingPresenceHub   = errors.New("presence hub dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// CookieSessionValidator authenticates browser requests carrying a session cookie.
type CookieSessionValidator interface {
	CookieName() string
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type UserDirectory interface {
	ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error)
	EnsureProfile(ctx context.Context, userID, username, displayName, avatarURL string) (users.Profile, error)
	SearchProfiles(ctx context.Context, query string, excludeUserID string, limit int) ([]users.Profile, error)
}

type Dependencies struct {
	TokenManager      TokenValidator
	SessionValidator  CookieSessionValidator
	Users             UserDirectory
	Conversations     *conversations.Service
	Dispatcher        *realtime.Dispatcher
	Presence          *realtime.PresenceHub
	Metrics           *Metrics
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.Conversations == nil {
		return nil, errMissingConversations
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metrics.instrument)
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		sessions:      deps.SessionValidator,
		users:         deps.Users,
		conversations: deps.Conversations,
		dispatcher:    deps.Dispatcher,
		presence:      deps.Presence,
		metrics:       metrics,
		logger:        logger,
		heartbeat:     heartbeat,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/me", handler.handleMe)
	protected.GET("/profiles", handler.handleSearchProfiles)
	protected.GET("/conversations", handler.handleListConversations)
	protected.POST("/conversations", handler.handleCreateConversation)
	protected.GET("/conversations/:id/messages", handler.handleFetchMessages)
	protected.POST("/conversations/:id/messages", handler.handleInsertMessage)
	protected.POST("/conversations/:id/read", handler.handleMarkRead)
	protected.GET("/conversations/:id/stream", handler.handleMessageStream)
	protected.POST("/conversations/:id/presence", handler.handleTrackPresence)
	protected.DELETE("/conversations/:id/presence/:client_key", handler.handleUntrackPresence)
	protected.GET("/conversations/:id/presence/stream", handler.handlePresenceStream)

	return router, nil
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	tokens        TokenValidator
	sessions      CookieSessionValidator
	users         UserDirectory
	conversations *conversations.Service
	dispatcher    *realtime.Dispatcher
	presence      *realtime.PresenceHub
	metrics       *Metrics
	logger        *zap.Logger
	heartbeat     time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// authorizeRequest accepts a bearer header, an access_token query parameter (for EventSource clients)
// or, when configured, a session cookie.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, hasToken, malformed := bearerToken(c)
	if malformed {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if hasToken {
		subject, err := h.tokens.ValidateToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				h.logger.Info("token validation failed", zap.Error(err))
			} else {
				h.logger.Warn("token validation failed", zap.Error(err))
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(userIDContextKey, subject)
		c.Next()
		return
	}

	if h.sessions != nil {
		if _, err := c.Cookie(h.sessions.CookieName()); err == nil {
			claims, err := h.sessions.ValidateRequest(c.Request)
			if err != nil {
				h.logger.Info("session validation failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			userID, err := h.users.ResolveCanonicalUserID(c.Request.Context(), claims)
			if err != nil {
				h.logger.Warn("session identity resolution failed", zap.Error(err))
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.Set(userIDContextKey, userID)
			c.Next()
			return
		}
	}

	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
}

func bearerToken(c *gin.Context) (token string, found bool, malformed bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false, true
		}
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			return "", false, true
		}
		return token, true, false
	}
	if query := strings.TrimSpace(c.Query(accessTokenQueryParam)); query != "" {
		return query, true, false
	}
	return "", false, false
}

func currentUserID(c *gin.Context) (conversations.UserID, bool) {
	userID, err := conversations.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func conversationParam(c *gin.Context) (conversations.ConversationID, bool) {
	conversationID, err := conversations.NewConversationID(c.Param("id"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_conversation_id"})
		return "", false
	}
	return conversationID, true
}

// respondServiceError maps conversation failures onto HTTP statuses.
func (h *httpHandler) respondServiceError(c *gin.Context, err error, fallbackCode string) {
	switch {
	case errors.Is(err, conversations.ErrConversationNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "conversation_not_found"})
	case errors.Is(err, conversations.ErrNotParticipant):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "not_participant"})
	case errors.Is(err, conversations.ErrEmptyContent):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "empty_content"})
	case errors.Is(err, conversations.ErrInvalidUserID), errors.Is(err, conversations.ErrInvalidConversationID):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("request failed", zap.String("code", fallbackCode), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": fallbackCode})
	}
}

// requireMembership authorizes the caller against the :id conversation.
func (h *httpHandler) requireMembership(c *gin.Context) (conversations.ConversationID, conversations.UserID, bool) {
	userID, ok := currentUserID(c)
	if !ok {
		return "", "", false
	}
	conversationID, ok := conversationParam(c)
	if !ok {
		return "", "", false
	}
	if err := h.conversations.RequireParticipant(c.Request.Context(), conversationID, userID); err != nil {
		h.respondServiceError(c, err, "membership_check_failed")
		return "", "", false
	}
	return conversationID, userID, true
}
