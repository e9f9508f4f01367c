// Package remote implements chat.Store against the gather HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"go.uber.org/zap"
)

const (
	defaultReconnectDelay = time.Second
	defaultRequestTimeout = 10 * time.Second
)

var (
	errMissingBaseURL = errors.New("remote store: base url required")
	// ErrRateLimited indicates that the API rejected a presence track with 429.
	ErrRateLimited = errors.New("remote store: rate limited")
)

// StatusError is returned for non-success API responses.
type StatusError struct {
	StatusCode int
	Code       string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("remote store: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote store: unexpected status %d (%s)", e.StatusCode, e.Code)
}

type Config struct {
	BaseURL        string
	AccessToken    string
	HTTPClient     *http.Client
	ReconnectDelay time.Duration
	Logger         *zap.Logger
}

// Client talks to the API on behalf of the holder of AccessToken.
type Client struct {
	baseURL        *url.URL
	httpClient     *http.Client
	reconnectDelay time.Duration
	logger         *zap.Logger

	mu          sync.RWMutex
	accessToken string
	userID      string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote store: invalid base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		reconnectDelay: reconnectDelay,
		logger:         logger,
		accessToken:    strings.TrimSpace(cfg.AccessToken),
	}, nil
}

// SetAccessToken swaps credentials and forgets the cached user id.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = strings.TrimSpace(token)
	c.userID = ""
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// CurrentUserID asks GET /me once per token. A missing or rejected token means not signed in.
func (c *Client) CurrentUserID(ctx context.Context) (string, bool, error) {
	c.mu.RLock()
	cached, token := c.userID, c.accessToken
	c.mu.RUnlock()
	if cached != "" {
		return cached, true, nil
	}
	if token == "" {
		return "", false, nil
	}

	var payload struct {
		UserID string `json:"user_id"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/me", nil, nil, &payload)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if payload.UserID == "" {
		return "", false, nil
	}

	c.mu.Lock()
	if c.accessToken == token {
		c.userID = payload.UserID
	}
	c.mu.Unlock()
	return payload.UserID, true, nil
}

func (c *Client) FetchMessagesPage(ctx context.Context, conversationID string, query chat.PageQuery) ([]chat.Message, error) {
	params := url.Values{}
	if query.BeforeID > 0 {
		params.Set("before_id", strconv.FormatInt(query.BeforeID, 10))
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}
	var payload struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, conversationPath(conversationID, "messages"), params, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Messages, nil
}

// InsertMessage posts content. The API attributes the message to the token holder, so senderID is advisory.
func (c *Client) InsertMessage(ctx context.Context, conversationID, senderID, content string) (chat.Message, error) {
	var message chat.Message
	body := map[string]string{"content": content}
	if err := c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil, body, &message); err != nil {
		return chat.Message{}, err
	}
	if senderID != "" && message.SenderID != senderID {
		c.logger.Warn("inserted message attributed to a different sender",
			zap.String("expected", senderID),
			zap.String("actual", message.SenderID))
	}
	return message, nil
}

// Conversation mirrors the API's conversation representation.
type Conversation struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	IsGroup    bool   `json:"is_group"`
	CreatedBy  string `json:"created_by"`
	CreatedAt  int64  `json:"created_at"`
	LastReadAt int64  `json:"last_read_at,omitempty"`
}

// Profile mirrors the API's public profile representation.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// CreateConversationWithUsers starts a conversation between the caller and userIDs.
func (c *Client) CreateConversationWithUsers(ctx context.Context, userIDs []string, title string) (Conversation, error) {
	var conversation Conversation
	body := map[string]interface{}{"user_ids": userIDs, "title": title}
	if err := c.doJSON(ctx, http.MethodPost, "/conversations", nil, body, &conversation); err != nil {
		return Conversation{}, err
	}
	return conversation, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var payload struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/conversations", nil, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Conversations, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.doJSON(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, nil, nil)
}

func (c *Client) SearchProfiles(ctx context.Context, query string, limit int) ([]Profile, error) {
	params := url.Values{}
	if trimmed := strings.TrimSpace(query); trimmed != "" {
		params.Set("q", trimmed)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var payload struct {
		Profiles []Profile `json:"profiles"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/profiles", params, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Profiles, nil
}

func conversationPath(conversationID string, segments ...string) string {
	parts := append([]string{"", "conversations", url.PathEscape(conversationID)}, segments...)
	return strings.Join(parts, "/")
}

func (c *Client) newRequest(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Request, error) {
	target := c.baseURL.String() + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	return request, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, params url.Values, body interface{}, target interface{}) error {
	requestCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	request, err := c.newRequest(requestCtx, method, path, params, body)
	if err != nil {
		return err
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return statusError(response)
	}
	if target == nil || response.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}

func statusError(response *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(response.Body, 4096)).Decode(&payload)
	if response.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", ErrRateLimited, &StatusError{StatusCode: response.StatusCode, Code: payload.Error})
	}
	return &StatusError{StatusCode: response.StatusCode, Code: payload.Error}
}
