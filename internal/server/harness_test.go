package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	url           string
	issuer        *auth.TokenIssuer
	conversations *conversations.Service
	users         *users.Service
	presence      *realtime.PresenceHub
}

var testConversationSequence atomic.Int64

type sequentialIDProvider struct{}

func (sequentialIDProvider) NewID() (string, error) {
	return fmt.Sprintf("conv-%d", testConversationSequence.Add(1)), nil
}

func newTestServer(t *testing.T, presenceBurst int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:gather_server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	if err := db.AutoMigrate(&conversations.Conversation{}, &conversations.Participant{}, &conversations.MessageRecord{}, &users.Identity{}, &users.Profile{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{})
	presence := realtime.NewPresenceHub(realtime.PresenceConfig{
		Dispatcher:      dispatcher,
		EventsPerSecond: 1,
		Burst:           presenceBurst,
	})
	conversationService, err := conversations.NewService(conversations.ServiceConfig{
		Database:   db,
		IDProvider: sequentialIDProvider{},
		Publisher:  dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct conversations service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "gather-auth",
		Audience:      "gather-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:      tokenIssuer,
		Users:             userService,
		Conversations:     conversationService,
		Dispatcher:        dispatcher,
		Presence:          presence,
		Logger:            zap.NewNop(),
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{
		url:           server.URL,
		issuer:        tokenIssuer,
		conversations: conversationService,
		users:         userService,
		presence:      presence,
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueAccessToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	return response
}

func decodeJSON(t *testing.T, response *http.Response, target interface{}) {
	t.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

type sseEvent struct {
	name string
	data string
}

// openStream connects to an SSE endpoint and delivers parsed events on the returned channel.
func (s *testServer) openStream(t *testing.T, path string) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+path, http.NoBody)
	if err != nil {
		cancel()
		t.Fatalf("failed to construct stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		cancel()
		t.Fatalf("failed to open stream: %v", err)
	}
	if response.StatusCode != http.StatusOK {
		cancel()
		_ = response.Body.Close()
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}
	t.Cleanup(func() {
		cancel()
		_ = response.Body.Close()
	})

	events := make(chan sseEvent, 64)
	go func() {
		defer close(events)
		reader := bufio.NewReader(response.Body)
		current := sseEvent{}
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if current.name != "" || current.data != "" {
					events <- current
				}
				current = sseEvent{}
			case strings.HasPrefix(line, "event:"):
				current.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				current.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		}
	}()
	return events
}

func waitForEvent(t *testing.T, events <-chan sseEvent, name string) sseEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", name)
		case event, open := <-events:
			if !open {
				t.Fatalf("stream closed before %s event", name)
			}
			if event.name == name {
				return event
			}
		}
	}
}
