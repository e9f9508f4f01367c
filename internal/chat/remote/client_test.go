package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/database"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/server"
	"github.com/MarcoPoloResearchLab/gather/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type apiHarness struct {
	url    string
	issuer *auth.TokenIssuer
}

func newAPIHarness(t *testing.T, presenceBurst int) apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(fmt.Sprintf("file:gather_remote_%d?mode=memory&cache=shared", time.Now().UnixNano()), nil)
	require.NoError(t, err)

	dispatcher := realtime.NewDispatcher(realtime.DispatcherConfig{})
	presence := realtime.NewPresenceHub(realtime.PresenceConfig{Dispatcher: dispatcher, EventsPerSecond: 1, Burst: presenceBurst})
	conversationService, err := conversations.NewService(conversations.ServiceConfig{
		Database:   db,
		IDProvider: conversations.NewUUIDProvider(),
		Publisher:  dispatcher,
	})
	require.NoError(t, err)
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("remote-test-secret"),
		Issuer:        "gather-auth",
		Audience:      "gather-api",
		TokenTTL:      time.Minute,
	})
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:      issuer,
		Users:             userService,
		Conversations:     conversationService,
		Dispatcher:        dispatcher,
		Presence:          presence,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)
	return apiHarness{url: httpServer.URL, issuer: issuer}
}

func (h apiHarness) clientFor(t *testing.T, userID string) *Client {
	t.Helper()
	token := ""
	if userID != "" {
		var err error
		token, _, err = h.issuer.IssueAccessToken(context.Background(), userID)
		require.NoError(t, err)
	}
	client, err := New(Config{BaseURL: h.url, AccessToken: token, ReconnectDelay: 20 * time.Millisecond})
	require.NoError(t, err)
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, errMissingBaseURL)
}

func TestCurrentUserID(t *testing.T) {
	h := newAPIHarness(t, 5)

	_, ok, err := h.clientFor(t, "").CurrentUserID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	forged, err := New(Config{BaseURL: h.url, AccessToken: "not-a-token"})
	require.NoError(t, err)
	_, ok, err = forged.CurrentUserID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)

	alice := h.clientFor(t, "alice")
	userID, ok, err := alice.CurrentUserID(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", userID)

	alice.SetAccessToken("")
	_, ok, err = alice.CurrentUserID(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTimelineOverRemoteStore(t *testing.T) {
	h := newAPIHarness(t, 5)
	alice := h.clientFor(t, "alice")
	bob := h.clientFor(t, "bob")

	conversation, err := alice.CreateConversationWithUsers(context.Background(), []string{"bob"}, "")
	require.NoError(t, err)
	require.False(t, conversation.IsGroup)

	for index := 1; index <= 3; index++ {
		_, err := chat.SendMessage(context.Background(), alice, conversation.ID, fmt.Sprintf("m%d", index))
		require.NoError(t, err)
	}

	timeline, err := chat.NewTimeline(chat.TimelineConfig{Store: bob, ConversationID: conversation.ID, PageSize: 2})
	require.NoError(t, err)
	defer timeline.Close()

	timeline.Initialize(context.Background())
	require.Equal(t, []string{"m2", "m3"}, contents(timeline.Items()))
	timeline.LoadMore(context.Background())
	require.Equal(t, []string{"m1", "m2", "m3"}, contents(timeline.Items()))

	_, err = chat.SendMessage(context.Background(), alice, conversation.ID, "live")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		items := timeline.Items()
		return len(items) == 4 && items[3].Content == "live" && items[3].SenderID == "alice"
	}, 3*time.Second, 10*time.Millisecond)

	listed, err := bob.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, conversation.ID, listed[0].ID)
	require.NoError(t, bob.MarkConversationRead(context.Background(), conversation.ID))
}

func TestOutsiderCannotSubscribe(t *testing.T) {
	h := newAPIHarness(t, 5)
	conversation, err := h.clientFor(t, "alice").CreateConversationWithUsers(context.Background(), []string{"bob"}, "")
	require.NoError(t, err)

	mallory := h.clientFor(t, "mallory")
	_, err = mallory.SubscribeToNewMessages(context.Background(), conversation.ID, func(chat.Message) {})
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusForbidden, statusErr.StatusCode)

	_, err = mallory.OpenPresenceChannel(context.Background(), conversation.ID)
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusForbidden, statusErr.StatusCode)
}

func TestTypingAcrossRemoteClients(t *testing.T) {
	h := newAPIHarness(t, 20)
	alice := h.clientFor(t, "alice")
	conversation, err := alice.CreateConversationWithUsers(context.Background(), []string{"bob"}, "")
	require.NoError(t, err)

	aliceTyping, err := chat.NewTypingBroadcaster(chat.TypingConfig{
		Store:          alice,
		ConversationID: conversation.ID,
		Throttle:       20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer aliceTyping.Leave() //nolint:errcheck

	bobTyping, err := chat.NewTypingBroadcaster(chat.TypingConfig{Store: h.clientFor(t, "bob"), ConversationID: conversation.ID})
	require.NoError(t, err)

	require.NoError(t, aliceTyping.Join(context.Background()))
	require.NoError(t, bobTyping.Join(context.Background()))

	require.NoError(t, aliceTyping.StartTyping(context.Background()))
	aliceTyping.UpdateDraft("hello over http")
	require.Eventually(t, func() bool {
		others := bobTyping.Others()
		return len(others) == 1 && others[0].UserID == "alice" && others[0].Draft == "hello over http"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bobTyping.StartTyping(context.Background()))
	require.Eventually(t, func() bool {
		others := aliceTyping.Others()
		return len(others) == 1 && others[0].UserID == "bob" && others[0].Typing
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bobTyping.Leave())
	require.Eventually(t, func() bool {
		return len(aliceTyping.Others()) == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPresenceRateLimitOverHTTP(t *testing.T) {
	h := newAPIHarness(t, 1)
	alice := h.clientFor(t, "alice")
	conversation, err := alice.CreateConversationWithUsers(context.Background(), []string{"bob"}, "")
	require.NoError(t, err)

	channel, err := alice.OpenPresenceChannel(context.Background(), conversation.ID)
	require.NoError(t, err)
	defer channel.Unsubscribe() //nolint:errcheck

	require.NoError(t, channel.Track(context.Background(), chat.TypingPayload{Typing: true}))
	err = channel.Track(context.Background(), chat.TypingPayload{Typing: false})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestPresenceChannelReportsOwnPayloadUnderCallerIdentity(t *testing.T) {
	h := newAPIHarness(t, 5)
	alice := h.clientFor(t, "alice")
	conversation, err := alice.CreateConversationWithUsers(context.Background(), []string{"bob"}, "")
	require.NoError(t, err)

	channel, err := alice.OpenPresenceChannel(context.Background(), conversation.ID)
	require.NoError(t, err)
	require.Empty(t, channel.State())

	synced := make(chan struct{}, 8)
	channel.OnSync(func() { synced <- struct{}{} })

	require.NoError(t, channel.Track(context.Background(), chat.TypingPayload{UserID: "bob", Typing: true, Draft: "spoof"}))
	require.Eventually(t, func() bool {
		for _, payloads := range channel.State() {
			for _, payload := range payloads {
				if payload.Draft == "spoof" {
					return payload.UserID == "alice"
				}
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, synced)

	require.NoError(t, channel.Unsubscribe())
	require.NoError(t, channel.Unsubscribe())
	require.NoError(t, channel.Track(context.Background(), chat.TypingPayload{Typing: true}))
}

func TestSubscriptionReconnectsAfterDrop(t *testing.T) {
	var connections atomic.Int32
	stream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempt := connections.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event:message-insert\ndata:{\"id\":%d,\"content\":\"attempt-%d\"}\n\n", attempt, attempt)
		w.(http.Flusher).Flush()
		if attempt >= 2 {
			<-r.Context().Done()
		}
	}))
	t.Cleanup(stream.Close)

	client, err := New(Config{BaseURL: stream.URL, AccessToken: "token", ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	received := make(chan chat.Message, 4)
	subscription, err := client.SubscribeToNewMessages(context.Background(), "conv-1", func(message chat.Message) {
		received <- message
	})
	require.NoError(t, err)

	var ids []int64
	for len(ids) < 2 {
		select {
		case message := <-received:
			ids = append(ids, message.ID)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for messages, got %v", ids)
		}
	}
	require.Equal(t, []int64{1, 2}, ids)
	require.NoError(t, subscription.Unsubscribe())
}

func TestSubscriptionStopsOnPermanentFailure(t *testing.T) {
	var connections atomic.Int32
	stream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connections.Add(1) > 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"unauthorized"}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(stream.Close)

	client, err := New(Config{BaseURL: stream.URL, ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	subscription, err := client.SubscribeToNewMessages(context.Background(), "conv-1", func(chat.Message) {})
	require.NoError(t, err)
	defer subscription.Unsubscribe() //nolint:errcheck

	require.Eventually(t, func() bool { return connections.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), connections.Load())
}

func TestPresenceChannelRetracksAfterReconnect(t *testing.T) {
	var (
		connections atomic.Int32
		tracked     = make(chan chat.TypingPayload, 4)
		drop        = make(chan struct{})
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/conversations/conv-1/presence":
			var body struct {
				ClientKey string             `json:"client_key"`
				Payload   chat.TypingPayload `json:"payload"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ClientKey == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			tracked <- body.Payload
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/conversations/conv-1/presence/stream":
			if r.Header.Get("Authorization") != "Bearer token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			attempt := connections.Add(1)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, ": keepalive\n\nevent:presence-sync\ndata:{\"state\":\ndata:{}}\n\n")
			w.(http.Flusher).Flush()
			if attempt == 1 {
				select {
				case <-drop:
				case <-r.Context().Done():
				}
				return
			}
			<-r.Context().Done()
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(api.Close)

	client, err := New(Config{BaseURL: api.URL, AccessToken: "token", ReconnectDelay: 10 * time.Millisecond})
	require.NoError(t, err)
	channel, err := client.OpenPresenceChannel(context.Background(), "conv-1")
	require.NoError(t, err)
	defer channel.Unsubscribe() //nolint:errcheck
	require.Empty(t, channel.State())

	payload := chat.TypingPayload{UserID: "me", Typing: true, Draft: "hi", At: 1}
	require.NoError(t, channel.Track(context.Background(), payload))
	require.Equal(t, payload, <-tracked)

	close(drop)
	select {
	case retracked := <-tracked:
		require.Equal(t, payload, retracked)
	case <-time.After(3 * time.Second):
		t.Fatal("payload was not tracked again after the stream reconnected")
	}
	require.Equal(t, int32(2), connections.Load())
}

func contents(messages []chat.Message) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.Content)
	}
	return out
}
