package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"github.com/google/uuid"
	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
	"gopkg.in/cenkalti/backoff.v1"
)

const (
	eventMessageInserted = "message-insert"
	eventPresenceSync    = "presence-sync"
	maxEventSize         = 1 << 20
	untrackTimeout       = 5 * time.Second
)

var (
	errMissingConversationID = errors.New("remote store: conversation id required")
	errStreamTimeout         = errors.New("remote store: timed out opening event stream")
)

// permanent reports failures that a reconnect cannot fix.
func permanent(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 400 && statusErr.StatusCode < 500
	}
	return false
}

// streamBackOff retries at a fixed delay once the stream has been established. Failures before
// the first connection and after ctx ends are final.
type streamBackOff struct {
	ctx         context.Context
	delay       time.Duration
	established atomic.Bool
}

func (b *streamBackOff) Reset() {}

func (b *streamBackOff) Context() context.Context {
	return b.ctx
}

func (b *streamBackOff) NextBackOff() time.Duration {
	if b.ctx.Err() != nil || !b.established.Load() {
		return backoff.Stop
	}
	return b.delay
}

// followStream keeps an event stream open until ctx ends or the API rejects it. The returned
// channel yields nil once the first connection is accepted, or the error that prevented it.
// onReconnect runs after every later successful connection.
func (c *Client) followStream(ctx context.Context, path string, params url.Values, onReconnect func(), handle func(*sse.Event)) <-chan error {
	target := c.baseURL.String() + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	established := make(chan error, 1)
	strategy := &streamBackOff{ctx: ctx, delay: c.reconnectDelay}
	connections := 0

	stream := sse.NewClient(target, sse.ClientMaxBufferSize(maxEventSize))
	stream.Connection = c.httpClient
	stream.ReconnectStrategy = strategy
	stream.ReconnectNotify = func(err error, next time.Duration) {
		c.logger.Warn("event stream reconnect failed", zap.String("path", path), zap.Duration("delay", next), zap.Error(err))
		c.authorize(stream)
	}
	stream.ResponseValidator = func(_ *sse.Client, response *http.Response) error {
		if response.StatusCode != http.StatusOK {
			err := statusError(response)
			_ = response.Body.Close()
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		connections++
		if connections == 1 {
			strategy.established.Store(true)
			established <- nil
		} else if onReconnect != nil {
			go onReconnect()
		}
		return nil
	}
	stream.OnDisconnect(func(*sse.Client) {
		c.logger.Debug("event stream dropped", zap.String("path", path))
	})

	go func() {
		for {
			c.authorize(stream)
			err := stream.SubscribeRawWithContext(ctx, func(event *sse.Event) {
				if ctx.Err() == nil {
					handle(event)
				}
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				if connections == 0 {
					established <- err
					return
				}
				c.logger.Warn("event stream closed permanently", zap.String("path", path), zap.Error(err))
				return
			}
			c.logger.Debug("event stream ended, reconnecting", zap.String("path", path), zap.Duration("delay", c.reconnectDelay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.reconnectDelay):
			}
		}
	}()
	return established
}

// authorize refreshes the bearer token sent on the next connection attempt.
func (c *Client) authorize(stream *sse.Client) {
	if token := c.token(); token != "" {
		stream.Headers["Authorization"] = "Bearer " + token
		return
	}
	delete(stream.Headers, "Authorization")
}

// awaitStream blocks until established reports, ctx ends, or the request timeout passes.
func awaitStream(ctx context.Context, established <-chan error, ready <-chan struct{}) error {
	timeout := time.NewTimer(defaultRequestTimeout)
	defer timeout.Stop()
	for {
		select {
		case err := <-established:
			if err != nil {
				return err
			}
			if ready == nil {
				return nil
			}
			established = nil
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errStreamTimeout
		}
	}
}

// SubscribeToNewMessages returns once the stream is established. Inserts made while a dropped
// stream is reconnecting are not replayed.
func (c *Client) SubscribeToNewMessages(ctx context.Context, conversationID string, onInsert func(chat.Message)) (chat.Subscription, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errMissingConversationID
	}
	subscriptionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	established := c.followStream(subscriptionCtx, conversationPath(conversationID, "stream"), nil, nil, func(event *sse.Event) {
		if string(event.Event) != eventMessageInserted {
			return
		}
		var message chat.Message
		if err := json.Unmarshal(event.Data, &message); err != nil {
			c.logger.Warn("discarding malformed message event", zap.Error(err))
			return
		}
		onInsert(message)
	})
	if err := awaitStream(ctx, established, nil); err != nil {
		cancel()
		return nil, err
	}
	return &messageSubscription{cancel: cancel}, nil
}

type messageSubscription struct {
	once   sync.Once
	cancel context.CancelFunc
}

func (s *messageSubscription) Unsubscribe() error {
	s.once.Do(s.cancel)
	return nil
}

// OpenPresenceChannel connects the presence stream under a fresh client key and waits for the initial state.
func (c *Client) OpenPresenceChannel(ctx context.Context, conversationID string) (chat.PresenceChannel, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, errMissingConversationID
	}
	clientKey := uuid.NewString()
	channelCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	channel := &presenceChannel{
		client:         c,
		conversationID: conversationID,
		clientKey:      clientKey,
		cancel:         cancel,
		ready:          make(chan struct{}),
		state:          map[string][]chat.TypingPayload{},
	}

	path := conversationPath(conversationID, "presence", "stream")
	params := url.Values{"client_key": []string{clientKey}}
	established := c.followStream(channelCtx, path, params, func() { channel.retrack(channelCtx) }, channel.handle)
	if err := awaitStream(ctx, established, channel.ready); err != nil {
		cancel()
		return nil, err
	}
	return channel, nil
}

type presenceChannel struct {
	client         *Client
	conversationID string
	clientKey      string
	cancel         context.CancelFunc
	once           sync.Once
	readyOnce      sync.Once
	ready          chan struct{}

	mu       sync.Mutex
	state    map[string][]chat.TypingPayload
	handlers []func()
	last     *chat.TypingPayload
	closed   bool
}

func (p *presenceChannel) handle(event *sse.Event) {
	if string(event.Event) != eventPresenceSync {
		return
	}
	if !p.applySync(event.Data) {
		return
	}
	p.readyOnce.Do(func() { close(p.ready) })
	p.mu.Lock()
	handlers := append([]func(){}, p.handlers...)
	p.mu.Unlock()
	for _, handler := range handlers {
		handler()
	}
}

func (p *presenceChannel) applySync(data []byte) bool {
	var payload struct {
		State map[string][]chat.TypingPayload `json:"state"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		p.client.logger.Warn("discarding malformed presence event", zap.Error(err))
		return false
	}
	if payload.State == nil {
		payload.State = map[string][]chat.TypingPayload{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.state = payload.State
	return true
}

// retrack restores the last payload after a reconnect, since the server untracks on disconnect.
func (p *presenceChannel) retrack(ctx context.Context) {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	if last == nil {
		return
	}
	if err := p.post(ctx, *last); err != nil {
		p.client.logger.Warn("presence retrack failed", zap.String("conversation_id", p.conversationID), zap.Error(err))
	}
}

func (p *presenceChannel) post(ctx context.Context, payload chat.TypingPayload) error {
	body := map[string]interface{}{"client_key": p.clientKey, "payload": payload}
	return p.client.doJSON(ctx, http.MethodPost, conversationPath(p.conversationID, "presence"), nil, body, nil)
}

func (p *presenceChannel) Track(ctx context.Context, payload chat.TypingPayload) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.post(ctx, payload); err != nil {
		return err
	}
	p.mu.Lock()
	p.last = &payload
	p.mu.Unlock()
	return nil
}

// OnSync registers handler and replays the most recent state.
func (p *presenceChannel) OnSync(handler func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.handlers = append(p.handlers, handler)
	p.mu.Unlock()
	go handler()
}

func (p *presenceChannel) State() map[string][]chat.TypingPayload {
	p.mu.Lock()
	defer p.mu.Unlock()
	copied := make(map[string][]chat.TypingPayload, len(p.state))
	for key, payloads := range p.state {
		copied[key] = append([]chat.TypingPayload(nil), payloads...)
	}
	return copied
}

// Unsubscribe closes the stream and removes this client's payload.
func (p *presenceChannel) Unsubscribe() error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.handlers = nil
		p.mu.Unlock()
		p.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), untrackTimeout)
		defer cancel()
		err = p.client.doJSON(ctx, http.MethodDelete, conversationPath(p.conversationID, "presence", url.PathEscape(p.clientKey)), nil, nil, nil)
		if err != nil {
			p.client.logger.Warn("presence untrack failed", zap.String("conversation_id", p.conversationID), zap.Error(err))
		}
	})
	return err
}
