package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	"go.uber.org/zap"
)

const (
	EventMessageInserted = "message-insert"
	EventPresenceSync    = "presence-sync"
	EventHeartbeat       = "heartbeat"

	// DefaultBufferSize is the per-subscriber queue depth used when none is configured.
	DefaultBufferSize = 16

	messagesTopicPrefix = "messages:"
	presenceTopicPrefix = "presence:"
)

// MessagesTopic names the topic carrying message inserts for a conversation.
func MessagesTopic(conversationID string) string {
	return messagesTopicPrefix + conversationID
}

// PresenceTopic names the topic carrying presence snapshots for a conversation.
func PresenceTopic(conversationID string) string {
	return presenceTopicPrefix + conversationID
}

// Event is a single fan-out unit. Message is set for inserts and Presence for sync snapshots.
type Event struct {
	Topic     string
	Type      string
	Message   chat.Message
	Presence  map[string][]chat.TypingPayload
	Timestamp time.Time
}

type DispatcherConfig struct {
	BufferSize int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Dispatcher delivers events to per-topic subscribers without blocking publishers.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	logger      *zap.Logger
}

type subscriber struct {
	id     int64
	stream chan Event
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		clock:       clock,
		logger:      logger,
	}
}

// Subscribe registers a listener on topic until ctx is done or the returned cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	if topic == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(topic, sub)

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(topic, sub.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every current subscriber of its topic and returns the delivered count.
// Subscribers whose queue is full miss the event.
func (d *Dispatcher) Publish(event Event) int {
	if event.Topic == "" || event.Type == "" {
		return 0
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.Topic]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return 0
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()

	delivered := 0
	for _, sub := range copies {
		select {
		case sub.stream <- event:
			delivered++
		default:
			d.logger.Warn("realtime subscriber queue full",
				zap.String("topic", event.Topic),
				zap.String("event", event.Type),
				zap.Int64("subscriber_id", sub.id))
		}
	}
	return delivered
}

// PublishMessageInserted fans a committed message out on its conversation topic.
func (d *Dispatcher) PublishMessageInserted(message chat.Message) {
	d.Publish(Event{
		Topic:   MessagesTopic(message.ConversationID),
		Type:    EventMessageInserted,
		Message: message,
	})
}

// SubscriberCount reports the listeners currently registered on topic.
func (d *Dispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[topic])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(topic string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[topic]; !ok {
		d.subscribers[topic] = make(map[int64]*subscriber)
	}
	d.subscribers[topic][sub.id] = sub
}

func (d *Dispatcher) unregister(topic string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, topic)
		}
	}
	d.mu.Unlock()
}
