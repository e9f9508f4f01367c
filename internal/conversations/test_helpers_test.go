package conversations

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gather/backend/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []chat.Message
}

func (p *recordingPublisher) PublishMessageInserted(message chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *recordingPublisher) published() []chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Message(nil), p.messages...)
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustConversationID(t *testing.T, value string) ConversationID {
	t.Helper()
	id, err := NewConversationID(value)
	if err != nil {
		t.Fatalf("unexpected conversation id error: %v", err)
	}
	return id
}

func newTestService(t *testing.T, ids []string) (*Service, *gorm.DB, *recordingPublisher) {
	t.Helper()

	dsn := fmt.Sprintf("file:gather_conversations_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Conversation{}, &Participant{}, &MessageRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000600, 0).UTC() },
		IDProvider: &staticIDGenerator{ids: ids},
		Publisher:  publisher,
	})
	if err != nil {
		t.Fatalf("failed to construct conversations service: %v", err)
	}
	return service, db, publisher
}
