package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"hollow/internal/models"
	"hollow/internal/ws"
)

type fakeRealtime struct {
	mu       sync.Mutex
	down     bool
	sent     []models.Envelope
	handlers []ws.Handler
}

func (f *fakeRealtime) send(env models.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return ws.ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeRealtime) SendMessage(to int64, content string) error {
	return f.send(models.Envelope{Type: models.EventMessage, To: to, Content: content})
}

func (f *fakeRealtime) SendRead(to, messageID int64) error {
	return f.send(models.Envelope{Type: models.EventRead, To: to, MessageID: messageID})
}

func (f *fakeRealtime) SendTyping(to int64) error {
	return f.send(models.Envelope{Type: models.EventTyping, To: to})
}

func (f *fakeRealtime) OnMessage(h ws.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, h)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers = nil
	}
}

func (f *fakeRealtime) deliver(env models.Envelope) {
	f.mu.Lock()
	handlers := append([]ws.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(env)
	}
}

func (f *fakeRealtime) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeRealtime) lastSent() models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeBackend struct {
	mu sync.Mutex

	conversations    []models.Conversation
	conversationsErr error
	conversationHits int

	messages    []models.Message
	messagesErr error

	sendResult models.Message
	sendErr    error
	sendCalls  int

	unreadCount int
	unreadErr   error
	unreadHits  int

	readIDs []int64
}

func (f *fakeBackend) Conversations(ctx context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conversationHits++
	return f.conversations, f.conversationsErr
}

func (f *fakeBackend) Messages(ctx context.Context, userID int64, page, pageSize int) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, f.messagesErr
}

func (f *fakeBackend) SendMessage(ctx context.Context, receiverID int64, content string) (models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	return f.sendResult, f.sendErr
}

func (f *fakeBackend) MarkRead(ctx context.Context, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readIDs = append(f.readIDs, messageID)
	return nil
}

func (f *fakeBackend) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreadHits++
	return f.unreadCount, f.unreadErr
}

func newTestService(t *testing.T, rt *fakeRealtime, api *fakeBackend) *Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc, err := New(ctx, Config{
		Realtime: rt,
		API:      api,
		SelfID:   func() int64 { return 1 },
		Logger:   slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func msg(id, sender, receiver int64, content string) models.Message {
	return models.Message{
		ID:         id,
		CreatedAt:  time.Unix(1700000000+id, 0).UTC(),
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
	}
}

func TestSendSocketFirst(t *testing.T) {
	rt := &fakeRealtime{}
	api := &fakeBackend{}
	svc := newTestService(t, rt, api)

	got, err := svc.Send(context.Background(), 2, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil record on the socket path, got %+v", got)
	}
	if rt.sentCount() != 1 {
		t.Fatalf("expected 1 socket send, got %d", rt.sentCount())
	}
	env := rt.lastSent()
	if env.Type != models.EventMessage || env.To != 2 || env.Content != "hello" {
		t.Errorf("unexpected envelope: %+v", env)
	}
	if api.sendCalls != 0 {
		t.Errorf("expected no REST calls, got %d", api.sendCalls)
	}
}

func TestSendRESTFallback(t *testing.T) {
	rt := &fakeRealtime{down: true}
	api := &fakeBackend{sendResult: msg(10, 1, 2, "hello")}
	svc := newTestService(t, rt, api)

	got, err := svc.Send(context.Background(), 2, "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID != 10 {
		t.Fatalf("expected the REST record back, got %+v", got)
	}
	if api.sendCalls != 1 {
		t.Errorf("expected 1 REST call, got %d", api.sendCalls)
	}

	recent := svc.Recent(2, 10)
	if len(recent) != 1 || recent[0].ID != 10 {
		t.Errorf("expected the sent message in the ring, got %+v", recent)
	}
}

func TestSendStripsMarkup(t *testing.T) {
	rt := &fakeRealtime{}
	svc := newTestService(t, rt, &fakeBackend{})

	if _, err := svc.Send(context.Background(), 2, "<script>x</script>hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env := rt.lastSent(); env.Content != "hi" {
		t.Errorf("expected markup stripped from outbound content, got %q", env.Content)
	}
}

func TestSendEmpty(t *testing.T) {
	rt := &fakeRealtime{}
	svc := newTestService(t, rt, &fakeBackend{})

	if _, err := svc.Send(context.Background(), 2, "  \n "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if rt.sentCount() != 0 {
		t.Errorf("expected no sends, got %d", rt.sentCount())
	}
}

func TestInboundMessageFillsRing(t *testing.T) {
	rt := &fakeRealtime{}
	svc := newTestService(t, rt, &fakeBackend{})

	inbound := msg(7, 2, 1, "hi there")
	rt.deliver(models.Envelope{Type: models.EventMessage, From: 2, Message: &inbound})

	recent := svc.Recent(2, 10)
	if len(recent) != 1 || recent[0].ID != 7 {
		t.Fatalf("expected inbound message in peer 2's ring, got %+v", recent)
	}
	if got := svc.Recent(3, 10); len(got) != 0 {
		t.Errorf("expected empty ring for peer 3, got %+v", got)
	}
}

func TestHistoryMergesIntoRing(t *testing.T) {
	api := &fakeBackend{messages: []models.Message{
		msg(1, 2, 1, "first"),
		msg(2, 1, 2, "second"),
	}}
	svc := newTestService(t, &fakeRealtime{}, api)

	got, err := svc.History(context.Background(), 2, 1, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}

	recent := svc.Recent(2, 10)
	if len(recent) != 2 || recent[0].ID != 1 || recent[1].ID != 2 {
		t.Errorf("expected history in the ring, got %+v", recent)
	}
}

func TestConversationsCached(t *testing.T) {
	api := &fakeBackend{conversations: []models.Conversation{
		{ID: 2, OtherUser: models.UserRef{ID: 2, Nickname: "quiet-fox"}},
	}}
	svc := newTestService(t, &fakeRealtime{}, api)

	for i := 0; i < 3; i++ {
		convs, err := svc.Conversations(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(convs) != 1 || convs[0].OtherUser.Nickname != "quiet-fox" {
			t.Fatalf("unexpected conversations: %+v", convs)
		}
	}
	if api.conversationHits != 1 {
		t.Errorf("expected 1 backend hit, got %d", api.conversationHits)
	}
}

func TestConversationsCacheInvalidatedByInbound(t *testing.T) {
	rt := &fakeRealtime{}
	api := &fakeBackend{}
	svc := newTestService(t, rt, api)

	if _, err := svc.Conversations(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inbound := msg(5, 2, 1, "ping")
	rt.deliver(models.Envelope{Type: models.EventMessage, From: 2, Message: &inbound})
	if _, err := svc.Conversations(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if api.conversationHits != 2 {
		t.Errorf("expected cache invalidation to force a second hit, got %d", api.conversationHits)
	}
}

func TestUnreadCountCached(t *testing.T) {
	api := &fakeBackend{unreadCount: 4}
	svc := newTestService(t, &fakeRealtime{}, api)

	for i := 0; i < 3; i++ {
		count, err := svc.UnreadCount(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if count != 4 {
			t.Fatalf("expected 4 unread, got %d", count)
		}
	}
	if api.unreadHits != 1 {
		t.Errorf("expected 1 backend hit, got %d", api.unreadHits)
	}
}

func TestMarkRead(t *testing.T) {
	rt := &fakeRealtime{}
	api := &fakeBackend{unreadCount: 1}
	svc := newTestService(t, rt, api)

	if _, err := svc.UnreadCount(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.MarkRead(context.Background(), 2, 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(api.readIDs) != 1 || api.readIDs[0] != 9 {
		t.Errorf("expected REST ack for message 9, got %v", api.readIDs)
	}
	env := rt.lastSent()
	if env.Type != models.EventRead || env.To != 2 || env.MessageID != 9 {
		t.Errorf("expected read receipt over the socket, got %+v", env)
	}

	api.mu.Lock()
	api.unreadCount = 0
	api.mu.Unlock()
	count, err := svc.UnreadCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected unread cache invalidated after mark-read, got %d", count)
	}
}

func TestMarkReadSocketDownStillWorks(t *testing.T) {
	rt := &fakeRealtime{down: true}
	svc := newTestService(t, rt, &fakeBackend{})

	if err := svc.MarkRead(context.Background(), 2, 9); err != nil {
		t.Fatalf("expected mark-read to succeed without a socket, got %v", err)
	}
}
