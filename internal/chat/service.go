package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hollow/internal/content"
	"hollow/internal/history"
	"hollow/internal/models"
	"hollow/internal/store"
	"hollow/internal/ws"

	"github.com/c-pro/geche"
)

var ErrEmptyMessage = errors.New("message content is empty")

const (
	conversationsKey = "conversations"
	unreadKey        = "unread"

	DefaultRingSize = 50
)

// realtime is the socket side the service depends on.
type realtime interface {
	SendMessage(to int64, content string) error
	SendRead(to, messageID int64) error
	SendTyping(to int64) error
	OnMessage(ws.Handler) func()
}

// backend is the REST side the service depends on.
type backend interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Messages(ctx context.Context, userID int64, page, pageSize int) ([]models.Message, error)
	SendMessage(ctx context.Context, receiverID int64, content string) (models.Message, error)
	MarkRead(ctx context.Context, messageID int64) error
	UnreadCount(ctx context.Context) (int, error)
}

type Config struct {
	Realtime realtime
	API      backend

	// Cache is the local bbolt-backed message cache; nil disables it.
	Cache *store.Store

	// SelfID yields the local user id, used to tell which conversation an
	// inbound message belongs to.
	SelfID func() int64

	RingSize        int
	ConversationTTL time.Duration
	UnreadTTL       time.Duration
	Logger          *slog.Logger
}

// Service ties the realtime manager, the REST client and the local caches
// together: sends go socket-first with a REST fallback, reads go
// ring-then-cache-then-REST.
type Service struct {
	rt     realtime
	api    backend
	cache  *store.Store
	selfID func() int64
	log    *slog.Logger

	ringSize int
	mu       sync.Mutex
	rings    map[int64]*history.Ring

	conversations geche.Geche[string, []models.Conversation]
	unread        geche.Geche[string, int]

	unsub func()
}

func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Realtime == nil || cfg.API == nil {
		return nil, errors.New("chat service needs both a realtime and a REST client")
	}
	if cfg.SelfID == nil {
		return nil, errors.New("chat service needs a SelfID source")
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = 30 * time.Second
	}
	if cfg.UnreadTTL <= 0 {
		cfg.UnreadTTL = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		rt:            cfg.Realtime,
		api:           cfg.API,
		cache:         cfg.Cache,
		selfID:        cfg.SelfID,
		log:           cfg.Logger,
		ringSize:      cfg.RingSize,
		rings:         make(map[int64]*history.Ring),
		conversations: geche.NewMapTTLCache[string, []models.Conversation](ctx, cfg.ConversationTTL, time.Minute),
		unread:        geche.NewMapTTLCache[string, int](ctx, cfg.UnreadTTL, time.Minute),
	}

	s.unsub = s.rt.OnMessage(s.handleEnvelope)

	return s, nil
}

// Close detaches the service from the realtime stream.
func (s *Service) Close() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

// handleEnvelope feeds inbound message records into the local caches so a
// screen re-opening the conversation sees them without a REST round trip.
func (s *Service) handleEnvelope(env models.Envelope) {
	if env.Type != models.EventMessage || env.Message == nil {
		return
	}
	s.remember(env.Message.Peer(s.selfID()), *env.Message)

	// A new inbound message invalidates both derived counters.
	_ = s.unread.Del(unreadKey)
	_ = s.conversations.Del(conversationsKey)
}

func (s *Service) ring(peerID int64) *history.Ring {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rings[peerID]
	if !ok {
		r = history.New(s.ringSize)
		s.rings[peerID] = r
	}
	return r
}

func (s *Service) remember(peerID int64, msg models.Message) {
	s.ring(peerID).Add(msg)
	if s.cache != nil {
		if err := s.cache.PutMessages(peerID, []models.Message{msg}); err != nil {
			s.log.Warn("failed to cache message", "peer_id", peerID, "error", err)
		}
	}
}

// Send delivers a message socket-first, falling back to the REST path when
// the socket is down. The returned record is nil on the socket path: the
// server echoes the full record back over the stream.
func (s *Service) Send(ctx context.Context, to int64, text string) (*models.Message, error) {
	text = strings.TrimSpace(content.Sanitize(text))
	if text == "" {
		return nil, ErrEmptyMessage
	}

	if err := s.rt.SendMessage(to, text); err == nil {
		return nil, nil
	} else if !errors.Is(err, ws.ErrNotConnected) {
		s.log.Debug("socket send failed, falling back to REST", "error", err)
	}

	msg, err := s.api.SendMessage(ctx, to, text)
	if err != nil {
		return nil, fmt.Errorf("send message to %d: %w", to, err)
	}
	s.remember(to, msg)
	return &msg, nil
}

// Typing sends a best-effort typing indicator; silence while offline.
func (s *Service) Typing(to int64) {
	_ = s.rt.SendTyping(to)
}

// History fetches one REST page of messages with the given user and merges
// it into the local caches.
func (s *Service) History(ctx context.Context, peerID int64, page, pageSize int) ([]models.Message, error) {
	msgs, err := s.api.Messages(ctx, peerID, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch history with %d: %w", peerID, err)
	}

	ring := s.ring(peerID)
	for _, msg := range msgs {
		ring.Add(msg)
	}
	if s.cache != nil {
		if err := s.cache.PutMessages(peerID, msgs); err != nil {
			s.log.Warn("failed to cache history page", "peer_id", peerID, "error", err)
		}
	}
	return msgs, nil
}

// Recent returns up to n recent messages with the given user from local
// state only: the in-memory ring first, then the disk cache. It never goes
// to the network, so it works as the offline screen-mount read.
func (s *Service) Recent(peerID int64, n int) []models.Message {
	if msgs := s.ring(peerID).Last(n); len(msgs) > 0 {
		return msgs
	}
	if s.cache == nil {
		return nil
	}
	msgs, err := s.cache.LastMessages(peerID, n)
	if err != nil {
		s.log.Warn("failed to read cached messages", "peer_id", peerID, "error", err)
		return nil
	}
	return msgs
}

// Conversations lists the user's conversations, TTL-cached in memory and
// mirrored to the disk cache for offline reads.
func (s *Service) Conversations(ctx context.Context) ([]models.Conversation, error) {
	if convs, err := s.conversations.Get(conversationsKey); err == nil {
		return convs, nil
	}

	convs, err := s.api.Conversations(ctx)
	if err != nil {
		if s.cache != nil {
			if cached, cacheErr := s.cache.Conversations(); cacheErr == nil && len(cached) > 0 {
				s.log.Debug("serving conversations from disk cache", "error", err)
				return cached, nil
			}
		}
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}

	s.conversations.Set(conversationsKey, convs)
	if s.cache != nil {
		if err := s.cache.PutConversations(convs); err != nil {
			s.log.Warn("failed to cache conversations", "error", err)
		}
	}
	return convs, nil
}

// UnreadCount returns the total unread message count, TTL-cached.
func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	if count, err := s.unread.Get(unreadKey); err == nil {
		return count, nil
	}

	count, err := s.api.UnreadCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch unread count: %w", err)
	}
	s.unread.Set(unreadKey, count)
	return count, nil
}

// MarkRead acknowledges a message over REST and, best-effort, over the
// socket so the sender sees the receipt immediately.
func (s *Service) MarkRead(ctx context.Context, peerID, messageID int64) error {
	if err := s.api.MarkRead(ctx, messageID); err != nil {
		return fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	_ = s.rt.SendRead(peerID, messageID)
	_ = s.unread.Del(unreadKey)
	return nil
}
