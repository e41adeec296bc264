// Package stub is an in-memory hollow backend for development and tests: it
// serves the REST API and the realtime socket with canned users, so the
// client can run against localhost without the real server.
package stub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"hollow/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const VerificationCode = "424242"

type user struct {
	ID        int64
	Email     string
	Password  string
	Nickname  string
	AvatarURL string
}

// Server holds the stub's whole state: accounts, messages, and the live
// socket per user.
type Server struct {
	secret []byte
	log    *slog.Logger

	mu       sync.Mutex
	users    []user
	messages []models.Message
	nextUser int64
	nextMsg  int64
	codes    map[string]string
	socks    map[int64]*socket

	upgrader websocket.Upgrader
}

type socket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *socket) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func New(secret string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		secret: []byte(secret),
		log:    log,
		users: []user{
			{ID: 1, Email: "alice@hollow.local", Password: "password", Nickname: "night-owl", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Alice"},
			{ID: 2, Email: "bob@hollow.local", Password: "password", Nickname: "quiet-fox", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Bob"},
			{ID: 3, Email: "charlie@hollow.local", Password: "password", Nickname: "paper-boat", AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=Charlie"},
		},
		nextUser: 4,
		nextMsg:  1,
		codes:    make(map[string]string),
		socks:    make(map[int64]*socket),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	return s
}

// Handler returns the stub's full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/auth/login", s.loginHandler)
	mux.HandleFunc("POST /api/v1/auth/register", s.registerHandler)
	mux.HandleFunc("POST /api/v1/email/send", s.sendCodeHandler)

	mux.HandleFunc("GET /api/v1/chat/conversations", s.requireAuth(s.conversationsHandler))
	mux.HandleFunc("GET /api/v1/chat/messages/{userId}", s.requireAuth(s.messagesHandler))
	mux.HandleFunc("POST /api/v1/chat/messages", s.requireAuth(s.sendMessageHandler))
	mux.HandleFunc("PUT /api/v1/chat/messages/{id}/read", s.requireAuth(s.markReadHandler))
	mux.HandleFunc("GET /api/v1/chat/unread-count", s.requireAuth(s.unreadCountHandler))

	mux.HandleFunc("GET /api/v1/ws/chat", s.wsHandler)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) mintToken(userID int64) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(24 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

func (s *Server) userIDFromToken(raw string) (int64, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return 0, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("unexpected claims type")
	}
	id, ok := claims["user_id"].(float64)
	if !ok {
		return 0, fmt.Errorf("user_id claim missing")
	}
	return int64(id), nil
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID int64)

func (s *Server) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing token")
			return
		}
		userID, err := s.userIDFromToken(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, userID)
	}
}

func (s *Server) loginHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == req.Email && u.Password == req.Password {
			token, err := s.mintToken(u.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to mint token")
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"token": token})
			return
		}
	}
	writeError(w, http.StatusUnauthorized, "invalid credentials")
}

func (s *Server) sendCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	s.mu.Lock()
	s.codes[req.Email] = VerificationCode
	s.mu.Unlock()

	s.log.Info("verification code issued", "email", req.Email, "code", VerificationCode)
	writeJSON(w, http.StatusOK, map[string]string{"message": "code sent"})
}

func (s *Server) registerHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.codes[req.Email] != req.Code {
		writeError(w, http.StatusBadRequest, "invalid verification code")
		return
	}
	for _, u := range s.users {
		if u.Email == req.Email {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
	}

	u := user{
		ID:        s.nextUser,
		Email:     req.Email,
		Password:  req.Password,
		Nickname:  fmt.Sprintf("wanderer-%d", s.nextUser),
		AvatarURL: "https://api.dicebear.com/7.x/avataaars/svg?seed=" + strconv.FormatInt(s.nextUser, 10),
	}
	s.nextUser++
	s.users = append(s.users, u)
	delete(s.codes, req.Email)

	writeJSON(w, http.StatusCreated, map[string]any{
		"user": map[string]any{"id": u.ID, "email": u.Email},
	})
}

func (s *Server) userRef(id int64) *models.UserRef {
	for _, u := range s.users {
		if u.ID == id {
			return &models.UserRef{ID: u.ID, Nickname: u.Nickname, AvatarURL: u.AvatarURL}
		}
	}
	return &models.UserRef{ID: id, Nickname: fmt.Sprintf("user-%d", id)}
}

// storeMessage appends a message under the lock and returns the stored
// record with refs filled in.
func (s *Server) storeMessage(senderID, receiverID int64, content string) models.Message {
	msg := models.Message{
		ID:         s.nextMsg,
		CreatedAt:  time.Now().UTC(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Sender:     s.userRef(senderID),
		Receiver:   s.userRef(receiverID),
	}
	s.nextMsg++
	s.messages = append(s.messages, msg)
	return msg
}

func (s *Server) conversationsHandler(w http.ResponseWriter, _ *http.Request, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type agg struct {
		last   models.Message
		unread int
	}
	byPeer := make(map[int64]*agg)
	for _, m := range s.messages {
		if m.SenderID != userID && m.ReceiverID != userID {
			continue
		}
		peer := m.Peer(userID)
		a, ok := byPeer[peer]
		if !ok {
			a = &agg{}
			byPeer[peer] = a
		}
		a.last = m
		if m.ReceiverID == userID && m.ReadAt == nil {
			a.unread++
		}
	}

	convs := make([]models.Conversation, 0, len(byPeer))
	for peer, a := range byPeer {
		convs = append(convs, models.Conversation{
			ID:            peer,
			OtherUser:     *s.userRef(peer),
			LastMessage:   a.last.Content,
			LastMessageAt: a.last.CreatedAt.Unix(),
			UnreadCount:   a.unread,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": convs})
}

func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request, userID int64) {
	peerID, err := strconv.ParseInt(r.PathValue("userId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if pageSize < 1 {
		pageSize = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var thread []models.Message
	for _, m := range s.messages {
		if (m.SenderID == userID && m.ReceiverID == peerID) ||
			(m.SenderID == peerID && m.ReceiverID == userID) {
			thread = append(thread, m)
		}
	}

	// Newest page first, oldest message first within the page.
	end := len(thread) - (page-1)*pageSize
	if end < 0 {
		end = 0
	}
	start := end - pageSize
	if start < 0 {
		start = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": thread[start:end]})
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request, userID int64) {
	var req struct {
		ReceiverID int64  `json:"receiver_id"`
		Content    string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReceiverID == 0 || strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "receiver_id and content are required")
		return
	}

	s.mu.Lock()
	msg := s.storeMessage(userID, req.ReceiverID, req.Content)
	sock := s.socks[req.ReceiverID]
	s.mu.Unlock()

	if sock != nil {
		s.push(sock, msg)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"data": msg})
}

func (s *Server) markReadHandler(w http.ResponseWriter, r *http.Request, userID int64) {
	msgID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		m := &s.messages[i]
		if m.ID != msgID {
			continue
		}
		if m.ReceiverID != userID {
			writeError(w, http.StatusForbidden, "not the receiver")
			return
		}
		if m.ReadAt == nil {
			now := time.Now().UTC()
			m.ReadAt = &now
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "marked read"})
		return
	}
	writeError(w, http.StatusNotFound, "message not found")
}

func (s *Server) unreadCountHandler(w http.ResponseWriter, _ *http.Request, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, m := range s.messages {
		if m.ReceiverID == userID && m.ReadAt == nil {
			count++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

// push delivers a stored message to a connected receiver.
func (s *Server) push(sock *socket, msg models.Message) {
	env := models.Envelope{
		Type:    models.EventMessage,
		From:    msg.SenderID,
		Message: &msg,
	}
	if err := sock.write(env); err != nil {
		s.log.Debug("failed to push message", "receiver_id", msg.ReceiverID, "error", err)
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	userID, err := s.userIDFromToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", "error", err)
		return
	}
	sock := &socket{conn: conn}

	s.mu.Lock()
	s.socks[userID] = sock
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.socks[userID] == sock {
			delete(s.socks, userID)
		}
		s.mu.Unlock()
		if err := conn.Close(); err != nil {
			s.log.Debug("error closing socket", "error", err)
		}
	}()

	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case models.EventMessage:
			if env.To == 0 || strings.TrimSpace(env.Content) == "" {
				continue
			}
			s.mu.Lock()
			msg := s.storeMessage(userID, env.To, env.Content)
			peer := s.socks[env.To]
			s.mu.Unlock()

			// The sender gets the stored record back too, so it learns
			// the assigned id.
			s.push(sock, msg)
			if peer != nil {
				s.push(peer, msg)
			}

		case models.EventTyping:
			s.mu.Lock()
			peer := s.socks[env.To]
			s.mu.Unlock()
			if peer != nil {
				if err := peer.write(models.Envelope{Type: models.EventTyping, From: userID}); err != nil {
					s.log.Debug("failed to relay typing", "error", err)
				}
			}

		case models.EventRead:
			s.mu.Lock()
			for i := range s.messages {
				m := &s.messages[i]
				if m.ID == env.MessageID && m.ReceiverID == userID && m.ReadAt == nil {
					now := time.Now().UTC()
					m.ReadAt = &now
				}
			}
			peer := s.socks[env.To]
			s.mu.Unlock()
			if peer != nil {
				if err := peer.write(models.Envelope{Type: models.EventRead, From: userID, MessageID: env.MessageID}); err != nil {
					s.log.Debug("failed to relay read receipt", "error", err)
				}
			}
		}
	}
}
