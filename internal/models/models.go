package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// EventType tags an Envelope with the kind of realtime event it carries.
type EventType string

const (
	EventMessage EventType = "message"
	EventTyping  EventType = "typing"
	EventRead    EventType = "read"
	EventOnline  EventType = "online"
)

// Envelope is the JSON frame exchanged over the realtime channel in both
// directions. Exactly one semantic payload is populated per Type: an outbound
// "message" carries To and Content, an inbound "message" carries From and the
// full Message record, "read" carries MessageID.
type Envelope struct {
	Type      EventType `json:"type"`
	To        int64     `json:"to,omitempty"`
	From      int64     `json:"from,omitempty"`
	Content   string    `json:"content,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Message   *Message  `json:"message,omitempty"`
}

// UserRef is the denormalized display info embedded in messages and
// conversations.
type UserRef struct {
	ID        int64  `json:"id"`
	Nickname  string `json:"nickname"`
	AvatarURL string `json:"avatar_url"`
}

// Message is a chat message record. The backend owns it; the client treats it
// as an immutable value once received.
type Message struct {
	ID         int64      `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	SenderID   int64      `json:"sender_id"`
	ReceiverID int64      `json:"receiver_id"`
	Content    string     `json:"content"`
	ReadAt     *time.Time `json:"read_at"`
	Sender     *UserRef   `json:"sender,omitempty"`
	Receiver   *UserRef   `json:"receiver,omitempty"`
}

// Peer returns the id of the conversation counterpart given the local user id.
func (m Message) Peer(selfID int64) int64 {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// Conversation is a logical thread of messages with one counterpart,
// identified by the counterpart's user id.
type Conversation struct {
	ID            int64   `json:"id"`
	OtherUser     UserRef `json:"other_user"`
	LastMessage   string  `json:"last_message"`
	LastMessageAt int64   `json:"last_message_at"`
	UnreadCount   int     `json:"unread_count"`
}
