package store

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUserRef struct {
	ID        int64  `msgpack:"id"`
	Nickname  string `msgpack:"nickname"`
	AvatarURL string `msgpack:"avatarUrl"`
}

type DBMessage struct {
	ID         int64      `msgpack:"id"`
	CreatedAt  int64      `msgpack:"createdAt"`
	SenderID   int64      `msgpack:"senderId"`
	ReceiverID int64      `msgpack:"receiverId"`
	Content    string     `msgpack:"content"`
	ReadAt     int64      `msgpack:"readAt"`
	Sender     *DBUserRef `msgpack:"sender,omitempty"`
	Receiver   *DBUserRef `msgpack:"receiver,omitempty"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.ID))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBConversation struct {
	ID            int64     `msgpack:"id"`
	OtherUser     DBUserRef `msgpack:"otherUser"`
	LastMessage   string    `msgpack:"lastMessage"`
	LastMessageAt int64     `msgpack:"lastMessageAt"`
	UnreadCount   int       `msgpack:"unreadCount"`
}

func (c *DBConversation) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(c.OtherUser.ID))
	return key
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}
