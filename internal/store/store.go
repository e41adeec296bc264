package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"hollow/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
)

// Store is the local message cache backing screen-mount reads while the
// device is offline. Messages live in one nested bucket per conversation
// counterpart, keyed by big-endian message id so cursor order matches server
// order. The bearer token is never written here.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketConversations); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func peerKey(peerID int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(peerID))
	return key
}

func toDBMessage(msg models.Message) DBMessage {
	dbMsg := DBMessage{
		ID:         msg.ID,
		CreatedAt:  msg.CreatedAt.Unix(),
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
	}
	if msg.ReadAt != nil {
		dbMsg.ReadAt = msg.ReadAt.Unix()
	}
	if msg.Sender != nil {
		dbMsg.Sender = &DBUserRef{ID: msg.Sender.ID, Nickname: msg.Sender.Nickname, AvatarURL: msg.Sender.AvatarURL}
	}
	if msg.Receiver != nil {
		dbMsg.Receiver = &DBUserRef{ID: msg.Receiver.ID, Nickname: msg.Receiver.Nickname, AvatarURL: msg.Receiver.AvatarURL}
	}
	return dbMsg
}

func fromDBMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:         dbMsg.ID,
		CreatedAt:  time.Unix(dbMsg.CreatedAt, 0).UTC(),
		SenderID:   dbMsg.SenderID,
		ReceiverID: dbMsg.ReceiverID,
		Content:    dbMsg.Content,
	}
	if dbMsg.ReadAt != 0 {
		readAt := time.Unix(dbMsg.ReadAt, 0).UTC()
		msg.ReadAt = &readAt
	}
	if dbMsg.Sender != nil {
		msg.Sender = &models.UserRef{ID: dbMsg.Sender.ID, Nickname: dbMsg.Sender.Nickname, AvatarURL: dbMsg.Sender.AvatarURL}
	}
	if dbMsg.Receiver != nil {
		msg.Receiver = &models.UserRef{ID: dbMsg.Receiver.ID, Nickname: dbMsg.Receiver.Nickname, AvatarURL: dbMsg.Receiver.AvatarURL}
	}
	return msg
}

// PutMessages upserts message records into the counterpart's bucket.
// Re-inserting an already cached id overwrites it, so replaying a REST page
// over socket-delivered records is harmless.
func (s *Store) PutMessages(peerID int64, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		peerBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists(peerKey(peerID))
		if err != nil {
			return fmt.Errorf("failed to create peer bucket: %w", err)
		}
		for _, msg := range msgs {
			dbMsg := toDBMessage(msg)
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := peerBucket.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// Messages returns cached messages with the given counterpart whose ids fall
// in [from, to], ascending.
func (s *Store) Messages(peerID int64, from, to int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		peerBucket := tx.Bucket(bucketMessages).Bucket(peerKey(peerID))
		if peerBucket == nil {
			return nil
		}

		c := peerBucket.Cursor()

		minKey := make([]byte, 8)
		binary.BigEndian.PutUint64(minKey, uint64(from))
		maxKey := make([]byte, 8)
		binary.BigEndian.PutUint64(maxKey, uint64(to))

		for k, v := c.Seek(minKey); k != nil && bytes.Compare(k, maxKey) <= 0; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
		}
		return nil
	})
	return messages, err
}

// LastMessages returns up to n most recent cached messages with the given
// counterpart, ascending by id.
func (s *Store) LastMessages(peerID int64, n int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		peerBucket := tx.Bucket(bucketMessages).Bucket(peerKey(peerID))
		if peerBucket == nil {
			return nil
		}

		c := peerBucket.Cursor()
		for k, v := c.Last(); k != nil && len(messages) < n; k, v = c.Prev() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Cursor walked newest to oldest.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// PutConversations replaces the cached conversation list.
func (s *Store) PutConversations(convs []models.Conversation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketConversations); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketConversations)
		if err != nil {
			return err
		}
		for _, conv := range convs {
			dbConv := DBConversation{
				ID: conv.ID,
				OtherUser: DBUserRef{
					ID:        conv.OtherUser.ID,
					Nickname:  conv.OtherUser.Nickname,
					AvatarURL: conv.OtherUser.AvatarURL,
				},
				LastMessage:   conv.LastMessage,
				LastMessageAt: conv.LastMessageAt,
				UnreadCount:   conv.UnreadCount,
			}
			data, err := dbConv.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(dbConv.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Conversations returns the cached conversation list, most recent first.
func (s *Store) Conversations() ([]models.Conversation, error) {
	var convs []models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		return b.ForEach(func(k, v []byte) error {
			var dbConv DBConversation
			if err := dbConv.UnmarshalBinary(v); err != nil {
				return err
			}
			convs = append(convs, models.Conversation{
				ID: dbConv.ID,
				OtherUser: models.UserRef{
					ID:        dbConv.OtherUser.ID,
					Nickname:  dbConv.OtherUser.Nickname,
					AvatarURL: dbConv.OtherUser.AvatarURL,
				},
				LastMessage:   dbConv.LastMessage,
				LastMessageAt: dbConv.LastMessageAt,
				UnreadCount:   dbConv.UnreadCount,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt > convs[j].LastMessageAt
	})
	return convs, nil
}
