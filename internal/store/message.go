package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is a stored chat message. The body carries its own lease,
// independent of the room's lifetime; the per-room ordered index may
// transiently reference an expired body and readers tolerate the miss.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessageID generates a message id of the form msg_<unix_ms>_<8 hex>.
func NewMessageID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// AppendMessage stores a message body under the message lease and pushes its
// key onto the head of the room's ordered index. The push is O(1); the
// store's append order is the authoritative per-room message order. The
// sender's session lease is refreshed as activity.
func (s *Store) AppendMessage(ctx context.Context, roomID, sender, content string) (*Message, error) {
	msg := &Message{
		ID:        NewMessageID(),
		RoomID:    roomID,
		Sender:    sender,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	msgKey := MessageKey(roomID, msg.ID)
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, msgKey, data, s.ttl.Message)
	pipe.LPush(ctx, RoomMessagesKey(roomID), msgKey)
	pipe.Expire(ctx, RoomMessagesKey(roomID), s.ttl.Room)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("append message", err)
	}

	if err := s.TouchSession(ctx, sender); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns up to limit messages from the room's index, newest
// first. Index entries whose bodies have expired are skipped, not errors:
// message TTL expiry must never corrupt a read of the list.
func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	keys, err := s.rdb.LRange(ctx, RoomMessagesKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("list messages", err)
	}

	msgs := make([]*Message, 0, len(keys))
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // body expired; the index reference is stale
		}
		if err != nil {
			return nil, unavailable("list messages", err)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

// ReadMessage returns a single message body by room and id.
func (s *Store) ReadMessage(ctx context.Context, roomID, messageID string) (*Message, error) {
	raw, err := s.rdb.Get(ctx, MessageKey(roomID, messageID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("read message", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MessageCountInRoom returns how many live messages in the room were sent by
// the ghost. Expired bodies referenced by the index do not count.
func (s *Store) MessageCountInRoom(ctx context.Context, ghostID, roomID string) (int, error) {
	keys, err := s.rdb.LRange(ctx, RoomMessagesKey(roomID), 0, -1).Result()
	if err != nil {
		return 0, unavailable("message count", err)
	}

	count := 0
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, unavailable("message count", err)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Sender == ghostID {
			count++
		}
	}
	return count, nil
}

// DeleteMessagesInRoom removes every message body authored by the ghost in
// the room, along with the index entries pointing at them. This is the
// explicit content purge; plain identity destruction leaves message bodies
// to their own leases.
func (s *Store) DeleteMessagesInRoom(ctx context.Context, ghostID, roomID string) (int, error) {
	listKey := RoomMessagesKey(roomID)
	keys, err := s.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return 0, unavailable("delete messages", err)
	}

	deleted := 0
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return deleted, unavailable("delete messages", err)
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Sender != ghostID {
			continue
		}

		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, key)
		pipe.LRem(ctx, listKey, 1, key)
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, unavailable("delete messages", err)
		}
		deleted++
	}
	return deleted, nil
}

// DeleteMessagesAllRooms removes the ghost's message bodies from every room
// in the all-rooms and direct-rooms sets. Returns the total deleted.
func (s *Store) DeleteMessagesAllRooms(ctx context.Context, ghostID string) (int, error) {
	total := 0
	for _, setKey := range []string{AllRoomsKey, DirectRoomsKey} {
		roomIDs, err := s.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return total, unavailable("delete messages all rooms", err)
		}
		for _, roomID := range roomIDs {
			n, err := s.DeleteMessagesInRoom(ctx, ghostID, roomID)
			total += n
			if err != nil {
				return total, err
			}
		}
	}
	return total, nil
}
