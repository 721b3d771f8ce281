// Package store implements the ephemeral store: a Redis-backed, TTL-governed
// shared state layer that is the sole source of truth for ghost sessions,
// rooms, messages, and reactions. Every key family carries its own lease;
// nothing written here outlives its TTL unless the key family is explicitly
// lease-free (public and direct room metadata).
//
// Key families:
//
//	users:<ghost_id>                      session JSON        (sliding TTL)
//	active_users                          set of ghost ids
//	rooms:<room_id>                       room JSON           (TTL unless public/direct)
//	all_rooms                             set of room ids
//	private_rooms                         set of direct-room ids
//	room_members:<room_id>                membership set      (TTL)
//	messages:<room_id>:<message_id>       message JSON        (TTL)
//	room_messages:<room_id>               ordered message-key list (TTL)
//	reactions:<message_id>:<emoji>        reactor id set      (TTL)
//	reaction_names:<message_id>:<emoji>   reactor label hash  (TTL)
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for all store key families.
const (
	SessionPrefix       = "users:"
	RoomPrefix          = "rooms:"
	MembersPrefix       = "room_members:"
	MessagePrefix       = "messages:"
	RoomMessagesPrefix  = "room_messages:"
	ReactionPrefix      = "reactions:"
	ReactionNamesPrefix = "reaction_names:"

	ActiveUsersKey = "active_users"
	AllRoomsKey    = "all_rooms"
	DirectRoomsKey = "private_rooms"
)

// Sentinel errors. ErrUnavailable wraps any Redis connectivity fault so that
// callers can distinguish "the store said no" from "the store is gone" —
// the latter must never be treated as success.
var (
	ErrNotFound    = errors.New("store: not found")
	ErrUnavailable = errors.New("store: unavailable")
)

// TTLConfig holds the lease duration for each key family. Tests override
// these to fast-forward expiry instead of sleeping.
type TTLConfig struct {
	Session     time.Duration // sliding lease, refreshed on every activity
	Message     time.Duration
	Room        time.Duration // membership sets and non-public room metadata
	ActiveUsers time.Duration
}

// DefaultTTLConfig returns the production lease durations.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		Session:     15 * time.Minute,
		Message:     24 * time.Hour,
		Room:        7 * 24 * time.Hour,
		ActiveUsers: 24 * time.Hour,
	}
}

// Store is the ephemeral store handle. All methods are safe for concurrent
// use; membership mutations are atomic via embedded Lua scripts.
type Store struct {
	rdb *redis.Client
	ttl TTLConfig

	joinScript           *redis.Script
	leaveScript          *redis.Script
	removeReactionScript *redis.Script
}

// New creates a Store connected to the Redis instance at addr and verifies
// the connection.
func New(addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient creates a Store around an existing Redis client. The caller
// retains ownership of the client's lifecycle unless Close is used.
func NewWithClient(client *redis.Client) *Store {
	return &Store{
		rdb:                  client,
		ttl:                  DefaultTTLConfig(),
		joinScript:           redis.NewScript(joinRoomLua),
		leaveScript:          redis.NewScript(leaveRoomLua),
		removeReactionScript: redis.NewScript(removeReactionLua),
	}
}

// SetTTLConfig replaces the lease durations. Intended for tests.
func (s *Store) SetTTLConfig(ttl TTLConfig) {
	s.ttl = ttl
}

// TTL returns the current lease configuration.
func (s *Store) TTL() TTLConfig {
	return s.ttl
}

// Client exposes the underlying Redis client for components that layer on
// the same connection (PoW gate, destruction engine).
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// Close closes the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Wipe flushes every key in the store's database. Irreversible; exists for
// the destruction engine's emergency path only.
func (s *Store) Wipe(ctx context.Context) error {
	if err := s.rdb.FlushDB(ctx).Err(); err != nil {
		return unavailable("wipe", err)
	}
	return nil
}

// unavailable wraps a Redis infrastructure error so that errors.Is(err,
// ErrUnavailable) holds while the underlying cause stays in the message.
func unavailable(op string, err error) error {
	return fmt.Errorf("store: %s: %v: %w", op, err, ErrUnavailable)
}

// SessionKey returns the session key for a ghost id.
func SessionKey(ghostID string) string { return SessionPrefix + ghostID }

// RoomKey returns the room metadata key for a room id.
func RoomKey(roomID string) string { return RoomPrefix + roomID }

// MembersKey returns the membership-set key for a room id.
func MembersKey(roomID string) string { return MembersPrefix + roomID }

// MessageKey returns the message body key for a room and message id.
func MessageKey(roomID, messageID string) string {
	return MessagePrefix + roomID + ":" + messageID
}

// RoomMessagesKey returns the ordered message-index key for a room id.
func RoomMessagesKey(roomID string) string { return RoomMessagesPrefix + roomID }

// ReactionKey returns the reactor-set key for a message and emoji.
func ReactionKey(messageID, emoji string) string {
	return ReactionPrefix + messageID + ":" + emoji
}

// ReactionNamesKey returns the reactor-label key for a message and emoji.
func ReactionNamesKey(messageID, emoji string) string {
	return ReactionNamesPrefix + messageID + ":" + emoji
}
