package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindwanders1993/GhostChatApp/internal/identity"
)

// RoomTypeDirect marks a deterministic two-party room.
const RoomTypeDirect = "private_message"

// Room is stored room metadata. Public and direct room records carry no
// lease — room identity is cheap and meant to be rediscoverable — while
// membership sets and message lists always do.
type Room struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	CreatedBy        string    `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	ParticipantCount int       `json:"participant_count"`
	HeatLevel        float64   `json:"heat_level"`
	IsPublic         bool      `json:"is_public"`
	IsPrivate        bool      `json:"is_private"`
	RoomType         string    `json:"room_type,omitempty"`
	Participants     []string  `json:"participants,omitempty"`
}

// IsDirect reports whether the room is a two-party direct room.
func (r *Room) IsDirect() bool {
	return r.RoomType == RoomTypeDirect
}

// RoomOptions are caller-supplied attributes for CreateRoom.
type RoomOptions struct {
	IsPublic  bool    `json:"is_public"`
	IsPrivate bool    `json:"is_private"`
	HeatLevel float64 `json:"heat_level"`
}

// DefaultRoomOptions returns the options applied when the client sends none.
func DefaultRoomOptions() RoomOptions {
	return RoomOptions{IsPublic: true, HeatLevel: 0.5}
}

// NewRoomID generates a room id of the form room_<unix>_<12 hex>.
func NewRoomID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("room_%d_%s", time.Now().Unix(), hex.EncodeToString(buf))
}

// DirectRoomID returns the deterministic id for the unordered pair of ghost
// ids, so that both sides address the same room.
func DirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// CreateRoom creates a room owned by creator. Public rooms are stored with
// no expiry; non-public rooms carry the room lease. The new room id is
// registered in the all-rooms set.
func (s *Store) CreateRoom(ctx context.Context, creator, name string, opts RoomOptions) (*Room, error) {
	roomID := NewRoomID()
	if name == "" {
		name = "Room " + roomID[len(roomID)-6:]
	}

	room := &Room{
		ID:               roomID,
		Name:             name,
		CreatedBy:        creator,
		CreatedAt:        time.Now().UTC(),
		ParticipantCount: 0,
		HeatLevel:        opts.HeatLevel,
		IsPublic:         opts.IsPublic,
		IsPrivate:        opts.IsPrivate,
	}

	data, err := json.Marshal(room)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	if room.IsPublic {
		pipe.Set(ctx, RoomKey(roomID), data, 0)
	} else {
		pipe.Set(ctx, RoomKey(roomID), data, s.ttl.Room)
	}
	pipe.SAdd(ctx, AllRoomsKey, roomID)
	pipe.Expire(ctx, AllRoomsKey, s.ttl.Room)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("create room", err)
	}
	return room, nil
}

// CreateDirectRoom creates (or returns the existing) direct room between two
// ghosts. The room id is derived from the sorted id pair, so the call is
// idempotent regardless of argument order. Both ghosts become members
// immediately. Direct room metadata never expires.
func (s *Store) CreateDirectRoom(ctx context.Context, ghostA, ghostB string) (*Room, error) {
	roomID := DirectRoomID(ghostA, ghostB)

	existing, err := s.ReadRoom(ctx, roomID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	room := &Room{
		ID:           roomID,
		Name:         fmt.Sprintf("Private: %s & %s", s.displayName(ctx, ghostA), s.displayName(ctx, ghostB)),
		CreatedBy:    ghostA,
		CreatedAt:    time.Now().UTC(),
		HeatLevel:    0,
		IsPublic:     false,
		IsPrivate:    true,
		RoomType:     RoomTypeDirect,
		Participants: sortedPair(ghostA, ghostB),
	}

	data, err := json.Marshal(room)
	if err != nil {
		return nil, err
	}

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, RoomKey(roomID), data, 0)
	pipe.SAdd(ctx, DirectRoomsKey, roomID)
	pipe.SAdd(ctx, MembersKey(roomID), ghostA, ghostB)
	pipe.Expire(ctx, MembersKey(roomID), s.ttl.Room)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("create direct room", err)
	}

	room.ParticipantCount = 2
	return room, nil
}

// displayName resolves a ghost's label for room naming: custom name when the
// session has one, deterministic display name otherwise.
func (s *Store) displayName(ctx context.Context, ghostID string) string {
	if sess, err := s.ReadSession(ctx, ghostID); err == nil && sess.CustomName != "" {
		return sess.CustomName
	}
	return identity.DisplayName(ghostID)
}

func sortedPair(a, b string) []string {
	if b < a {
		a, b = b, a
	}
	return []string{a, b}
}

// ReadRoom returns the room metadata, or ErrNotFound once the record has
// expired or was deleted.
func (s *Store) ReadRoom(ctx context.Context, roomID string) (*Room, error) {
	raw, err := s.rdb.Get(ctx, RoomKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("read room", err)
	}

	var room Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

// ListRooms returns all rooms in the all-rooms set, most occupied first.
// Room ids whose metadata has expired are skipped; the cleanup engine
// reclaims the dangling references.
func (s *Store) ListRooms(ctx context.Context) ([]*Room, error) {
	ids, err := s.rdb.SMembers(ctx, AllRoomsKey).Result()
	if err != nil {
		return nil, unavailable("list rooms", err)
	}

	rooms := make([]*Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.ReadRoom(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].ParticipantCount > rooms[j].ParticipantCount
	})
	return rooms, nil
}

// ListDirectRooms returns the direct rooms a ghost participates in, newest
// first. Direct-room ids embed both participant ids, so membership is
// decided from the id itself.
func (s *Store) ListDirectRooms(ctx context.Context, ghostID string) ([]*Room, error) {
	ids, err := s.rdb.SMembers(ctx, DirectRoomsKey).Result()
	if err != nil {
		return nil, unavailable("list direct rooms", err)
	}

	var rooms []*Room
	for _, id := range ids {
		// Direct-room ids embed both participant ids.
		if !strings.Contains(id, ghostID) {
			continue
		}
		room, err := s.ReadRoom(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// Join atomically adds the ghost to the room's membership set, refreshes the
// set's lease, and writes the updated participant count back onto the room
// record. Returns ErrNotFound if the room does not exist.
func (s *Store) Join(ctx context.Context, roomID, ghostID string) (int, error) {
	res, err := s.joinScript.Run(ctx, s.rdb,
		[]string{MembersKey(roomID), RoomKey(roomID)},
		ghostID, int(s.ttl.Room.Seconds()),
	).Int()
	if err != nil {
		return 0, unavailable("join", err)
	}
	if res < 0 {
		return 0, fmt.Errorf("store: join %s: %w", roomID, ErrNotFound)
	}
	return res, nil
}

// Leave atomically removes the ghost from the room's membership set and
// updates the participant count. An emptied room that is neither public nor
// direct is deleted outright (metadata, membership, message index); emptied
// public and direct rooms are retained with a zero count. Returns the new
// participant count, or -1 if the room was deleted.
func (s *Store) Leave(ctx context.Context, roomID, ghostID string) (int, error) {
	res, err := s.leaveScript.Run(ctx, s.rdb,
		[]string{MembersKey(roomID), RoomKey(roomID), RoomMessagesKey(roomID), AllRoomsKey},
		ghostID, int(s.ttl.Room.Seconds()), roomID,
	).Int()
	if err != nil {
		return 0, unavailable("leave", err)
	}
	return res, nil
}

// RoomMembers returns the current membership set of a room.
func (s *Store) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, MembersKey(roomID)).Result()
	if err != nil {
		return nil, unavailable("room members", err)
	}
	return members, nil
}

// IsMember reports whether the ghost is in the room's membership set.
func (s *Store) IsMember(ctx context.Context, roomID, ghostID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, MembersKey(roomID), ghostID).Result()
	if err != nil {
		return false, unavailable("is member", err)
	}
	return ok, nil
}

// RoomsFor returns every room (public and direct) the ghost is currently a
// member of. Used to reconcile a reconnecting ghost's membership cache from
// the store rather than trusting stale in-process state.
func (s *Store) RoomsFor(ctx context.Context, ghostID string) ([]string, error) {
	var out []string
	for _, setKey := range []string{AllRoomsKey, DirectRoomsKey} {
		ids, err := s.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return nil, unavailable("rooms for", err)
		}
		for _, roomID := range ids {
			ok, err := s.rdb.SIsMember(ctx, MembersKey(roomID), ghostID).Result()
			if err != nil {
				return nil, unavailable("rooms for", err)
			}
			if ok {
				out = append(out, roomID)
			}
		}
	}
	return out, nil
}

// DeleteRoom removes a room and everything attached to it: metadata,
// membership set, message index, message bodies, and enumeration entries.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, RoomKey(roomID), MembersKey(roomID), RoomMessagesKey(roomID))
	pipe.SRem(ctx, AllRoomsKey, roomID)
	pipe.SRem(ctx, DirectRoomsKey, roomID)

	iter := s.rdb.Scan(ctx, 0, MessagePrefix+roomID+":*", 100).Iterator()
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return unavailable("delete room scan", err)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("delete room", err)
	}
	return nil
}

// RoomCount returns the cardinality of the all-rooms set.
func (s *Store) RoomCount(ctx context.Context) (int64, error) {
	n, err := s.rdb.SCard(ctx, AllRoomsKey).Result()
	if err != nil {
		return 0, unavailable("room count", err)
	}
	return n, nil
}

// joinRoomLua adds a member and propagates the new cardinality onto the room
// record atomically. Public and direct room records are written without
// expiry so that the metadata-never-expires invariant survives joins.
const joinRoomLua = `
local room_raw = redis.call('GET', KEYS[2])
if not room_raw then return -1 end

redis.call('SADD', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
local count = redis.call('SCARD', KEYS[1])

local room = cjson.decode(room_raw)
room['participant_count'] = count
if room['is_public'] or room['room_type'] == 'private_message' then
    redis.call('SET', KEYS[2], cjson.encode(room))
else
    redis.call('SET', KEYS[2], cjson.encode(room), 'EX', ARGV[2])
end
return count
`

// leaveRoomLua removes a member, updates the count, and applies the
// emptied-room rule: ephemeral rooms are deleted when the last member
// leaves, public and direct rooms persist with count zero. Returns the new
// count, or -1 when the room was deleted.
const leaveRoomLua = `
redis.call('SREM', KEYS[1], ARGV[1])
local count = redis.call('SCARD', KEYS[1])

local room_raw = redis.call('GET', KEYS[2])
if not room_raw then return count end

local room = cjson.decode(room_raw)
room['participant_count'] = count

local is_public = room['is_public'] == true
local is_direct = room['room_type'] == 'private_message'

if count == 0 and not is_public and not is_direct then
    redis.call('DEL', KEYS[2], KEYS[1], KEYS[3])
    redis.call('SREM', KEYS[4], ARGV[3])
    return -1
end

if is_public or is_direct then
    redis.call('SET', KEYS[2], cjson.encode(room))
else
    redis.call('SET', KEYS[2], cjson.encode(room), 'EX', tonumber(ARGV[2]))
end
return count
`
