// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mindwanders1993/GhostChatApp/internal/identity"
	"github.com/mindwanders1993/GhostChatApp/internal/store"
)

// MaxMessageLength bounds chat message content.
const MaxMessageLength = 1000

// Content validation errors returned by ValidateContent.
var (
	ErrEmptyContent   = errors.New("protocol: empty message content")
	ErrContentTooLong = errors.New("protocol: message content too long")
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom       = "join_room"
	TypeLeaveRoom      = "leave_room"
	TypeSendMessage    = "send_message"
	TypeCreateRoom     = "create_room"
	TypeListRooms      = "list_rooms"
	TypeAddReaction    = "add_reaction"
	TypeRemoveReaction = "remove_reaction"
	TypeTyping         = "typing"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeRoomJoined            = "room_joined"
	TypeRoomLeft              = "room_left"
	TypeNewMessage            = "new_message"
	TypeRoomCreated           = "room_created"
	TypeRoomList              = "room_list"
	TypeMessageReaction       = "message_reaction"
	TypeTypingIndicator       = "typing_indicator"
	TypeGhostJoined           = "ghost_joined"
	TypeGhostLeft             = "ghost_left"
	TypeHeartbeat             = "heartbeat"
	TypeStatsUpdate           = "stats_update"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg is sent by the client to enter a room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg is sent by the client to leave a room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg is a chat message sent by the client into a room.
type SendMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
}

// CreateRoomMsg is sent by the client to create a new room. Options are kept
// raw so that fields the client omits retain server defaults rather than
// collapsing to zero values; use Options to resolve them.
type CreateRoomMsg struct {
	Type        string          `json:"type"`
	RoomName    string          `json:"room_name"`
	RoomOptions json.RawMessage `json:"room_options,omitempty"`
}

// Options merges the client-supplied room options over the server defaults.
func (m *CreateRoomMsg) Options() (store.RoomOptions, error) {
	opts := store.DefaultRoomOptions()
	if len(m.RoomOptions) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(m.RoomOptions, &opts); err != nil {
		return opts, fmt.Errorf("protocol: failed to decode room_options: %w", err)
	}
	return opts, nil
}

// ListRoomsMsg requests the current room directory.
type ListRoomsMsg struct {
	Type string `json:"type"`
}

// AddReactionMsg adds an emoji reaction to a message.
type AddReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Emoji     string `json:"emoji"`
}

// RemoveReactionMsg removes the sender's emoji reaction from a message.
type RemoveReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	RoomID    string `json:"room_id"`
	Emoji     string `json:"emoji"`
}

// TypingMsg indicates whether the client is currently typing in a room.
type TypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectionEstablishedMsg is sent once when a connection is accepted. It
// carries the identity's presentation attributes and session lease.
type ConnectionEstablishedMsg struct {
	Type        string          `json:"type"`
	GhostID     string          `json:"ghost_id"`
	DisplayName string          `json:"display_name"`
	Avatar      identity.Avatar `json:"avatar"`
	SessionTTL  int             `json:"session_ttl"`
}

// RoomMember pairs an identity with its display name for room rosters.
type RoomMember struct {
	GhostID     string `json:"ghost_id"`
	DisplayName string `json:"display_name"`
}

// RoomJoinedMsg confirms a join and carries recent history plus the roster.
type RoomJoinedMsg struct {
	Type     string           `json:"type"`
	RoomID   string           `json:"room_id"`
	Messages []*store.Message `json:"messages"`
	Members  []RoomMember     `json:"members"`
}

// RoomLeftMsg confirms the client has left a room.
type RoomLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// BroadcastMessage is a stored message augmented with the sender's display
// name for rendering.
type BroadcastMessage struct {
	*store.Message
	SenderDisplay string `json:"sender_display"`
}

// NewMessageMsg is broadcast to a room when a message lands.
type NewMessageMsg struct {
	Type    string           `json:"type"`
	Message BroadcastMessage `json:"message"`
}

// RoomCreatedMsg confirms room creation to the creator.
type RoomCreatedMsg struct {
	Type string      `json:"type"`
	Room *store.Room `json:"room"`
}

// RoomListMsg carries the room directory.
type RoomListMsg struct {
	Type  string        `json:"type"`
	Rooms []*store.Room `json:"rooms"`
}

// MessageReactionMsg is broadcast when a reaction is added or removed. Action
// is "add" or "remove"; Reactions is the full post-change state.
type MessageReactionMsg struct {
	Type      string                            `json:"type"`
	MessageID string                            `json:"message_id"`
	Action    string                            `json:"action"`
	Emoji     string                            `json:"emoji"`
	GhostID   string                            `json:"ghost_id"`
	Reactions map[string]*store.ReactionSummary `json:"reactions"`
}

// TypingIndicatorMsg relays a member's typing state to the rest of the room.
type TypingIndicatorMsg struct {
	Type        string `json:"type"`
	GhostID     string `json:"ghost_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// GhostJoinedMsg announces a new room member to the rest of the room.
type GhostJoinedMsg struct {
	Type        string `json:"type"`
	GhostID     string `json:"ghost_id"`
	DisplayName string `json:"display_name"`
}

// GhostLeftMsg announces a departure to the rest of the room.
type GhostLeftMsg struct {
	Type        string `json:"type"`
	GhostID     string `json:"ghost_id"`
	DisplayName string `json:"display_name"`
}

// HeartbeatMsg is a server-initiated liveness probe.
type HeartbeatMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// StatsUpdateMsg carries aggregate liveness stats to all connections.
type StatsUpdateMsg struct {
	Type         string `json:"type"`
	ActiveGhosts int64  `json:"active_ghosts"`
	TotalRooms   int64  `json:"total_rooms"`
}

// ErrorMsg is sent by the server to communicate an error condition. The
// connection stays open.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListRooms:
		var m ListRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAddReaction:
		var m AddReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRemoveReaction:
		var m RemoveReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// ValidateContent checks message content bounds and returns the content with
// surrounding whitespace stripped, which is what gets stored and broadcast.
// Content that is empty after stripping or longer than MaxMessageLength
// characters (runes, not bytes) is rejected.
func ValidateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > MaxMessageLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrContentTooLong, MaxMessageLength)
	}
	return content, nil
}
