// Package client provides a reusable WebSocket load test client for the
// GhostChat server. It connects using gobwas/ws (the same library the server
// uses), waits for the connection_established welcome to learn its ghost
// identity, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
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
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	WelcomeLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated ghost connected to the GhostChat
// server. It manages the WebSocket lifecycle and dispatches incoming messages
// to registered handlers.
type Client struct {
	conn      net.Conn
	ghostID   string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	dialedAt  time.Time
}

// New creates a new load test client connected to the given WebSocket URL
// (e.g. ws://localhost:8080/ws). The server mints a ghost identity and sends
// it in connection_established; use WaitForWelcome to block until it arrives.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	// Start reading messages in background.
	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// JoinRoom sends a join_room request for the given room.
func (c *Client) JoinRoom(roomID string) error {
	return c.Send(map[string]string{"type": TypeJoinRoom, "room_id": roomID})
}

// SendChat sends a chat message into the given room.
func (c *Client) SendChat(roomID, content string) error {
	return c.Send(map[string]string{
		"type":    TypeSendMessage,
		"room_id": roomID,
		"content": content,
	})
}

// CreateRoom sends a create_room request with default options.
func (c *Client) CreateRoom(name string) error {
	return c.Send(map[string]string{"type": TypeCreateRoom, "room_name": name})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlers[msgType] = handler
}

// WaitForWelcome blocks until the server has assigned a ghost identity or the
// context is cancelled.
func (c *Client) WaitForWelcome(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before welcome arrived")
		case <-ticker.C:
			c.mu.Lock()
			id := c.ghostID
			c.mu.Unlock()
			if id != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GhostID returns the ghost identity assigned by the server, or an empty
// string if the welcome has not arrived yet.
func (c *Client) GhostID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ghostID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		c.mu.Unlock()

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Handle connection_established internally: record the assigned
		// ghost identity and the welcome latency.
		if envelope.Type == TypeConnectionEstablished {
			var msg struct {
				GhostID string `json:"ghost_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil && msg.GhostID != "" {
				c.mu.Lock()
				if c.ghostID == "" {
					c.ghostID = msg.GhostID
					c.metrics.WelcomeLatency = time.Since(c.dialedAt)
				}
				c.mu.Unlock()
			}
		}

		// Dispatch to registered handler if one exists.
		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
