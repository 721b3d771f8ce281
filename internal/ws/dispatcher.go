package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mindwanders1993/GhostChatApp/internal/protocol"
	"github.com/mindwanders1993/GhostChatApp/internal/registry"
)

// dispatchTimeout bounds the store and broadcast work done for one frame.
const dispatchTimeout = 5 * time.Second

// Dispatcher routes incoming WebSocket frames into the connection registry.
// The protocol's client message set is closed, so routing is a single
// exhaustive switch over the concrete types returned by ParseClientMessage;
// a client type without a route falls through to the default and is logged,
// never silently dropped. Client errors are reported back on the same
// connection and never close it.
type Dispatcher struct {
	registry *registry.Registry
}

// NewDispatcher creates a Dispatcher bound to the given registry.
func NewDispatcher(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Dispatch parses the raw frame into a typed message and routes it to the
// matching registry operation. Parse errors and unknown types result in an
// error message sent back to the client; the connection stays open.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error ghost=%s: %v", conn.GhostID, err)
		d.registry.SendError(conn.GhostID, "invalid message format")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	ghostID := conn.GhostID

	switch m := msg.(type) {
	case protocol.JoinRoomMsg:
		err = d.registry.JoinRoom(ctx, ghostID, m.RoomID)
	case protocol.LeaveRoomMsg:
		err = d.registry.LeaveRoom(ctx, ghostID, m.RoomID)
	case protocol.SendMessageMsg:
		_, err = d.registry.SendMessage(ctx, ghostID, m.RoomID, m.Content)
	case protocol.CreateRoomMsg:
		opts, optErr := m.Options()
		if optErr != nil {
			err = optErr
			break
		}
		_, err = d.registry.CreateRoom(ctx, ghostID, m.RoomName, opts)
	case protocol.ListRoomsMsg:
		err = d.registry.ListRooms(ctx, ghostID)
	case protocol.AddReactionMsg:
		err = d.registry.React(ctx, ghostID, m.RoomID, m.MessageID, m.Emoji)
	case protocol.RemoveReactionMsg:
		err = d.registry.Unreact(ctx, ghostID, m.RoomID, m.MessageID, m.Emoji)
	case protocol.TypingMsg:
		err = d.registry.Typing(ctx, ghostID, m.RoomID, m.IsTyping)
	case protocol.PingMsg:
		d.registry.Pong(ctx, ghostID)
	default:
		// ParseClientMessage only returns the types above; reaching this
		// means a new client type was added without a route.
		log.Printf("ws: unrouted message type=%q ghost=%s", msgType, ghostID)
		d.registry.SendError(ghostID, "unsupported message type")
		return
	}

	if err != nil {
		log.Printf("ws: %s failed ghost=%s: %v", msgType, ghostID, err)
		d.registry.SendError(ghostID, clientError(err))
	}
}

// clientError maps registry errors to messages safe to show the client.
func clientError(err error) string {
	switch {
	case errors.Is(err, registry.ErrNotMember):
		return "not a member of this room"
	case errors.Is(err, registry.ErrPowRequired):
		return "proof-of-work clearance required"
	case errors.Is(err, protocol.ErrEmptyContent):
		return "message content is empty"
	case errors.Is(err, protocol.ErrContentTooLong):
		return "message content too long"
	default:
		return "request failed"
	}
}
