// Package registry maps each ghost identity to at most one live transport
// connection, caches per-identity room membership as a performance layer over
// the store, and fans events out to every connection in a room. All
// authoritative state lives in the store; the registry's maps are advisory
// and are rebuilt from the store on reconnection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mindwanders1993/GhostChatApp/internal/identity"
	"github.com/mindwanders1993/GhostChatApp/internal/metrics"
	"github.com/mindwanders1993/GhostChatApp/internal/pow"
	"github.com/mindwanders1993/GhostChatApp/internal/protocol"
	"github.com/mindwanders1993/GhostChatApp/internal/store"
)

var (
	// ErrInvalidIdentity is returned when a ghost id fails structural checks.
	ErrInvalidIdentity = errors.New("registry: invalid ghost id")

	// ErrNotConnected is returned when an operation requires a live
	// connection the registry does not hold.
	ErrNotConnected = errors.New("registry: ghost not connected")

	// ErrNotMember is returned when the acting ghost is not a cached member
	// of the target room.
	ErrNotMember = errors.New("registry: ghost not in room")

	// ErrPowRequired is returned when proof-of-work enforcement is on and
	// the ghost holds no clearance lease.
	ErrPowRequired = errors.New("registry: proof-of-work clearance required")
)

// Transport is the minimal connection surface the registry needs. The ws
// layer's Connection satisfies it; tests use in-memory fakes.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// Publisher bridges room events to other process instances. Fan-out is
// local-process by default; a publisher is an explicit opt-in for horizontal
// deployments.
type Publisher interface {
	PublishRoom(roomID string, payload []byte) error
}

// Config holds registry tuning parameters.
type Config struct {
	HeartbeatInterval time.Duration // interval between server heartbeats per connection
	HistoryLimit      int           // messages replayed on room join
	EnforcePow        bool          // require pow clearance before sends
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 45 * time.Second,
		HistoryLimit:      50,
	}
}

// Registry is the per-process connection and room-membership tracker. It is
// safe for concurrent use. Construct one per server with New; there is no
// package-level instance.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]Transport           // ghost_id -> live transport
	rooms      map[string]map[string]struct{} // ghost_id -> cached room set
	roomConns  map[string]map[string]struct{} // room_id -> ghost ids with live connections
	heartbeats map[string]context.CancelFunc  // ghost_id -> heartbeat cancel

	store     *store.Store
	gate      *pow.Gate
	activity  *pow.ActivityTracker
	delivery  *DeliveryTracker
	publisher Publisher
	config    Config
}

// New creates a Registry over the given store. The gate may be nil when
// proof-of-work enforcement is disabled.
func New(st *store.Store, gate *pow.Gate, cfg Config) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultConfig().HistoryLimit
	}
	r := &Registry{
		conns:      make(map[string]Transport),
		rooms:      make(map[string]map[string]struct{}),
		roomConns:  make(map[string]map[string]struct{}),
		heartbeats: make(map[string]context.CancelFunc),
		store:      st,
		gate:       gate,
		delivery:   NewDeliveryTracker(),
		config:     cfg,
	}
	if st != nil {
		r.activity = pow.NewActivityTracker(st.Client())
	}
	return r
}

// SetPublisher installs a cross-process fan-out bridge. Room events are
// mirrored to it after local delivery.
func (r *Registry) SetPublisher(p Publisher) {
	r.publisher = p
}

// Delivery exposes the delivery tracker for status queries.
func (r *Registry) Delivery() *DeliveryTracker {
	return r.delivery
}

// ConnectionCount returns the number of live connections.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// Connect registers a transport for the ghost. Structurally invalid ids are
// rejected. An existing connection for the same ghost is closed first; exactly
// one connection per identity survives. A ghost whose session is still live
// in the store is treated as reconnecting and has its cached room membership
// rebuilt from the store; a fresh identity starts with an empty room set.
func (r *Registry) Connect(ctx context.Context, ghostID string, t Transport) error {
	if !identity.Valid(ghostID) {
		return ErrInvalidIdentity
	}

	// Supersede any existing connection: last writer wins.
	r.mu.Lock()
	if old, ok := r.conns[ghostID]; ok {
		if cancel, ok := r.heartbeats[ghostID]; ok {
			cancel()
			delete(r.heartbeats, ghostID)
		}
		old.Close()
		metrics.ConnectionsTotal.Dec()
		log.Printf("registry: superseding connection ghost=%s", ghostID)
	}
	r.conns[ghostID] = t
	// The gauge tracks conns entries: counted the moment the transport is
	// installed, so a supersede or drop always has a matching increment.
	metrics.ConnectionsTotal.Inc()
	r.mu.Unlock()

	// A live session in the store marks this as a reconnection; the cached
	// room set is rebuilt from the store, never inherited from process state.
	var cachedRooms []string
	sess, err := r.store.ReadSession(ctx, ghostID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sess = &store.Session{}
		if err := r.store.UpsertSession(ctx, ghostID, *sess); err != nil {
			r.dropConnection(ghostID, t)
			return fmt.Errorf("registry: create session: %w", err)
		}
	case err != nil:
		r.dropConnection(ghostID, t)
		return fmt.Errorf("registry: read session: %w", err)
	default:
		if err := r.store.TouchSession(ctx, ghostID); err != nil {
			log.Printf("registry: touch session ghost=%s: %v", ghostID, err)
		}
		cachedRooms, err = r.store.RoomsFor(ctx, ghostID)
		if err != nil {
			r.dropConnection(ghostID, t)
			return fmt.Errorf("registry: reconcile rooms: %w", err)
		}
		log.Printf("registry: reconnection ghost=%s restored_rooms=%d", ghostID, len(cachedRooms))
	}

	// Install the caches only if this transport is still current; a racing
	// Connect may have superseded it while we were in store I/O.
	r.mu.Lock()
	if r.conns[ghostID] != t {
		r.mu.Unlock()
		return nil
	}
	set := make(map[string]struct{}, len(cachedRooms))
	for _, roomID := range cachedRooms {
		set[roomID] = struct{}{}
		r.addRoomConn(roomID, ghostID)
	}
	r.rooms[ghostID] = set

	hbCtx, cancel := context.WithCancel(context.Background())
	r.heartbeats[ghostID] = cancel
	r.mu.Unlock()

	go r.heartbeatLoop(hbCtx, ghostID, t)

	displayName := r.displayName(ctx, ghostID)
	data, err := protocol.NewServerMessage(protocol.TypeConnectionEstablished, protocol.ConnectionEstablishedMsg{
		GhostID:     ghostID,
		DisplayName: displayName,
		Avatar:      identity.AvatarFor(ghostID, sess.AvatarID, sess.CustomName),
		SessionTTL:  int(r.store.TTL().Session.Seconds()),
	})
	if err == nil {
		if err := t.WriteMessage(data); err != nil {
			log.Printf("registry: connection_established send failed ghost=%s: %v", ghostID, err)
		}
	}

	log.Printf("registry: connected ghost=%s (total=%d)", ghostID, r.ConnectionCount())
	return nil
}

// Disconnect leaves every cached room, cancels the heartbeat, and removes the
// ghost from the registry. It is idempotent and safe to call from error
// paths; a ghost with no registered connection is a no-op.
func (r *Registry) Disconnect(ctx context.Context, ghostID string) {
	r.disconnect(ctx, ghostID, nil)
}

// DisconnectTransport disconnects the ghost only if t is still its registered
// transport. Cleanup paths racing against a superseding Connect use this so a
// stale connection's teardown cannot evict its replacement.
func (r *Registry) DisconnectTransport(ctx context.Context, ghostID string, t Transport) {
	r.disconnect(ctx, ghostID, t)
}

// disconnect tears down the ghost's registration. When match is non-nil the
// teardown only proceeds if match is the currently registered transport.
func (r *Registry) disconnect(ctx context.Context, ghostID string, match Transport) {
	r.mu.Lock()
	t, ok := r.conns[ghostID]
	if !ok || (match != nil && t != match) {
		r.mu.Unlock()
		return
	}
	delete(r.conns, ghostID)
	if cancel, ok := r.heartbeats[ghostID]; ok {
		cancel()
		delete(r.heartbeats, ghostID)
	}
	cached := make([]string, 0, len(r.rooms[ghostID]))
	for roomID := range r.rooms[ghostID] {
		cached = append(cached, roomID)
		r.removeRoomConn(roomID, ghostID)
	}
	delete(r.rooms, ghostID)
	r.mu.Unlock()

	displayName := r.displayName(ctx, ghostID)
	for _, roomID := range cached {
		if _, err := r.store.Leave(ctx, roomID, ghostID); err != nil {
			log.Printf("registry: leave on disconnect ghost=%s room=%s: %v", ghostID, roomID, err)
		}
		r.broadcast(roomID, protocol.TypeGhostLeft, protocol.GhostLeftMsg{
			GhostID:     ghostID,
			DisplayName: displayName,
		}, ghostID)
	}

	t.Close()
	metrics.ConnectionsTotal.Dec()
	log.Printf("registry: disconnected ghost=%s (total=%d)", ghostID, r.ConnectionCount())
}

// dropConnection removes a half-registered transport after a Connect failure,
// without touching rooms (none were cached yet).
func (r *Registry) dropConnection(ghostID string, t Transport) {
	r.mu.Lock()
	if r.conns[ghostID] == t {
		delete(r.conns, ghostID)
		metrics.ConnectionsTotal.Dec()
	}
	r.mu.Unlock()
	t.Close()
}

// ---------------------------------------------------------------------------
// Room operations
// ---------------------------------------------------------------------------

// JoinRoom moves the ghost into the room. Any other cached rooms are left
// first so a ghost occupies one room at a time. The joiner receives recent
// history and the roster; other members are told a ghost joined.
func (r *Registry) JoinRoom(ctx context.Context, ghostID, roomID string) error {
	r.mu.RLock()
	_, connected := r.conns[ghostID]
	current := make([]string, 0, len(r.rooms[ghostID]))
	for id := range r.rooms[ghostID] {
		current = append(current, id)
	}
	r.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	// Clean room switch: leave everything else before joining.
	for _, other := range current {
		if other != roomID {
			if err := r.leaveRoom(ctx, ghostID, other); err != nil {
				log.Printf("registry: switch leave ghost=%s room=%s: %v", ghostID, other, err)
			}
		}
	}

	if _, err := r.store.Join(ctx, roomID, ghostID); err != nil {
		return err
	}

	r.mu.Lock()
	if _, still := r.conns[ghostID]; still {
		if r.rooms[ghostID] == nil {
			r.rooms[ghostID] = make(map[string]struct{})
		}
		r.rooms[ghostID][roomID] = struct{}{}
		r.addRoomConn(roomID, ghostID)
	}
	r.mu.Unlock()

	messages, err := r.store.ListMessages(ctx, roomID, r.config.HistoryLimit)
	if err != nil {
		log.Printf("registry: history read ghost=%s room=%s: %v", ghostID, roomID, err)
		messages = nil
	}
	memberIDs, err := r.store.RoomMembers(ctx, roomID)
	if err != nil {
		log.Printf("registry: roster read ghost=%s room=%s: %v", ghostID, roomID, err)
	}
	members := make([]protocol.RoomMember, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, protocol.RoomMember{
			GhostID:     id,
			DisplayName: r.displayName(ctx, id),
		})
	}

	r.sendTo(ghostID, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{
		RoomID:   roomID,
		Messages: messages,
		Members:  members,
	})
	r.broadcast(roomID, protocol.TypeGhostJoined, protocol.GhostJoinedMsg{
		GhostID:     ghostID,
		DisplayName: r.displayName(ctx, ghostID),
	}, ghostID)

	log.Printf("registry: joined ghost=%s room=%s", ghostID, roomID)
	return nil
}

// LeaveRoom removes the ghost from a room it is cached as a member of.
func (r *Registry) LeaveRoom(ctx context.Context, ghostID, roomID string) error {
	if !r.isCachedMember(ghostID, roomID) {
		return ErrNotMember
	}
	return r.leaveRoom(ctx, ghostID, roomID)
}

// leaveRoom performs the store leave, cache update, and notifications.
func (r *Registry) leaveRoom(ctx context.Context, ghostID, roomID string) error {
	if _, err := r.store.Leave(ctx, roomID, ghostID); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.rooms[ghostID], roomID)
	r.removeRoomConn(roomID, ghostID)
	r.mu.Unlock()

	r.sendTo(ghostID, protocol.TypeRoomLeft, protocol.RoomLeftMsg{RoomID: roomID})
	r.broadcast(roomID, protocol.TypeGhostLeft, protocol.GhostLeftMsg{
		GhostID:     ghostID,
		DisplayName: r.displayName(ctx, ghostID),
	}, ghostID)

	log.Printf("registry: left ghost=%s room=%s", ghostID, roomID)
	return nil
}

// CreateRoom creates a room on behalf of the ghost and confirms it to the
// creator only.
func (r *Registry) CreateRoom(ctx context.Context, ghostID, name string, opts store.RoomOptions) (*store.Room, error) {
	room, err := r.store.CreateRoom(ctx, ghostID, name, opts)
	if err != nil {
		return nil, err
	}
	r.sendTo(ghostID, protocol.TypeRoomCreated, protocol.RoomCreatedMsg{Room: room})
	return room, nil
}

// ListRooms sends the current room directory to the ghost.
func (r *Registry) ListRooms(ctx context.Context, ghostID string) error {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return err
	}
	metrics.ActiveRooms.Set(float64(len(rooms)))
	r.sendTo(ghostID, protocol.TypeRoomList, protocol.RoomListMsg{Rooms: rooms})
	return nil
}

// ---------------------------------------------------------------------------
// Messaging
// ---------------------------------------------------------------------------

// SendMessage validates, persists, and broadcasts a chat message. The sender
// must be a cached member of the room; with enforcement on, it must also hold
// proof-of-work clearance.
func (r *Registry) SendMessage(ctx context.Context, ghostID, roomID, content string) (*store.Message, error) {
	if !r.isCachedMember(ghostID, roomID) {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, ErrNotMember
	}
	content, err := protocol.ValidateContent(content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if r.config.EnforcePow && r.gate != nil {
		cleared, err := r.gate.HasClearance(ctx, ghostID)
		if err != nil {
			return nil, err
		}
		if !cleared {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			return nil, ErrPowRequired
		}
	}

	msg, err := r.store.AppendMessage(ctx, roomID, ghostID, content)
	if err != nil {
		return nil, err
	}

	if r.activity != nil {
		if err := r.activity.Record(ctx, ghostID); err != nil {
			log.Printf("registry: activity record ghost=%s: %v", ghostID, err)
		}
	}

	recipients := r.broadcast(roomID, protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: protocol.BroadcastMessage{
			Message:       msg,
			SenderDisplay: r.displayName(ctx, ghostID),
		},
	}, "")
	r.delivery.Record(roomID, msg.ID, recipients)

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return msg, nil
}

// React adds an emoji reaction and broadcasts the updated reaction state.
func (r *Registry) React(ctx context.Context, ghostID, roomID, messageID, emoji string) error {
	if !r.isCachedMember(ghostID, roomID) {
		return ErrNotMember
	}
	reactions, err := r.store.AddReaction(ctx, roomID, messageID, emoji, ghostID, r.displayName(ctx, ghostID))
	if err != nil {
		return err
	}
	r.broadcast(roomID, protocol.TypeMessageReaction, protocol.MessageReactionMsg{
		MessageID: messageID,
		Action:    "add",
		Emoji:     emoji,
		GhostID:   ghostID,
		Reactions: reactions,
	}, "")
	return nil
}

// Unreact removes the ghost's emoji reaction and broadcasts the updated
// reaction state.
func (r *Registry) Unreact(ctx context.Context, ghostID, roomID, messageID, emoji string) error {
	if !r.isCachedMember(ghostID, roomID) {
		return ErrNotMember
	}
	reactions, err := r.store.RemoveReaction(ctx, messageID, emoji, ghostID)
	if err != nil {
		return err
	}
	r.broadcast(roomID, protocol.TypeMessageReaction, protocol.MessageReactionMsg{
		MessageID: messageID,
		Action:    "remove",
		Emoji:     emoji,
		GhostID:   ghostID,
		Reactions: reactions,
	}, "")
	return nil
}

// Typing relays a typing indicator to the rest of the room, excluding the
// sender.
func (r *Registry) Typing(ctx context.Context, ghostID, roomID string, isTyping bool) error {
	if !r.isCachedMember(ghostID, roomID) {
		return ErrNotMember
	}
	r.broadcast(roomID, protocol.TypeTypingIndicator, protocol.TypingIndicatorMsg{
		GhostID:     ghostID,
		DisplayName: r.displayName(ctx, ghostID),
		IsTyping:    isTyping,
	}, ghostID)
	return nil
}

// Pong answers a client ping and refreshes the session lease.
func (r *Registry) Pong(ctx context.Context, ghostID string) {
	if err := r.store.TouchSession(ctx, ghostID); err != nil {
		log.Printf("registry: pong touch ghost=%s: %v", ghostID, err)
	}
	r.sendTo(ghostID, protocol.TypePong, protocol.PongMsg{Timestamp: time.Now().Unix()})
}

// BroadcastStats pushes aggregate liveness stats to every connection.
func (r *Registry) BroadcastStats(ctx context.Context) {
	ghosts, err := r.store.ActiveIdentityCount(ctx)
	if err != nil {
		log.Printf("registry: stats ghosts: %v", err)
		return
	}
	rooms, err := r.store.RoomCount(ctx)
	if err != nil {
		log.Printf("registry: stats rooms: %v", err)
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeStatsUpdate, protocol.StatsUpdateMsg{
		ActiveGhosts: ghosts,
		TotalRooms:   rooms,
	})
	if err != nil {
		return
	}

	r.mu.RLock()
	targets := make(map[string]Transport, len(r.conns))
	for id, t := range r.conns {
		targets[id] = t
	}
	r.mu.RUnlock()

	for id, t := range targets {
		if err := t.WriteMessage(data); err != nil {
			log.Printf("registry: stats send failed ghost=%s: %v", id, err)
			r.DisconnectTransport(context.Background(), id, t)
		}
	}
}

// SendError delivers an error envelope to the ghost; the connection stays
// open.
func (r *Registry) SendError(ghostID, message string) {
	r.sendTo(ghostID, protocol.TypeError, protocol.ErrorMsg{Message: message})
}

// ---------------------------------------------------------------------------
// Fan-out
// ---------------------------------------------------------------------------

// broadcast builds the envelope once and writes it to every live connection
// cached as a room member, excluding the named ghost. A failed write
// disconnects only that member; delivery to the rest continues. Returns the
// ghosts that received the payload.
func (r *Registry) broadcast(roomID, msgType string, payload interface{}, exclude string) []string {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("registry: broadcast build type=%s room=%s: %v", msgType, roomID, err)
		return nil
	}

	start := time.Now()

	r.mu.RLock()
	targets := make(map[string]Transport)
	for ghostID := range r.roomConns[roomID] {
		if ghostID == exclude {
			continue
		}
		if t, ok := r.conns[ghostID]; ok {
			targets[ghostID] = t
		}
	}
	r.mu.RUnlock()

	delivered := make([]string, 0, len(targets))
	for ghostID, t := range targets {
		if err := t.WriteMessage(data); err != nil {
			log.Printf("registry: broadcast send failed ghost=%s room=%s: %v", ghostID, roomID, err)
			r.DisconnectTransport(context.Background(), ghostID, t)
			continue
		}
		delivered = append(delivered, ghostID)
	}

	if r.publisher != nil {
		if err := r.publisher.PublishRoom(roomID, data); err != nil {
			log.Printf("registry: publish room=%s: %v", roomID, err)
		}
	}

	metrics.BroadcastLatency.Observe(time.Since(start).Seconds())
	return delivered
}

// DeliverRemote writes an already-encoded envelope from another node to the
// local members of a room. It never republishes, so cross-node traffic cannot
// loop back through the publisher.
func (r *Registry) DeliverRemote(roomID string, data []byte) {
	r.mu.RLock()
	targets := make(map[string]Transport)
	for ghostID := range r.roomConns[roomID] {
		if t, ok := r.conns[ghostID]; ok {
			targets[ghostID] = t
		}
	}
	r.mu.RUnlock()

	for ghostID, t := range targets {
		if err := t.WriteMessage(data); err != nil {
			log.Printf("registry: remote deliver failed ghost=%s room=%s: %v", ghostID, roomID, err)
			r.DisconnectTransport(context.Background(), ghostID, t)
		}
	}
}

// sendTo writes a typed envelope to one ghost's connection, if present.
func (r *Registry) sendTo(ghostID, msgType string, payload interface{}) {
	r.mu.RLock()
	t, ok := r.conns[ghostID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("registry: build type=%s ghost=%s: %v", msgType, ghostID, err)
		return
	}
	if err := t.WriteMessage(data); err != nil {
		log.Printf("registry: send failed type=%s ghost=%s: %v", msgType, ghostID, err)
		r.DisconnectTransport(context.Background(), ghostID, t)
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// isCachedMember reports whether the ghost is connected and cached as a
// member of the room.
func (r *Registry) isCachedMember(ghostID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conns[ghostID]; !ok {
		return false
	}
	_, ok := r.rooms[ghostID][roomID]
	return ok
}

// CachedRooms returns a snapshot of the ghost's cached room membership.
func (r *Registry) CachedRooms(ghostID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[ghostID]))
	for roomID := range r.rooms[ghostID] {
		out = append(out, roomID)
	}
	return out
}

// addRoomConn and removeRoomConn maintain the room -> connected-ghosts
// reverse index. Callers must hold r.mu.
func (r *Registry) addRoomConn(roomID, ghostID string) {
	if r.roomConns[roomID] == nil {
		r.roomConns[roomID] = make(map[string]struct{})
	}
	r.roomConns[roomID][ghostID] = struct{}{}
}

func (r *Registry) removeRoomConn(roomID, ghostID string) {
	if set, ok := r.roomConns[roomID]; ok {
		delete(set, ghostID)
		if len(set) == 0 {
			delete(r.roomConns, roomID)
		}
	}
}

// displayName resolves the ghost's presentation name: the session custom name
// when set, the derived name otherwise.
func (r *Registry) displayName(ctx context.Context, ghostID string) string {
	if sess, err := r.store.ReadSession(ctx, ghostID); err == nil && sess.CustomName != "" {
		return sess.CustomName
	}
	return identity.DisplayName(ghostID)
}
