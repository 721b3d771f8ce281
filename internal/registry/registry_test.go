package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/mindwanders1993/GhostChatApp/internal/metrics"
	"github.com/mindwanders1993/GhostChatApp/internal/pow"
	"github.com/mindwanders1993/GhostChatApp/internal/protocol"
	"github.com/mindwanders1993/GhostChatApp/internal/store"
)

const (
	ghostA = "ghost_1700000000000_aaaaaaaaaaaaaaaa"
	ghostB = "ghost_1700000000000_bbbbbbbbbbbbbbbb"
	ghostC = "ghost_1700000000000_cccccccccccccccc"
)

// fakeTransport collects written frames in memory and can be told to fail.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
	closed bool
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport gone")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// typesSeen returns the set of envelope types written to this transport.
func (f *fakeTransport) typesSeen() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]int)
	for _, frame := range f.frames {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frame, &env) == nil {
			seen[env.Type]++
		}
	}
	return seen
}

// lastOfType returns the most recent frame of the given envelope type.
func (f *fakeTransport) lastOfType(msgType string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.frames) - 1; i >= 0; i-- {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(f.frames[i], &env) == nil && env.Type == msgType {
			return f.frames[i]
		}
	}
	return nil
}

// newTestRegistry connects to a local Redis on DB 11 and skips the test when
// no server is reachable.
func newTestRegistry(t *testing.T, cfg Config) (*Registry, *store.Store) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 11})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	st := store.NewWithClient(rdb)
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		st.Close()
	})

	var gate *pow.Gate
	if cfg.EnforcePow {
		gate = pow.NewGate(rdb, 1)
	}
	return New(st, gate, cfg), st
}

func TestConnectRejectsInvalidIdentity(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	err := r.Connect(context.Background(), "not-a-ghost", &fakeTransport{})
	if !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
	if r.ConnectionCount() != 0 {
		t.Errorf("expected no registered connections, got %d", r.ConnectionCount())
	}
}

func TestConnectSendsConnectionEstablished(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	ft := &fakeTransport{}
	if err := r.Connect(ctx, ghostA, ft); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	frame := ft.lastOfType(protocol.TypeConnectionEstablished)
	if frame == nil {
		t.Fatal("expected connection_established frame")
	}
	var msg protocol.ConnectionEstablishedMsg
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.GhostID != ghostA {
		t.Errorf("expected ghost_id %q, got %q", ghostA, msg.GhostID)
	}
	if msg.DisplayName == "" {
		t.Error("expected a display name")
	}
	if msg.SessionTTL != 900 {
		t.Errorf("expected session_ttl 900, got %d", msg.SessionTTL)
	}
}

func TestConnectSupersedesExisting(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	first := &fakeTransport{}
	second := &fakeTransport{}
	if err := r.Connect(ctx, ghostA, first); err != nil {
		t.Fatalf("first Connect() error: %v", err)
	}
	if err := r.Connect(ctx, ghostA, second); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}

	if !first.isClosed() {
		t.Error("expected superseded transport to be closed")
	}
	if second.isClosed() {
		t.Error("expected current transport to stay open")
	}
	if r.ConnectionCount() != 1 {
		t.Errorf("expected exactly one live connection, got %d", r.ConnectionCount())
	}
}

// A superseded transport's write failures (heartbeat, broadcast, direct
// sends) tear down by transport identity; the teardown must leave the
// replacement connection registered and reachable.
func TestStaleTransportTeardownKeepsReplacement(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	stale := &fakeTransport{}
	current := &fakeTransport{}
	if err := r.Connect(ctx, ghostA, stale); err != nil {
		t.Fatalf("first Connect() error: %v", err)
	}
	if err := r.Connect(ctx, ghostA, current); err != nil {
		t.Fatalf("second Connect() error: %v", err)
	}

	// The stale transport's failure path fires after the supersede.
	r.DisconnectTransport(ctx, ghostA, stale)

	if r.ConnectionCount() != 1 {
		t.Fatalf("expected replacement to survive stale teardown, got %d connections", r.ConnectionCount())
	}

	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	if err := r.JoinRoom(ctx, ghostA, room.ID); err != nil {
		t.Fatalf("JoinRoom() error: %v", err)
	}
	if _, err := r.SendMessage(ctx, ghostA, room.ID, "still here"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if current.lastOfType(protocol.TypeNewMessage) == nil {
		t.Error("expected replacement transport to receive the broadcast")
	}
	if current.isClosed() {
		t.Error("replacement transport must stay open")
	}
}

// The connections gauge counts installed transports: superseded, failed, and
// disconnected connections must each balance their increment.
func TestConnectionGaugeStaysBalanced(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.ConnectionsTotal)

	r.Connect(ctx, ghostA, &fakeTransport{})
	r.Connect(ctx, ghostA, &fakeTransport{})
	if got := testutil.ToFloat64(metrics.ConnectionsTotal) - before; got != 1 {
		t.Errorf("expected gauge delta 1 after supersede, got %v", got)
	}

	r.Disconnect(ctx, ghostA)
	if got := testutil.ToFloat64(metrics.ConnectionsTotal) - before; got != 0 {
		t.Errorf("expected gauge back at baseline after disconnect, got %v", got)
	}

	// A Connect that fails during store I/O must also release its count.
	dead := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 11})
	dead.Close()
	broken := New(store.NewWithClient(dead), nil, Config{})
	if err := broken.Connect(ctx, ghostB, &fakeTransport{}); err == nil {
		t.Fatal("expected Connect over a dead store to fail")
	}
	if got := testutil.ToFloat64(metrics.ConnectionsTotal) - before; got != 0 {
		t.Errorf("expected gauge back at baseline after failed connect, got %v", got)
	}
}

func TestFreshIdentityStartsWithEmptyRooms(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	// Membership in the store without a session must not leak into a new
	// identity's cache.
	room, _ := st.CreateRoom(ctx, ghostB, "Lounge", store.DefaultRoomOptions())
	if _, err := st.Join(ctx, room.ID, ghostA); err != nil {
		t.Fatalf("Join() error: %v", err)
	}

	if err := r.Connect(ctx, ghostA, &fakeTransport{}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if got := r.CachedRooms(ghostA); len(got) != 0 {
		t.Errorf("expected empty cached rooms for fresh identity, got %v", got)
	}
}

func TestReconnectionRestoresRoomsFromStore(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	first := &fakeTransport{}
	if err := r.Connect(ctx, ghostA, first); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	if err := r.JoinRoom(ctx, ghostA, room.ID); err != nil {
		t.Fatalf("JoinRoom() error: %v", err)
	}

	// Session is still live; the superseding connection counts as a
	// reconnection and rebuilds the cache from the store.
	second := &fakeTransport{}
	if err := r.Connect(ctx, ghostA, second); err != nil {
		t.Fatalf("reconnect error: %v", err)
	}
	got := r.CachedRooms(ghostA)
	if len(got) != 1 || got[0] != room.ID {
		t.Errorf("expected cached rooms [%s], got %v", room.ID, got)
	}
}

func TestDisconnectLeavesRoomsAndIsIdempotent(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	if err := r.Connect(ctx, ghostA, &fakeTransport{}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	if err := r.JoinRoom(ctx, ghostA, room.ID); err != nil {
		t.Fatalf("JoinRoom() error: %v", err)
	}

	r.Disconnect(ctx, ghostA)

	if r.ConnectionCount() != 0 {
		t.Errorf("expected no connections, got %d", r.ConnectionCount())
	}
	member, err := st.IsMember(ctx, room.ID, ghostA)
	if err != nil {
		t.Fatalf("IsMember() error: %v", err)
	}
	if member {
		t.Error("expected store membership to be released on disconnect")
	}

	// Second disconnect is a no-op, not a panic or error path.
	r.Disconnect(ctx, ghostA)
}

func TestSendMessageRequiresMembership(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	if err := r.Connect(ctx, ghostA, &fakeTransport{}); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())

	if _, err := r.SendMessage(ctx, ghostA, room.ID, "hi"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestSendMessageBroadcastsToRoom(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	ftA := &fakeTransport{}
	ftB := &fakeTransport{}
	r.Connect(ctx, ghostA, ftA)
	r.Connect(ctx, ghostB, ftB)

	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	if err := r.JoinRoom(ctx, ghostA, room.ID); err != nil {
		t.Fatalf("JoinRoom(A) error: %v", err)
	}
	if err := r.JoinRoom(ctx, ghostB, room.ID); err != nil {
		t.Fatalf("JoinRoom(B) error: %v", err)
	}

	msg, err := r.SendMessage(ctx, ghostA, room.ID, "hi")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	for name, ft := range map[string]*fakeTransport{"sender": ftA, "peer": ftB} {
		frame := ft.lastOfType(protocol.TypeNewMessage)
		if frame == nil {
			t.Fatalf("%s: expected new_message frame", name)
		}
		var got protocol.NewMessageMsg
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if got.Message.Content != "hi" || got.Message.Sender != ghostA {
			t.Errorf("%s: unexpected payload %+v", name, got.Message)
		}
	}

	rec, ok := r.Delivery().Lookup(msg.ID)
	if !ok {
		t.Fatal("expected delivery record")
	}
	if len(rec.Recipients) != 2 {
		t.Errorf("expected 2 recipients, got %v", rec.Recipients)
	}
}

func TestSendMessageValidatesContent(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	r.Connect(ctx, ghostA, &fakeTransport{})
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	r.JoinRoom(ctx, ghostA, room.ID)

	if _, err := r.SendMessage(ctx, ghostA, room.ID, ""); err == nil {
		t.Error("expected empty content to be rejected")
	}
	if _, err := r.SendMessage(ctx, ghostA, room.ID, "   \n"); err == nil {
		t.Error("expected whitespace-only content to be rejected")
	}

	msg, err := r.SendMessage(ctx, ghostA, room.ID, "  hi there \n")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if msg.Content != "hi there" {
		t.Errorf("expected stored content stripped, got %q", msg.Content)
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	ftA := &fakeTransport{}
	ftB := &fakeTransport{fail: true}
	ftC := &fakeTransport{}
	r.Connect(ctx, ghostA, ftA)
	r.Connect(ctx, ghostC, ftC)

	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	r.JoinRoom(ctx, ghostA, room.ID)
	r.JoinRoom(ctx, ghostC, room.ID)

	// ghostB's transport dies after connect; its failure must not block the
	// other members.
	r.Connect(ctx, ghostB, ftB)
	r.JoinRoom(ctx, ghostB, room.ID)

	if _, err := r.SendMessage(ctx, ghostA, room.ID, "hi"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	if ftA.lastOfType(protocol.TypeNewMessage) == nil {
		t.Error("expected healthy sender to receive the broadcast")
	}
	if ftC.lastOfType(protocol.TypeNewMessage) == nil {
		t.Error("expected healthy peer to receive the broadcast")
	}
	if r.ConnectionCount() != 2 {
		t.Errorf("expected failed member to be dropped, got %d connections", r.ConnectionCount())
	}
}

func TestTypingExcludesSender(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	ftA := &fakeTransport{}
	ftB := &fakeTransport{}
	r.Connect(ctx, ghostA, ftA)
	r.Connect(ctx, ghostB, ftB)

	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	r.JoinRoom(ctx, ghostA, room.ID)
	r.JoinRoom(ctx, ghostB, room.ID)

	if err := r.Typing(ctx, ghostA, room.ID, true); err != nil {
		t.Fatalf("Typing() error: %v", err)
	}

	if ftA.lastOfType(protocol.TypeTypingIndicator) != nil {
		t.Error("sender must not receive its own typing indicator")
	}
	frame := ftB.lastOfType(protocol.TypeTypingIndicator)
	if frame == nil {
		t.Fatal("expected peer to receive typing indicator")
	}
	var got protocol.TypingIndicatorMsg
	json.Unmarshal(frame, &got)
	if got.GhostID != ghostA || !got.IsTyping {
		t.Errorf("unexpected typing payload %+v", got)
	}
}

func TestCleanRoomSwitch(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	r.Connect(ctx, ghostA, &fakeTransport{})
	roomA, _ := st.CreateRoom(ctx, ghostA, "First", store.DefaultRoomOptions())
	roomB, _ := st.CreateRoom(ctx, ghostA, "Second", store.DefaultRoomOptions())

	r.JoinRoom(ctx, ghostA, roomA.ID)
	if err := r.JoinRoom(ctx, ghostA, roomB.ID); err != nil {
		t.Fatalf("JoinRoom() error: %v", err)
	}

	got := r.CachedRooms(ghostA)
	if len(got) != 1 || got[0] != roomB.ID {
		t.Errorf("expected cache to hold only %s, got %v", roomB.ID, got)
	}
	member, _ := st.IsMember(ctx, roomA.ID, ghostA)
	if member {
		t.Error("expected membership in the first room to be released")
	}
}

func TestReactionRoundTrip(t *testing.T) {
	r, st := newTestRegistry(t, Config{})
	ctx := context.Background()

	ftA := &fakeTransport{}
	ftB := &fakeTransport{}
	r.Connect(ctx, ghostA, ftA)
	r.Connect(ctx, ghostB, ftB)

	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	r.JoinRoom(ctx, ghostA, room.ID)
	r.JoinRoom(ctx, ghostB, room.ID)

	msg, err := r.SendMessage(ctx, ghostA, room.ID, "react to me")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	if err := r.React(ctx, ghostB, room.ID, msg.ID, "👍"); err != nil {
		t.Fatalf("React() error: %v", err)
	}

	// Both members see the reaction with reactor count 1.
	for name, ft := range map[string]*fakeTransport{"sender": ftA, "reactor": ftB} {
		frame := ft.lastOfType(protocol.TypeMessageReaction)
		if frame == nil {
			t.Fatalf("%s: expected message_reaction frame", name)
		}
		var got protocol.MessageReactionMsg
		if err := json.Unmarshal(frame, &got); err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if got.Action != "add" || got.Reactions["👍"] == nil || got.Reactions["👍"].Count != 1 {
			t.Errorf("%s: unexpected reaction payload %+v", name, got)
		}
	}

	if err := r.Unreact(ctx, ghostB, room.ID, msg.ID, "👍"); err != nil {
		t.Fatalf("Unreact() error: %v", err)
	}
	frame := ftA.lastOfType(protocol.TypeMessageReaction)
	var got protocol.MessageReactionMsg
	json.Unmarshal(frame, &got)
	if got.Action != "remove" || len(got.Reactions) != 0 {
		t.Errorf("expected empty reaction state after removal, got %+v", got)
	}
}

func TestPowEnforcement(t *testing.T) {
	r, st := newTestRegistry(t, Config{EnforcePow: true})
	ctx := context.Background()

	r.Connect(ctx, ghostA, &fakeTransport{})
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	r.JoinRoom(ctx, ghostA, room.ID)

	if _, err := r.SendMessage(ctx, ghostA, room.ID, "hi"); !errors.Is(err, ErrPowRequired) {
		t.Fatalf("expected ErrPowRequired, got %v", err)
	}

	// Solve a difficulty-1 challenge to earn clearance.
	ch, err := r.gate.IssueChallenge(ctx, ghostA)
	if err != nil {
		t.Fatalf("IssueChallenge() error: %v", err)
	}
	nonce := ""
	for i := 0; ; i++ {
		nonce = strconv.Itoa(i)
		if pow.Solves(ch.Seed, nonce, ch.Difficulty) {
			break
		}
	}
	if err := r.gate.Verify(ctx, ghostA, ch.ID, nonce); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}

	if _, err := r.SendMessage(ctx, ghostA, room.ID, "hi"); err != nil {
		t.Errorf("expected send to pass with clearance, got %v", err)
	}
}

func TestHeartbeatFailureDisconnects(t *testing.T) {
	r, st := newTestRegistry(t, Config{HeartbeatInterval: 30 * time.Millisecond})
	ctx := context.Background()

	ft := &fakeTransport{}
	if err := r.Connect(ctx, ghostA, ft); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	r.JoinRoom(ctx, ghostA, room.ID)

	// First heartbeat succeeds.
	time.Sleep(50 * time.Millisecond)
	if ft.typesSeen()[protocol.TypeHeartbeat] == 0 {
		t.Fatal("expected at least one heartbeat frame")
	}

	// Kill the transport; the next heartbeat must disconnect the ghost and
	// release its membership.
	ft.mu.Lock()
	ft.fail = true
	ft.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for r.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.ConnectionCount() != 0 {
		t.Fatal("expected heartbeat failure to disconnect the ghost")
	}
	member, _ := st.IsMember(ctx, room.ID, ghostA)
	if member {
		t.Error("expected membership released after heartbeat disconnect")
	}
}

// StartStatsBroadcast owns its goroutine until cancellation; callers must
// start it with go or they block forever.
func TestStartStatsBroadcastRunsUntilCancelled(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.StartStatsBroadcast(ctx, 10*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("stats loop returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stats loop did not stop after cancellation")
	}
}
