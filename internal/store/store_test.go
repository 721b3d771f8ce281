package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store on a dedicated Redis database and flushes it
// before and after the test. Tests that call this helper require a running
// Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 9})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush test db: %v", err)
	}
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewWithClient(client)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ghost := "ghost_1700000000000_0123456789abcdef"

	if _, err := s.ReadSession(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before upsert, got %v", err)
	}

	if err := s.UpsertSession(ctx, ghost, Session{CustomName: "nightowl"}); err != nil {
		t.Fatalf("UpsertSession() error: %v", err)
	}

	sess, err := s.ReadSession(ctx, ghost)
	if err != nil {
		t.Fatalf("ReadSession() error: %v", err)
	}
	if sess.GhostID != ghost {
		t.Errorf("expected ghost_id %q, got %q", ghost, sess.GhostID)
	}
	if sess.CustomName != "nightowl" {
		t.Errorf("expected custom name preserved, got %q", sess.CustomName)
	}
	if !sess.Active {
		t.Error("expected session marked active")
	}

	n, err := s.ActiveIdentityCount(ctx)
	if err != nil {
		t.Fatalf("ActiveIdentityCount() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 active identity, got %d", n)
	}
}

func TestTouchSessionExtendsLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ghost := "ghost_1700000000001_0123456789abcdef"

	if err := s.UpsertSession(ctx, ghost, Session{}); err != nil {
		t.Fatalf("UpsertSession() error: %v", err)
	}
	before, _ := s.LastSeen(ctx, ghost)

	time.Sleep(10 * time.Millisecond)
	if err := s.TouchSession(ctx, ghost); err != nil {
		t.Fatalf("TouchSession() error: %v", err)
	}

	after, err := s.LastSeen(ctx, ghost)
	if err != nil {
		t.Fatalf("LastSeen() error: %v", err)
	}
	if !after.After(before) {
		t.Errorf("expected last activity to advance: before=%v after=%v", before, after)
	}

	ttl, err := s.Client().TTL(ctx, SessionKey(ghost)).Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 {
		t.Errorf("expected sliding lease on session, got ttl=%v", ttl)
	}
}

func TestTouchSessionMissingIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ghost := "ghost_1700000000002_0123456789abcdef"

	if err := s.TouchSession(ctx, ghost); err != nil {
		t.Fatalf("expected nil error for missing session, got %v", err)
	}
	// Touching must not resurrect an expired session.
	if _, err := s.ReadSession(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected session to stay absent, got %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ghost := "ghost_1700000000003_0123456789abcdef"

	ttl := DefaultTTLConfig()
	ttl.Session = 50 * time.Millisecond
	s.SetTTLConfig(ttl)

	if err := s.UpsertSession(ctx, ghost, Session{}); err != nil {
		t.Fatalf("UpsertSession() error: %v", err)
	}
	time.Sleep(120 * time.Millisecond)

	if _, err := s.ReadSession(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after lease lapse, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Destruction asymmetry
// ---------------------------------------------------------------------------

func TestDeleteIdentityEverywhere(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ghost := "ghost_1700000000004_0123456789abcdef"
	other := "ghost_1700000000005_fedcba9876543210"

	if err := s.UpsertSession(ctx, ghost, Session{}); err != nil {
		t.Fatalf("UpsertSession() error: %v", err)
	}
	room, err := s.CreateRoom(ctx, ghost, "Lounge", DefaultRoomOptions())
	if err != nil {
		t.Fatalf("CreateRoom() error: %v", err)
	}
	if _, err := s.Join(ctx, room.ID, ghost); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	if _, err := s.Join(ctx, room.ID, other); err != nil {
		t.Fatalf("Join() error: %v", err)
	}
	msg, err := s.AppendMessage(ctx, room.ID, ghost, "still here")
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	if err := s.DeleteIdentityEverywhere(ctx, ghost); err != nil {
		t.Fatalf("DeleteIdentityEverywhere() error: %v", err)
	}

	// Session and active-set membership are gone.
	if _, err := s.ReadSession(ctx, ghost); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected session gone, got %v", err)
	}
	active, _ := s.IsActiveIdentity(ctx, ghost)
	if active {
		t.Error("expected ghost removed from active identity set")
	}
	member, _ := s.IsMember(ctx, room.ID, ghost)
	if member {
		t.Error("expected ghost removed from room membership")
	}

	// Authored message bodies survive destruction until their own lease
	// elapses. This asymmetry is deliberate: cheap exit vs. explicit purge.
	got, err := s.ReadMessage(ctx, room.ID, msg.ID)
	if err != nil {
		t.Fatalf("expected authored message to survive destruction, got %v", err)
	}
	if got.Content != "still here" {
		t.Errorf("unexpected message content %q", got.Content)
	}

	// The explicit purge removes them.
	deleted, err := s.DeleteMessagesAllRooms(ctx, ghost)
	if err != nil {
		t.Fatalf("DeleteMessagesAllRooms() error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 purged message, got %d", deleted)
	}
	if _, err := s.ReadMessage(ctx, room.ID, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected message gone after purge, got %v", err)
	}
}

func TestDeleteIdentityEverywhereNoTraces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Destroying an identity with no remaining traces is a no-op, not an error.
	if err := s.DeleteIdentityEverywhere(ctx, "ghost_1700000000006_0123456789abcdef"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}
