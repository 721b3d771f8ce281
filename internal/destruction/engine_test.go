package destruction

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mindwanders1993/GhostChatApp/internal/store"
)

const (
	ghostA = "ghost_1700000000000_aaaaaaaaaaaaaaaa"
	ghostB = "ghost_1700000000000_bbbbbbbbbbbbbbbb"
)

// newTestEngine connects to a local Redis on DB 12 and skips the test when no
// server is reachable.
func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 12})
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

	return New(st, time.Minute), st
}

func TestDestroyIdentityRemovesTraces(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	if err := st.UpsertSession(ctx, ghostA, store.Session{}); err != nil {
		t.Fatalf("UpsertSession() error: %v", err)
	}
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	st.Join(ctx, room.ID, ghostA)

	if err := e.DestroyIdentity(ctx, ghostA); err != nil {
		t.Fatalf("DestroyIdentity() error: %v", err)
	}

	report, err := e.VerifyDestruction(ctx, ghostA)
	if err != nil {
		t.Fatalf("VerifyDestruction() error: %v", err)
	}
	if !report.Clean {
		t.Errorf("expected clean report, got %+v", report)
	}
}

func TestDestroyIdentityIsNoopWithoutTraces(t *testing.T) {
	e, _ := newTestEngine(t)

	if err := e.DestroyIdentity(context.Background(), ghostA); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestVerifyDestructionFlagsSurvivors(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	st.UpsertSession(ctx, ghostA, store.Session{})
	room, _ := st.CreateRoom(ctx, ghostB, "Lounge", store.DefaultRoomOptions())
	st.Join(ctx, room.ID, ghostA)

	report, err := e.VerifyDestruction(ctx, ghostA)
	if err != nil {
		t.Fatalf("VerifyDestruction() error: %v", err)
	}
	if report.Clean {
		t.Error("expected unclean report for a live identity")
	}
	if len(report.RemainingKeys) == 0 {
		t.Error("expected remaining keys")
	}
	if len(report.RoomMemberships) != 1 || report.RoomMemberships[0] != room.ID {
		t.Errorf("expected membership in %s, got %v", room.ID, report.RoomMemberships)
	}
	if !report.InActiveSet {
		t.Error("expected identity in active set")
	}
}

func TestCleanupDropsOrphanedRoomRefs(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	// Expire the room record out from under its enumeration entry.
	if err := st.DeleteKeys(ctx, store.RoomKey(room.ID)); err != nil {
		t.Fatalf("DeleteKeys() error: %v", err)
	}

	if err := e.RunCleanupCycle(ctx); err != nil {
		t.Fatalf("RunCleanupCycle() error: %v", err)
	}

	ids, err := st.AllRoomIDs(ctx)
	if err != nil {
		t.Fatalf("AllRoomIDs() error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected orphaned ref dropped, got %v", ids)
	}
}

func TestCleanupDeletesEmptyNonPublicRooms(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	opts := store.DefaultRoomOptions()
	opts.IsPublic = false
	private, _ := st.CreateRoom(ctx, ghostA, "Secret", opts)
	public, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())

	if err := e.RunCleanupCycle(ctx); err != nil {
		t.Fatalf("RunCleanupCycle() error: %v", err)
	}

	if _, err := st.ReadRoom(ctx, private.ID); err == nil {
		t.Error("expected empty private room to be deleted")
	}
	if _, err := st.ReadRoom(ctx, public.ID); err != nil {
		t.Errorf("expected empty public room to be retained, got %v", err)
	}
}

func TestCleanupRetainsEmptyDirectRooms(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	st.UpsertSession(ctx, ghostA, store.Session{})
	st.UpsertSession(ctx, ghostB, store.Session{})
	room, err := st.CreateDirectRoom(ctx, ghostA, ghostB)
	if err != nil {
		t.Fatalf("CreateDirectRoom() error: %v", err)
	}
	st.Leave(ctx, room.ID, ghostA)
	st.Leave(ctx, room.ID, ghostB)

	if err := e.RunCleanupCycle(ctx); err != nil {
		t.Fatalf("RunCleanupCycle() error: %v", err)
	}

	if _, err := st.ReadRoom(ctx, room.ID); err != nil {
		t.Errorf("expected empty direct room to be retained, got %v", err)
	}
}

func TestCleanupDropsOrphanedReactions(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	msg, _ := st.AppendMessage(ctx, room.ID, ghostA, "short lived")
	if _, err := st.AddReaction(ctx, room.ID, msg.ID, "👍", ghostB, "b"); err != nil {
		t.Fatalf("AddReaction() error: %v", err)
	}

	// Remove the message body; the reaction keys are now orphans.
	if err := st.DeleteKeys(ctx, store.MessageKey(room.ID, msg.ID)); err != nil {
		t.Fatalf("DeleteKeys() error: %v", err)
	}

	if err := e.RunCleanupCycle(ctx); err != nil {
		t.Fatalf("RunCleanupCycle() error: %v", err)
	}

	n, err := st.CountKeys(ctx, store.ReactionPrefix+"*")
	if err != nil {
		t.Fatalf("CountKeys() error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected orphaned reaction sets dropped, got %d keys", n)
	}
	n, _ = st.CountKeys(ctx, store.ReactionNamesPrefix+"*")
	if n != 0 {
		t.Errorf("expected orphaned label tables dropped, got %d keys", n)
	}
}

func TestEmergencyWipeFlushesEverything(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	st.UpsertSession(ctx, ghostA, store.Session{})
	st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())

	if err := e.EmergencyWipe(ctx); err != nil {
		t.Fatalf("EmergencyWipe() error: %v", err)
	}

	status, err := e.ReportStatus(ctx)
	if err != nil {
		t.Fatalf("ReportStatus() error: %v", err)
	}
	if status.ActiveIdentities != 0 || status.Rooms != 0 || status.Sessions != 0 {
		t.Errorf("expected empty store after wipe, got %+v", status)
	}
}

func TestReportStatusCounts(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	st.UpsertSession(ctx, ghostA, store.Session{})
	room, _ := st.CreateRoom(ctx, ghostA, "Lounge", store.DefaultRoomOptions())
	st.AppendMessage(ctx, room.ID, ghostA, "one")
	st.AppendMessage(ctx, room.ID, ghostA, "two")

	status, err := e.ReportStatus(ctx)
	if err != nil {
		t.Fatalf("ReportStatus() error: %v", err)
	}
	if status.ActiveIdentities != 1 {
		t.Errorf("expected 1 active identity, got %d", status.ActiveIdentities)
	}
	if status.Rooms != 1 {
		t.Errorf("expected 1 room, got %d", status.Rooms)
	}
	if status.Sessions != 1 {
		t.Errorf("expected 1 session, got %d", status.Sessions)
	}
	if status.Messages != 2 {
		t.Errorf("expected 2 messages, got %d", status.Messages)
	}
}
