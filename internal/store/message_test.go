package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAppendAndListMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())

	first, err := s.AppendMessage(ctx, room.ID, ghostA, "hello")
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}
	second, err := s.AppendMessage(ctx, room.ID, ghostB, "hi")
	if err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	msgs, err := s.ListMessages(ctx, room.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	// Newest first: store append order is authoritative.
	if msgs[0].ID != second.ID || msgs[1].ID != first.ID {
		t.Errorf("unexpected order: got %q then %q", msgs[0].ID, msgs[1].ID)
	}
	if msgs[1].Content != "hello" || msgs[1].Sender != ghostA {
		t.Errorf("unexpected message payload: %+v", msgs[1])
	}
}

func TestListMessagesHonorsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	for i := 0; i < 5; i++ {
		if _, err := s.AppendMessage(ctx, room.ID, ghostA, "m"); err != nil {
			t.Fatalf("AppendMessage() error: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, room.ID, 3)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
}

func TestListMessagesToleratesExpiredBodies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ttl := DefaultTTLConfig()
	ttl.Message = 50 * time.Millisecond
	s.SetTTLConfig(ttl)

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	if _, err := s.AppendMessage(ctx, room.ID, ghostA, "short lived"); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	ttl.Message = time.Hour
	s.SetTTLConfig(ttl)
	if _, err := s.AppendMessage(ctx, room.ID, ghostA, "long lived"); err != nil {
		t.Fatalf("AppendMessage() error: %v", err)
	}

	time.Sleep(120 * time.Millisecond)

	// The index still references the expired body; the read must skip it
	// rather than fail.
	msgs, err := s.ListMessages(ctx, room.ID, 50)
	if err != nil {
		t.Fatalf("ListMessages() error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 surviving message, got %d", len(msgs))
	}
	if msgs[0].Content != "long lived" {
		t.Errorf("unexpected survivor: %q", msgs[0].Content)
	}
}

func TestMessageCountInRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	s.AppendMessage(ctx, room.ID, ghostA, "one")
	s.AppendMessage(ctx, room.ID, ghostB, "two")
	s.AppendMessage(ctx, room.ID, ghostA, "three")

	n, err := s.MessageCountInRoom(ctx, ghostA, room.ID)
	if err != nil {
		t.Fatalf("MessageCountInRoom() error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 messages by ghostA, got %d", n)
	}
}

func TestDeleteMessagesInRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	s.AppendMessage(ctx, room.ID, ghostA, "mine")
	keep, _ := s.AppendMessage(ctx, room.ID, ghostB, "theirs")

	deleted, err := s.DeleteMessagesInRoom(ctx, ghostA, room.ID)
	if err != nil {
		t.Fatalf("DeleteMessagesInRoom() error: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deletion, got %d", deleted)
	}

	msgs, _ := s.ListMessages(ctx, room.ID, 50)
	if len(msgs) != 1 || msgs[0].ID != keep.ID {
		t.Errorf("expected only the other sender's message to remain, got %+v", msgs)
	}
}

// ---------------------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------------------

func TestAddAndListReactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	msg, _ := s.AppendMessage(ctx, room.ID, ghostA, "react to me")

	reactions, err := s.AddReaction(ctx, room.ID, msg.ID, "👍", ghostB, "Specter#0001")
	if err != nil {
		t.Fatalf("AddReaction() error: %v", err)
	}

	summary, ok := reactions["👍"]
	if !ok {
		t.Fatalf("expected 👍 in reaction map, got %v", reactions)
	}
	if summary.Count != 1 {
		t.Errorf("expected count 1, got %d", summary.Count)
	}
	if summary.Labels[ghostB] != "Specter#0001" {
		t.Errorf("expected label stored, got %v", summary.Labels)
	}

	// Reaction keys inherit the parent message's lease.
	ttl, err := s.Client().TTL(ctx, ReactionKey(msg.ID, "👍")).Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 {
		t.Errorf("expected reaction lease aligned with message, got %v", ttl)
	}
}

func TestAddReactionToExpiredMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	if _, err := s.AddReaction(ctx, room.ID, "msg_0_00000000", "👍", ghostB, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing message, got %v", err)
	}
}

func TestRemoveReactionDeletesEmptySet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	msg, _ := s.AppendMessage(ctx, room.ID, ghostA, "react to me")
	s.AddReaction(ctx, room.ID, msg.ID, "👍", ghostB, "Specter#0001")

	reactions, err := s.RemoveReaction(ctx, msg.ID, "👍", ghostB)
	if err != nil {
		t.Fatalf("RemoveReaction() error: %v", err)
	}
	if len(reactions) != 0 {
		t.Errorf("expected empty reaction map, got %v", reactions)
	}

	// The emptied set and its label table are deleted immediately, not left
	// for expiry.
	for _, key := range []string{ReactionKey(msg.ID, "👍"), ReactionNamesKey(msg.ID, "👍")} {
		n, _ := s.Client().Exists(ctx, key).Result()
		if n != 0 {
			t.Errorf("expected %q deleted immediately", key)
		}
	}
}

func TestRemoveReactionKeepsOtherReactors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	room, _ := s.CreateRoom(ctx, ghostA, "Lounge", DefaultRoomOptions())
	msg, _ := s.AppendMessage(ctx, room.ID, ghostA, "react to me")
	s.AddReaction(ctx, room.ID, msg.ID, "👍", ghostB, "b")
	s.AddReaction(ctx, room.ID, msg.ID, "👍", ghostC, "c")

	reactions, err := s.RemoveReaction(ctx, msg.ID, "👍", ghostB)
	if err != nil {
		t.Fatalf("RemoveReaction() error: %v", err)
	}
	if reactions["👍"] == nil || reactions["👍"].Count != 1 {
		t.Fatalf("expected one remaining reactor, got %v", reactions)
	}
	if reactions["👍"].Reactors[0] != ghostC {
		t.Errorf("expected ghostC to remain, got %v", reactions["👍"].Reactors)
	}
}
