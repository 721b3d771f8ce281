package registry

import (
	"fmt"
	"testing"
)

func TestDeliveryRecordAndLookup(t *testing.T) {
	dt := NewDeliveryTracker()

	dt.Record("room1", "msg1", []string{ghostA, ghostB})

	rec, ok := dt.Lookup("msg1")
	if !ok {
		t.Fatal("expected record for msg1")
	}
	if rec.RoomID != "room1" {
		t.Errorf("expected room1, got %s", rec.RoomID)
	}
	if len(rec.Recipients) != 2 {
		t.Errorf("expected 2 recipients, got %v", rec.Recipients)
	}

	if _, ok := dt.Lookup("unknown"); ok {
		t.Error("expected no record for unknown message")
	}
}

func TestDeliveryRoomOrder(t *testing.T) {
	dt := NewDeliveryTracker()

	for i := 0; i < 3; i++ {
		dt.Record("room1", fmt.Sprintf("msg%d", i), []string{ghostA})
	}

	records := dt.Room("room1")
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		want := fmt.Sprintf("msg%d", i)
		if rec.MessageID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, rec.MessageID)
		}
	}

	if got := dt.Room("empty"); len(got) != 0 {
		t.Errorf("expected empty slice for unknown room, got %v", got)
	}
}

func TestDeliveryRingEviction(t *testing.T) {
	dt := NewDeliveryTracker()

	for i := 0; i < MaxDeliveryRecords+5; i++ {
		dt.Record("room1", fmt.Sprintf("msg%d", i), []string{ghostA})
	}

	records := dt.Room("room1")
	if len(records) != MaxDeliveryRecords {
		t.Fatalf("expected %d records, got %d", MaxDeliveryRecords, len(records))
	}
	// The oldest five were overwritten and dropped from the index.
	if _, ok := dt.Lookup("msg0"); ok {
		t.Error("expected evicted record to leave the index")
	}
	if _, ok := dt.Lookup(fmt.Sprintf("msg%d", MaxDeliveryRecords+4)); !ok {
		t.Error("expected newest record in the index")
	}
	if records[0].MessageID != "msg5" {
		t.Errorf("expected oldest retained record msg5, got %s", records[0].MessageID)
	}
}

func TestDeliveryRemoveRoom(t *testing.T) {
	dt := NewDeliveryTracker()

	dt.Record("room1", "msg1", []string{ghostA})
	dt.Remove("room1")

	if _, ok := dt.Lookup("msg1"); ok {
		t.Error("expected records dropped with the room")
	}
	if got := dt.Room("room1"); len(got) != 0 {
		t.Errorf("expected no records, got %v", got)
	}
}
