package registry

import (
	"sync"
	"time"
)

// MaxDeliveryRecords is the number of recent delivery records retained per
// room.
const MaxDeliveryRecords = 100

// DeliveryRecord captures which connections received a broadcast message.
type DeliveryRecord struct {
	MessageID   string   `json:"message_id"`
	RoomID      string   `json:"room_id"`
	Recipients  []string `json:"recipients"`
	DeliveredAt int64    `json:"delivered_at"`
}

// DeliveryTracker stores the last N delivery records per room in memory.
// It is goroutine-safe and uses a ring buffer internally. Delivery state is
// advisory and process-local; it is not persisted.
type DeliveryTracker struct {
	mu        sync.RWMutex
	rings     map[string]*deliveryRing   // roomID -> ring buffer
	byMessage map[string]*DeliveryRecord // messageID -> latest record
}

// deliveryRing is a fixed-size circular buffer of delivery records.
type deliveryRing struct {
	items []*DeliveryRecord
	pos   int
	count int
}

// NewDeliveryTracker creates a new empty DeliveryTracker.
func NewDeliveryTracker() *DeliveryTracker {
	return &DeliveryTracker{
		rings:     make(map[string]*deliveryRing),
		byMessage: make(map[string]*DeliveryRecord),
	}
}

// Record appends a delivery record for a message. When the room's ring is
// full the oldest record is overwritten and dropped from the message index.
func (dt *DeliveryTracker) Record(roomID, messageID string, recipients []string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	ring, ok := dt.rings[roomID]
	if !ok {
		ring = &deliveryRing{
			items: make([]*DeliveryRecord, MaxDeliveryRecords),
		}
		dt.rings[roomID] = ring
	}

	if evicted := ring.items[ring.pos]; evicted != nil {
		if dt.byMessage[evicted.MessageID] == evicted {
			delete(dt.byMessage, evicted.MessageID)
		}
	}

	rec := &DeliveryRecord{
		MessageID:   messageID,
		RoomID:      roomID,
		Recipients:  append([]string(nil), recipients...),
		DeliveredAt: time.Now().Unix(),
	}
	ring.items[ring.pos] = rec
	ring.pos = (ring.pos + 1) % MaxDeliveryRecords
	if ring.count < MaxDeliveryRecords {
		ring.count++
	}
	dt.byMessage[messageID] = rec
}

// Lookup returns the delivery record for a message, if still retained.
func (dt *DeliveryTracker) Lookup(messageID string) (*DeliveryRecord, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	rec, ok := dt.byMessage[messageID]
	return rec, ok
}

// Room returns the room's retained delivery records in chronological order
// (oldest first). Returns an empty slice if the room has no records.
func (dt *DeliveryTracker) Room(roomID string) []*DeliveryRecord {
	dt.mu.RLock()
	defer dt.mu.RUnlock()

	ring, ok := dt.rings[roomID]
	if !ok {
		return []*DeliveryRecord{}
	}

	result := make([]*DeliveryRecord, ring.count)
	// The oldest record is at position (pos - count) mod MaxDeliveryRecords.
	start := (ring.pos - ring.count + MaxDeliveryRecords) % MaxDeliveryRecords
	for i := 0; i < ring.count; i++ {
		result[i] = ring.items[(start+i)%MaxDeliveryRecords]
	}
	return result
}

// Remove deletes the ring for a room (called when a room is destroyed).
func (dt *DeliveryTracker) Remove(roomID string) {
	dt.mu.Lock()
	defer dt.mu.Unlock()

	ring, ok := dt.rings[roomID]
	if !ok {
		return
	}
	for _, rec := range ring.items {
		if rec != nil && dt.byMessage[rec.MessageID] == rec {
			delete(dt.byMessage, rec.MessageID)
		}
	}
	delete(dt.rings, roomID)
}
