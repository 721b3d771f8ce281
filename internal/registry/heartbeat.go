package registry

import (
	"context"
	"log"
	"time"

	"github.com/mindwanders1993/GhostChatApp/internal/protocol"
)

// heartbeatLoop sends a heartbeat envelope to one connection on a fixed
// interval and refreshes its session lease. A failed send means the transport
// is gone; the ghost is disconnected and the loop exits. The loop also exits
// when its context is cancelled by Disconnect or a superseding Connect.
func (r *Registry) heartbeatLoop(ctx context.Context, ghostID string, t Transport) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			data, err := protocol.NewServerMessage(protocol.TypeHeartbeat, protocol.HeartbeatMsg{
				Timestamp: time.Now().Unix(),
			})
			if err != nil {
				log.Printf("registry: heartbeat build ghost=%s: %v", ghostID, err)
				continue
			}
			if err := t.WriteMessage(data); err != nil {
				log.Printf("registry: heartbeat failed ghost=%s: %v", ghostID, err)
				// Transport-matched so a superseding Connect that has
				// already replaced this connection is left alone.
				r.DisconnectTransport(context.Background(), ghostID, t)
				return
			}
			if err := r.store.TouchSession(context.Background(), ghostID); err != nil {
				log.Printf("registry: heartbeat touch ghost=%s: %v", ghostID, err)
			}
		}
	}
}

// StartStatsBroadcast pushes stats_update envelopes to all connections on the
// given interval until ctx is cancelled.
func (r *Registry) StartStatsBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.BroadcastStats(ctx)
		}
	}
}
