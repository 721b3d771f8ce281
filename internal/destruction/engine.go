// Package destruction implements defense-in-depth cleanup beyond the store's
// native lease expiry: identity destruction, a periodic cleanup cycle that
// reclaims orphaned references, an operator-triggered full wipe, and
// verification reports for auditability.
package destruction

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mindwanders1993/GhostChatApp/internal/metrics"
	"github.com/mindwanders1993/GhostChatApp/internal/store"
)

// DefaultInterval is the default pause between cleanup cycles.
const DefaultInterval = 5 * time.Minute

// Engine runs cleanup against the store. One engine per process; construct
// with New.
type Engine struct {
	store    *store.Store
	interval time.Duration
}

// New creates an Engine with the given cleanup interval. A non-positive
// interval takes the default.
func New(st *store.Store, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{store: st, interval: interval}
}

// DestroyIdentity removes every store trace referencing the ghost. Calling it
// for an identity with no remaining traces is a no-op, not an error. Authored
// message bodies survive until their own leases lapse.
func (e *Engine) DestroyIdentity(ctx context.Context, ghostID string) error {
	if err := e.store.DeleteIdentityEverywhere(ctx, ghostID); err != nil {
		return fmt.Errorf("destruction: destroy %s: %w", ghostID, err)
	}
	metrics.DestroyedIdentitiesTotal.Inc()
	log.Printf("[destruction] identity destroyed ghost=%s", ghostID)
	return nil
}

// EmergencyWipe flushes the entire store. Irreversible; incident response
// only.
func (e *Engine) EmergencyWipe(ctx context.Context) error {
	log.Printf("[destruction] EMERGENCY WIPE: flushing all store data")
	if err := e.store.Wipe(ctx); err != nil {
		return fmt.Errorf("destruction: emergency wipe: %w", err)
	}
	log.Printf("[destruction] EMERGENCY WIPE: complete")
	return nil
}

// Run executes cleanup cycles on the configured interval until ctx is
// cancelled. A failed cycle is logged and followed by a back-off pause; the
// loop itself never exits on error.
func (e *Engine) Run(ctx context.Context) {
	log.Printf("[destruction] cleanup loop started interval=%s", e.interval)

	backoff := e.interval
	for {
		select {
		case <-ctx.Done():
			log.Printf("[destruction] cleanup loop stopped")
			return
		case <-time.After(backoff):
		}

		if err := e.RunCleanupCycle(ctx); err != nil {
			metrics.CleanupCyclesTotal.WithLabelValues("failed").Inc()
			log.Printf("[destruction] cleanup cycle failed: %v", err)
			// Back off before the next attempt so a struggling store is not
			// hammered on schedule.
			backoff = e.interval * 2
			continue
		}
		metrics.CleanupCyclesTotal.WithLabelValues("ok").Inc()
		backoff = e.interval
	}
}

// RunCleanupCycle reclaims state the store's leases cannot: room references
// whose record has expired, empty rooms that are neither public nor direct,
// and reaction state whose parent message is gone. Each step runs even when
// an earlier one fails; the combined error is returned.
func (e *Engine) RunCleanupCycle(ctx context.Context) error {
	var errs []error

	if n, err := e.dropOrphanRoomRefs(ctx); err != nil {
		errs = append(errs, fmt.Errorf("room refs: %w", err))
	} else if n > 0 {
		log.Printf("[destruction] dropped %d orphaned room refs", n)
	}

	if n, err := e.deleteEmptyRooms(ctx); err != nil {
		errs = append(errs, fmt.Errorf("empty rooms: %w", err))
	} else if n > 0 {
		log.Printf("[destruction] deleted %d empty rooms", n)
	}

	if n, err := e.dropOrphanReactions(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reactions: %w", err))
	} else if n > 0 {
		log.Printf("[destruction] dropped %d orphaned reaction keys", n)
	}

	return errors.Join(errs...)
}

// dropOrphanRoomRefs removes enumeration-set entries whose room record no
// longer exists.
func (e *Engine) dropOrphanRoomRefs(ctx context.Context) (int, error) {
	roomIDs, err := e.store.AllRoomIDs(ctx)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, roomID := range roomIDs {
		_, err := e.store.ReadRoom(ctx, roomID)
		if errors.Is(err, store.ErrNotFound) {
			if err := e.store.RemoveRoomRef(ctx, roomID); err != nil {
				return dropped, err
			}
			dropped++
			continue
		}
		if err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}

// deleteEmptyRooms removes rooms with no members that are neither public nor
// direct. Public rooms are retained empty; direct rooms persist for their
// participant pair.
func (e *Engine) deleteEmptyRooms(ctx context.Context) (int, error) {
	roomIDs, err := e.store.AllRoomIDs(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, roomID := range roomIDs {
		room, err := e.store.ReadRoom(ctx, roomID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		if room.IsPublic || room.IsDirect() {
			continue
		}

		members, err := e.store.RoomMembers(ctx, roomID)
		if err != nil {
			return deleted, err
		}
		if len(members) > 0 {
			continue
		}

		if err := e.store.DeleteRoom(ctx, roomID); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// dropOrphanReactions removes reaction sets and label tables whose parent
// message body has expired.
func (e *Engine) dropOrphanReactions(ctx context.Context) (int, error) {
	dropped := 0
	for _, prefix := range []string{store.ReactionPrefix, store.ReactionNamesPrefix} {
		keys, err := e.store.KeysByPattern(ctx, prefix+"*")
		if err != nil {
			return dropped, err
		}
		for _, key := range keys {
			messageID, ok := reactionMessageID(key, prefix)
			if !ok {
				continue
			}
			n, err := e.store.CountKeys(ctx, store.MessagePrefix+"*:"+messageID)
			if err != nil {
				return dropped, err
			}
			if n == 0 {
				if err := e.store.DeleteKeys(ctx, key); err != nil {
					return dropped, err
				}
				dropped++
			}
		}
	}
	return dropped, nil
}

// reactionMessageID extracts the message id from a reaction key of the form
// <prefix><message_id>:<emoji>. Message ids contain no colons, so the first
// colon after the prefix terminates the id.
func reactionMessageID(key, prefix string) (string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	idx := strings.Index(rest, ":")
	if idx <= 0 {
		return "", false
	}
	return rest[:idx], true
}

// Report is the result of a post-destruction verification query.
type Report struct {
	GhostID         string   `json:"ghost_id"`
	Clean           bool     `json:"clean"`
	RemainingKeys   []string `json:"remaining_keys"`
	RoomMemberships []string `json:"room_memberships"`
	InActiveSet     bool     `json:"in_active_set"`
	CheckedAt       int64    `json:"checked_at"`
}

// VerifyDestruction reports whether any store keys still reference the ghost
// and whether it remains in any room's membership set. Diagnostic only; the
// engine does not block destruction on it.
func (e *Engine) VerifyDestruction(ctx context.Context, ghostID string) (*Report, error) {
	keys, err := e.store.ScanIdentityKeys(ctx, ghostID)
	if err != nil {
		return nil, err
	}

	active, err := e.store.IsActiveIdentity(ctx, ghostID)
	if err != nil {
		return nil, err
	}

	var memberships []string
	roomIDs, err := e.store.AllRoomIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, roomID := range roomIDs {
		ok, err := e.store.IsMember(ctx, roomID, ghostID)
		if err != nil {
			return nil, err
		}
		if ok {
			memberships = append(memberships, roomID)
		}
	}

	return &Report{
		GhostID:         ghostID,
		Clean:           len(keys) == 0 && len(memberships) == 0 && !active,
		RemainingKeys:   keys,
		RoomMemberships: memberships,
		InActiveSet:     active,
		CheckedAt:       time.Now().Unix(),
	}, nil
}

// Status summarizes per-entity key totals for operability.
type Status struct {
	ActiveIdentities int64 `json:"active_identities"`
	Rooms            int64 `json:"rooms"`
	Sessions         int   `json:"sessions"`
	Messages         int   `json:"messages"`
	Reactions        int   `json:"reactions"`
	CheckedAt        int64 `json:"checked_at"`
}

// ReportStatus counts active identities, rooms, and keys per entity family.
func (e *Engine) ReportStatus(ctx context.Context) (*Status, error) {
	ghosts, err := e.store.ActiveIdentityCount(ctx)
	if err != nil {
		return nil, err
	}
	rooms, err := e.store.RoomCount(ctx)
	if err != nil {
		return nil, err
	}

	status := &Status{
		ActiveIdentities: ghosts,
		Rooms:            rooms,
		CheckedAt:        time.Now().Unix(),
	}
	if status.Sessions, err = e.store.CountKeys(ctx, store.SessionPrefix+"*"); err != nil {
		return nil, err
	}
	if status.Messages, err = e.store.CountKeys(ctx, store.MessagePrefix+"*"); err != nil {
		return nil, err
	}
	if status.Reactions, err = e.store.CountKeys(ctx, store.ReactionPrefix+"*"); err != nil {
		return nil, err
	}
	return status, nil
}
