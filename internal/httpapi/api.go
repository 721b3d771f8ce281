// Package httpapi exposes the control-plane HTTP endpoints: identity
// lifecycle, targeted message destruction, proof-of-work challenges, direct
// rooms, reaction and delivery lookups, destruction reporting, and the
// health and metrics surfaces. The realtime chat path stays on the
// WebSocket server; everything here is request/response.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/mindwanders1993/GhostChatApp/internal/destruction"
	"github.com/mindwanders1993/GhostChatApp/internal/identity"
	"github.com/mindwanders1993/GhostChatApp/internal/metrics"
	"github.com/mindwanders1993/GhostChatApp/internal/pow"
	"github.com/mindwanders1993/GhostChatApp/internal/registry"
	"github.com/mindwanders1993/GhostChatApp/internal/store"
)

// API bundles the dependencies behind the control-plane handlers.
type API struct {
	store     *store.Store
	gate      *pow.Gate
	activity  *pow.ActivityTracker
	engine    *destruction.Engine
	registry  *registry.Registry
	startedAt time.Time
}

// New creates the control-plane API. The registry may be nil in tools that
// only need the store-backed endpoints; connection counts then read as zero.
func New(st *store.Store, gate *pow.Gate, engine *destruction.Engine, reg *registry.Registry) *API {
	return &API{
		store:     st,
		gate:      gate,
		activity:  pow.NewActivityTracker(st.Client()),
		engine:    engine,
		registry:  reg,
		startedAt: time.Now(),
	}
}

// Handler returns the routed control-plane handler.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/identity", a.handleCreateIdentity)
	mux.HandleFunc("DELETE /api/identity/{id}", a.handleDestroyIdentity)
	mux.HandleFunc("DELETE /api/identity/{id}/rooms/{room}/messages", a.handleDeleteRoomMessages)
	mux.HandleFunc("DELETE /api/identity/{id}/messages", a.handleDeleteAllMessages)
	mux.HandleFunc("GET /api/identity/{id}/rooms/{room}/messages/count", a.handleMessageCount)
	mux.HandleFunc("GET /api/identity/{id}/last-seen", a.handleLastSeen)
	mux.HandleFunc("GET /api/identity/{id}/destruction", a.handleVerifyDestruction)

	mux.HandleFunc("POST /api/pow/challenge", a.handlePowChallenge)
	mux.HandleFunc("POST /api/pow/verify", a.handlePowVerify)

	mux.HandleFunc("POST /api/rooms/direct", a.handleCreateDirectRoom)
	mux.HandleFunc("GET /api/rooms/direct", a.handleListDirectRooms)

	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/messages/{id}/reactions", a.handleReactions)
	mux.HandleFunc("GET /api/messages/{id}/delivery", a.handleDelivery)

	mux.HandleFunc("GET /api/destruction/report", a.handleDestructionReport)
	mux.HandleFunc("POST /api/destruction/wipe", a.handleEmergencyWipe)

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// ---------------------------------------------------------------------------
// Identity
// ---------------------------------------------------------------------------

func (a *API) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomName string `json:"custom_name"`
		AvatarID   string `json:"avatar_id"`
	}
	// An empty body mints a default identity.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ghostID := identity.New()
	sess := store.Session{CustomName: req.CustomName, AvatarID: req.AvatarID}
	if err := a.store.UpsertSession(r.Context(), ghostID, sess); err != nil {
		log.Printf("api: create identity: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create identity")
		return
	}

	name := identity.DisplayName(ghostID)
	if req.CustomName != "" {
		name = req.CustomName
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"ghost_id":     ghostID,
		"display_name": name,
		"avatar":       identity.AvatarFor(ghostID, req.AvatarID, req.CustomName),
		"session_ttl":  int(a.store.TTL().Session.Seconds()),
	})
}

func (a *API) handleDestroyIdentity(w http.ResponseWriter, r *http.Request) {
	ghostID, ok := a.ghostParam(w, r)
	if !ok {
		return
	}

	if a.registry != nil {
		a.registry.Disconnect(r.Context(), ghostID)
	}
	if err := a.engine.DestroyIdentity(r.Context(), ghostID); err != nil {
		log.Printf("api: destroy identity %s: %v", ghostID, err)
		writeError(w, http.StatusInternalServerError, "destruction failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ghost_id":  ghostID,
		"destroyed": true,
	})
}

func (a *API) handleDeleteRoomMessages(w http.ResponseWriter, r *http.Request) {
	ghostID, ok := a.ghostParam(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("room")

	n, err := a.store.DeleteMessagesInRoom(r.Context(), ghostID, roomID)
	if err != nil {
		log.Printf("api: delete messages ghost=%s room=%s: %v", ghostID, roomID, err)
		writeError(w, http.StatusInternalServerError, "deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ghost_id": ghostID,
		"room_id":  roomID,
		"deleted":  n,
	})
}

func (a *API) handleDeleteAllMessages(w http.ResponseWriter, r *http.Request) {
	ghostID, ok := a.ghostParam(w, r)
	if !ok {
		return
	}

	n, err := a.store.DeleteMessagesAllRooms(r.Context(), ghostID)
	if err != nil {
		log.Printf("api: delete all messages ghost=%s: %v", ghostID, err)
		writeError(w, http.StatusInternalServerError, "deletion failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ghost_id": ghostID,
		"deleted":  n,
	})
}

func (a *API) handleMessageCount(w http.ResponseWriter, r *http.Request) {
	ghostID, ok := a.ghostParam(w, r)
	if !ok {
		return
	}
	roomID := r.PathValue("room")

	n, err := a.store.MessageCountInRoom(r.Context(), ghostID, roomID)
	if err != nil {
		log.Printf("api: message count ghost=%s room=%s: %v", ghostID, roomID, err)
		writeError(w, http.StatusInternalServerError, "count failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ghost_id": ghostID,
		"room_id":  roomID,
		"count":    n,
	})
}

func (a *API) handleLastSeen(w http.ResponseWriter, r *http.Request) {
	ghostID, ok := a.ghostParam(w, r)
	if !ok {
		return
	}

	last, err := a.store.LastSeen(r.Context(), ghostID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no active session")
		return
	}
	if err != nil {
		log.Printf("api: last seen ghost=%s: %v", ghostID, err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ghost_id":  ghostID,
		"last_seen": last,
	})
}

func (a *API) handleVerifyDestruction(w http.ResponseWriter, r *http.Request) {
	ghostID, ok := a.ghostParam(w, r)
	if !ok {
		return
	}

	report, err := a.engine.VerifyDestruction(r.Context(), ghostID)
	if err != nil {
		log.Printf("api: verify destruction ghost=%s: %v", ghostID, err)
		writeError(w, http.StatusInternalServerError, "verification failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ---------------------------------------------------------------------------
// Proof of work
// ---------------------------------------------------------------------------

func (a *API) handlePowChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GhostID string `json:"ghost_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !identity.Valid(req.GhostID) {
		writeError(w, http.StatusBadRequest, "valid ghost_id required")
		return
	}

	recent, err := a.activity.Recent(r.Context(), req.GhostID)
	if err != nil {
		log.Printf("api: pow activity ghost=%s: %v", req.GhostID, err)
		recent = 0
	}

	ch, err := a.gate.IssueAdaptiveChallenge(r.Context(), req.GhostID, recent)
	if err != nil {
		log.Printf("api: pow challenge ghost=%s: %v", req.GhostID, err)
		writeError(w, http.StatusInternalServerError, "failed to issue challenge")
		return
	}

	metrics.PowChallengesTotal.WithLabelValues("issued").Inc()
	writeJSON(w, http.StatusCreated, ch)
}

func (a *API) handlePowVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GhostID     string `json:"ghost_id"`
		ChallengeID string `json:"challenge_id"`
		Nonce       string `json:"nonce"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !identity.Valid(req.GhostID) {
		writeError(w, http.StatusBadRequest, "valid ghost_id required")
		return
	}

	err := a.gate.Verify(r.Context(), req.GhostID, req.ChallengeID, req.Nonce)
	switch {
	case err == nil:
		metrics.PowChallengesTotal.WithLabelValues("solved").Inc()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"verified":      true,
			"clearance_ttl": int(pow.ClearanceTTL.Seconds()),
		})
	case errors.Is(err, pow.ErrNotFound),
		errors.Is(err, pow.ErrExpired),
		errors.Is(err, pow.ErrOwnerMismatch),
		errors.Is(err, pow.ErrBadSolution):
		metrics.PowChallengesTotal.WithLabelValues("rejected").Inc()
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"verified": false,
			"error":    err.Error(),
		})
	default:
		log.Printf("api: pow verify ghost=%s: %v", req.GhostID, err)
		writeError(w, http.StatusInternalServerError, "verification failed")
	}
}

// ---------------------------------------------------------------------------
// Direct rooms
// ---------------------------------------------------------------------------

func (a *API) handleCreateDirectRoom(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GhostA string `json:"ghost_a"`
		GhostB string `json:"ghost_b"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		!identity.Valid(req.GhostA) || !identity.Valid(req.GhostB) {
		writeError(w, http.StatusBadRequest, "two valid ghost ids required")
		return
	}
	if req.GhostA == req.GhostB {
		writeError(w, http.StatusBadRequest, "cannot open a direct room with yourself")
		return
	}

	room, err := a.store.CreateDirectRoom(r.Context(), req.GhostA, req.GhostB)
	if err != nil {
		log.Printf("api: create direct room %s/%s: %v", req.GhostA, req.GhostB, err)
		writeError(w, http.StatusInternalServerError, "failed to create direct room")
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (a *API) handleListDirectRooms(w http.ResponseWriter, r *http.Request) {
	ghostID := r.URL.Query().Get("ghost_id")
	if !identity.Valid(ghostID) {
		writeError(w, http.StatusBadRequest, "valid ghost_id required")
		return
	}

	rooms, err := a.store.ListDirectRooms(r.Context(), ghostID)
	if err != nil {
		log.Printf("api: list direct rooms ghost=%s: %v", ghostID, err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ghost_id": ghostID,
		"rooms":    rooms,
	})
}

// ---------------------------------------------------------------------------
// Stats, reactions, delivery
// ---------------------------------------------------------------------------

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	active, err := a.store.ActiveIdentityCount(r.Context())
	if err != nil {
		log.Printf("api: stats active count: %v", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	rooms, err := a.store.RoomCount(r.Context())
	if err != nil {
		log.Printf("api: stats room count: %v", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}

	connections := 0
	if a.registry != nil {
		connections = a.registry.ConnectionCount()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active_ghosts": active,
		"total_rooms":   rooms,
		"connections":   connections,
		"uptime":        time.Since(a.startedAt).Round(time.Second).String(),
	})
}

func (a *API) handleReactions(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")

	reactions, err := a.store.ListReactions(r.Context(), messageID)
	if err != nil {
		log.Printf("api: reactions message=%s: %v", messageID, err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message_id": messageID,
		"reactions":  reactions,
	})
}

func (a *API) handleDelivery(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")

	if a.registry == nil {
		writeError(w, http.StatusNotFound, "delivery tracking unavailable")
		return
	}
	record, ok := a.registry.Delivery().Lookup(messageID)
	if !ok {
		writeError(w, http.StatusNotFound, "no delivery record")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// ---------------------------------------------------------------------------
// Destruction
// ---------------------------------------------------------------------------

func (a *API) handleDestructionReport(w http.ResponseWriter, r *http.Request) {
	status, err := a.engine.ReportStatus(r.Context())
	if err != nil {
		log.Printf("api: destruction report: %v", err)
		writeError(w, http.StatusInternalServerError, "report failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleEmergencyWipe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm string `json:"confirm"`
	}
	// The wipe destroys all live data; an explicit confirmation phrase keeps
	// a stray request from triggering it.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Confirm != "WIPE" {
		writeError(w, http.StatusBadRequest, `confirmation {"confirm":"WIPE"} required`)
		return
	}

	if err := a.engine.EmergencyWipe(r.Context()); err != nil {
		log.Printf("api: emergency wipe: %v", err)
		writeError(w, http.StatusInternalServerError, "wipe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"wiped": true})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if a.registry != nil {
		connections = a.registry.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"connections": connections,
		"uptime":      time.Since(a.startedAt).Round(time.Second).String(),
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ghostParam extracts and validates the {id} path parameter. On failure it
// writes a 400 response and returns ok=false.
func (a *API) ghostParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	ghostID := r.PathValue("id")
	if !identity.Valid(ghostID) {
		writeError(w, http.StatusBadRequest, "valid ghost id required")
		return "", false
	}
	return ghostID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
