package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zetsuchan/angstromscd-realtime/internal/store"
)

// PresenceResponse is the point-in-time presence snapshot for a room.
type PresenceResponse struct {
	RoomID      string                         `json:"roomId"`
	Connections map[string]store.PresenceEntry `json:"connections"`
	Timestamp   string                         `json:"timestamp"`
}

// RoomPresence returns the current presence snapshot for a room. Requires the
// Redis snapshot store; without it presence exists only on the live
// side-channel.
func (h *Handler) RoomPresence(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	if roomID == "" {
		h.Error(w, http.StatusBadRequest, "missing room id")
		return
	}

	if h.redis == nil {
		h.Error(w, http.StatusNotImplemented, "presence snapshots not configured")
		return
	}

	entries, err := h.redis.RoomPresence(r.Context(), roomID)
	if err != nil {
		h.logger.Error().Err(err).Str("room", roomID).Msg("presence snapshot read failed")
		h.Error(w, http.StatusInternalServerError, "presence lookup failed")
		return
	}

	h.JSON(w, http.StatusOK, PresenceResponse{
		RoomID:      roomID,
		Connections: entries,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}
