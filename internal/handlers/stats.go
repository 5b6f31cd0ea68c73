package handlers

import (
	"net/http"
	"time"
)

// StatsResponse summarizes gateway activity.
type StatsResponse struct {
	Rooms     int    `json:"rooms"`
	Timestamp string `json:"timestamp"`
}

// Stats handles the stats endpoint.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, StatsResponse{
		Rooms:     h.registry.Rooms(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
