// Package handlers holds the HTTP endpoints: the WebSocket upgrade and the
// small REST surface around it (health, presence snapshots, stats).
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/gateway"
	"github.com/zetsuchan/angstromscd-realtime/internal/store"
)

// BrokerStatus reports broker connectivity for health checks.
type BrokerStatus interface {
	Connected() bool
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	broker   BrokerStatus
	redis    *store.RedisStore // optional, may be nil
	registry *gateway.Registry
	presence *gateway.Publisher
	logger   zerolog.Logger
}

// NewHandler creates a new Handler. redis may be nil when snapshots are not
// configured.
func NewHandler(broker BrokerStatus, redis *store.RedisStore, registry *gateway.Registry, presence *gateway.Publisher, logger zerolog.Logger) *Handler {
	return &Handler{
		broker:   broker,
		redis:    redis,
		registry: registry,
		presence: presence,
		logger:   logger,
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
