// Package api wires the HTTP surface: middleware stack, REST endpoints, and
// the WebSocket upgrade path.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/api/middleware"
	"github.com/zetsuchan/angstromscd-realtime/internal/gateway"
	"github.com/zetsuchan/angstromscd-realtime/internal/handlers"
	"github.com/zetsuchan/angstromscd-realtime/internal/store"
)

// NewRouter creates and configures the HTTP router. redisStore may be nil.
func NewRouter(logger zerolog.Logger, broker handlers.BrokerStatus, redisStore *store.RedisStore, registry *gateway.Registry, presence *gateway.Publisher) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware first to capture all requests.
	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024))

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Clients connect from anywhere; auth sits upstream of this gateway.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(broker, redisStore, registry, presence, logger)

	// Metrics endpoint for Prometheus scraping.
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/presence/{roomID}", h.RoomPresence)
	r.Get("/ws", h.WebSocket)

	return r
}
