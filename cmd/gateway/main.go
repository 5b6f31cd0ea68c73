package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/api"
	"github.com/zetsuchan/angstromscd-realtime/internal/broker"
	"github.com/zetsuchan/angstromscd-realtime/internal/config"
	"github.com/zetsuchan/angstromscd-realtime/internal/gateway"
	"github.com/zetsuchan/angstromscd-realtime/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx := context.Background()

	// Connect to NATS and ensure the event stream exists
	js, err := broker.Connect(broker.Config{
		URL:            cfg.NATSURL,
		EventsPrefix:   cfg.EventsPrefix,
		PresencePrefix: cfg.PresencePrefix,
		StreamName:     cfg.StreamName,
		MaxPerSubject:  cfg.MaxPerSubject,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("broker connection failed")
	}
	logger.Info().Str("url", cfg.NATSURL).Msg("connected to NATS")

	// Initialize optional Redis snapshot store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	registry := gateway.NewRegistry(js, cfg.BacklogSize, logger)
	presence := gateway.NewPublisher(js, redisStore, logger)

	router := api.NewRouter(logger, js, redisStore, registry, presence)

	// No WriteTimeout: WebSocket connections are long-lived.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting realtime gateway")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Detach every room, then flush the broker connection.
	registry.Shutdown()
	if err := js.Drain(); err != nil {
		logger.Warn().Err(err).Msg("broker drain failed")
	}

	logger.Info().Msg("gateway stopped")
}
