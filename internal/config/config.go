package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway.
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// Broker
	NATSURL        string
	EventsPrefix   string
	PresencePrefix string
	StreamName     string
	MaxPerSubject  int64 // envelopes retained per room subject

	// Optional ephemeral snapshot store
	RedisURL string

	// Gateway
	BacklogSize int // envelopes retained in memory per room
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		NATSURL:        getEnv("NATS_URL", "nats://localhost:4222"),
		EventsPrefix:   getEnv("EVENTS_SUBJECT_PREFIX", "realtime.events"),
		PresencePrefix: getEnv("PRESENCE_SUBJECT_PREFIX", "realtime.presence"),
		StreamName:     getEnv("STREAM_NAME", "REALTIME_EVENTS"),
		MaxPerSubject:  getEnvInt64("STREAM_MAX_PER_SUBJECT", 10000),
		RedisURL:       os.Getenv("REDIS_URL"),
		BacklogSize:    getEnvInt("BACKLOG_SIZE", 256),
	}

	// In production, require an explicit broker URL
	if cfg.Env == "production" {
		if os.Getenv("NATS_URL") == "" {
			panic("NATS_URL is required in production")
		}
	}

	if cfg.BacklogSize < 1 {
		cfg.BacklogSize = 1
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
