// Package store holds the optional Redis-backed snapshot store. Everything in
// it is ephemeral bookkeeping: presence state per room and advisory last-ack
// sequences per connection, all with TTLs. Losing Redis loses nothing durable.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL = 5 * time.Minute
	ackTTL      = 24 * time.Hour
)

// PresenceEntry is one connection's presence snapshot in a room.
type PresenceEntry struct {
	State    string `json:"state"`
	LastSeen int64  `json:"lastSeen"` // Unix ms
}

// RedisStore handles Redis operations for presence and ack snapshots.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// presenceKey returns the key for a room's presence hash.
func presenceKey(roomID string) string {
	return fmt.Sprintf("presence:room:%s", roomID)
}

// ackKey returns the key for a connection's last-ack hash.
func ackKey(connectionID string) string {
	return fmt.Sprintf("ack:conn:%s", connectionID)
}

// SetPresence records a connection's presence state in a room.
func (s *RedisStore) SetPresence(ctx context.Context, roomID, connectionID, state string) error {
	entry := PresenceEntry{State: state, LastSeen: time.Now().UnixMilli()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	key := presenceKey(roomID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, connectionID, string(data))
	pipe.Expire(ctx, key, presenceTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// ClearPresence removes a connection from a room's presence snapshot.
func (s *RedisStore) ClearPresence(ctx context.Context, roomID, connectionID string) error {
	return s.client.HDel(ctx, presenceKey(roomID), connectionID).Err()
}

// RoomPresence returns the presence snapshot for a room, keyed by connection.
func (s *RedisStore) RoomPresence(ctx context.Context, roomID string) (map[string]PresenceEntry, error) {
	raw, err := s.client.HGetAll(ctx, presenceKey(roomID)).Result()
	if err != nil {
		return nil, err
	}

	entries := make(map[string]PresenceEntry, len(raw))
	for connID, data := range raw {
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		entries[connID] = entry
	}
	return entries, nil
}

// RecordAck stores the last acknowledged sequence for a connection and room.
func (s *RedisStore) RecordAck(ctx context.Context, connectionID, roomID string, sequence uint64) error {
	key := ackKey(connectionID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, roomID, strconv.FormatUint(sequence, 10))
	pipe.Expire(ctx, key, ackTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LastAck returns the last acknowledged sequence for a connection and room,
// or 0 when none is recorded.
func (s *RedisStore) LastAck(ctx context.Context, connectionID, roomID string) (uint64, error) {
	val, err := s.client.HGet(ctx, ackKey(connectionID), roomID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(val, 10, 64)
}
