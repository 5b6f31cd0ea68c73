package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/broker"
	"github.com/zetsuchan/angstromscd-realtime/internal/metrics"
	"github.com/zetsuchan/angstromscd-realtime/internal/store"
)

// PresenceEvent is the ephemeral payload published on the presence subject.
// Never sequenced, never retained, never replayed.
type PresenceEvent struct {
	RoomID       string          `json:"roomId"`
	ConnectionID string          `json:"connectionId"`
	State        string          `json:"state"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	At           time.Time       `json:"at"`
}

// Presence state for a connection that went away.
const presenceStateGone = "gone"

// Publisher emits presence events to the side-channel subject, independent of
// the durable room log. When a snapshot store is configured it also keeps a
// per-room presence snapshot there.
type Publisher struct {
	log       broker.Log
	snapshots *store.RedisStore // optional, may be nil
	logger    zerolog.Logger
}

// NewPublisher builds a presence publisher. snapshots may be nil.
func NewPublisher(log broker.Log, snapshots *store.RedisStore, logger zerolog.Logger) *Publisher {
	return &Publisher{
		log:       log,
		snapshots: snapshots,
		logger:    logger.With().Str("component", "presence").Logger(),
	}
}

// Publish broadcasts a presence state change for a connection in a room.
// Failures are logged and swallowed; presence is best-effort.
func (p *Publisher) Publish(ctx context.Context, roomID, connectionID, state string, metadata json.RawMessage) {
	evt := PresenceEvent{
		RoomID:       roomID,
		ConnectionID: connectionID,
		State:        state,
		Metadata:     metadata,
		At:           time.Now().UTC(),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error().Err(err).Msg("presence marshal failed")
		return
	}

	if err := p.log.PublishPresence(roomID, data); err != nil {
		metrics.BrokerErrors.WithLabelValues("presence").Inc()
		p.logger.Warn().Err(err).Str("room", roomID).Msg("presence publish failed")
	}
	metrics.PresenceEvents.Inc()

	if p.snapshots != nil {
		if err := p.snapshots.SetPresence(ctx, roomID, connectionID, state); err != nil {
			p.logger.Warn().Err(err).Str("room", roomID).Msg("presence snapshot failed")
		}
	}
}

// Departed announces that a connection left a room and clears its snapshot.
func (p *Publisher) Departed(ctx context.Context, roomID, connectionID string) {
	p.Publish(ctx, roomID, connectionID, presenceStateGone, nil)

	if p.snapshots != nil {
		if err := p.snapshots.ClearPresence(ctx, roomID, connectionID); err != nil {
			p.logger.Warn().Err(err).Str("room", roomID).Msg("presence snapshot clear failed")
		}
	}
}
