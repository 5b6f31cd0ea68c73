// Package broker abstracts the durable, ordered event log the gateway tails
// and replays from. The production implementation is NATS JetStream; tests
// use an in-memory fake.
package broker

import (
	"context"

	"github.com/zetsuchan/angstromscd-realtime/internal/protocol"
)

// Handler receives envelopes from a tail or a historical fetch.
type Handler func(env protocol.Envelope)

// Subscription is a live tail that can be gracefully drained on room teardown.
type Subscription interface {
	Drain() error
}

// Log is the durable log collaborator. One subject per room for events, a
// separate subject namespace for presence.
type Log interface {
	// TailNew opens an ordered cursor on the room's subject delivering only
	// envelopes published after the call.
	TailNew(roomID string, fn Handler) (Subscription, error)

	// FetchFrom pulls stored envelopes with sequence >= from in bounded
	// batches, invoking fn for each in ascending order, and returns once the
	// log reports no more pending messages.
	FetchFrom(ctx context.Context, roomID string, from uint64, fn Handler) error

	// Earliest reports the oldest retained sequence for the room's subject,
	// or 0 when nothing is stored.
	Earliest(ctx context.Context, roomID string) (uint64, error)

	// Publish appends an event to the room's subject and returns the
	// broker-assigned sequence.
	Publish(ctx context.Context, roomID string, event []byte) (uint64, error)

	// PublishPresence emits an ephemeral presence payload on the presence
	// subject for the room. Never sequenced or retained.
	PublishPresence(roomID string, data []byte) error

	// Drain gracefully drains the broker connection at shutdown.
	Drain() error
}
