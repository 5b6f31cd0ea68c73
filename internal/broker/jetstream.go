package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/protocol"
)

const (
	fetchBatchSize = 64
	fetchMaxWait   = time.Second
)

// Config holds broker connection and stream bootstrap parameters.
type Config struct {
	URL            string
	EventsPrefix   string
	PresencePrefix string
	StreamName     string
	MaxPerSubject  int64 // envelopes retained per room subject, discard-oldest
}

// JetStream is the NATS JetStream implementation of Log.
type JetStream struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    Config
	logger zerolog.Logger
}

// Connect establishes the NATS connection and ensures the event stream
// exists. A failure here aborts startup.
func Connect(cfg Config, logger zerolog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("realtime-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	b := &JetStream{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := b.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

// ensureStream creates the event stream if it does not exist. Retention is
// limits-based with a per-subject cap so every room keeps its own recent
// history, discarding oldest first.
func (b *JetStream) ensureStream() error {
	if _, err := b.js.StreamInfo(b.cfg.StreamName); err == nil {
		b.logger.Info().Str("stream", b.cfg.StreamName).Msg("stream exists")
		return nil
	}

	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:              b.cfg.StreamName,
		Subjects:          []string{b.cfg.EventsPrefix + ".>"},
		Retention:         nats.LimitsPolicy,
		MaxMsgsPerSubject: b.cfg.MaxPerSubject,
		Discard:           nats.DiscardOld,
		Storage:           nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", b.cfg.StreamName, err)
	}

	b.logger.Info().
		Str("stream", b.cfg.StreamName).
		Str("subjects", b.cfg.EventsPrefix+".>").
		Int64("max_per_subject", b.cfg.MaxPerSubject).
		Msg("stream created")
	return nil
}

// Connected reports broker connection health for the health endpoint.
func (b *JetStream) Connected() bool {
	return b.nc.IsConnected()
}

func (b *JetStream) eventSubject(roomID string) string {
	return b.cfg.EventsPrefix + "." + subjectToken(roomID)
}

func (b *JetStream) presenceSubject(roomID string) string {
	return b.cfg.PresencePrefix + "." + subjectToken(roomID)
}

// subjectToken maps a room identifier onto a single NATS subject token.
func subjectToken(roomID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		}
		return r
	}, roomID)
}

// envelopeBody is the stored form of an envelope. Sequence and the replay
// flag are not stored: the sequence comes from stream metadata on read, and
// replay is a delivery-time attribute.
type envelopeBody struct {
	RoomID    string          `json:"roomId"`
	Event     json.RawMessage `json:"event"`
	EmittedAt time.Time       `json:"emittedAt"`
}

func decodeEnvelope(msg *nats.Msg) (protocol.Envelope, error) {
	meta, err := msg.Metadata()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("message metadata: %w", err)
	}

	var body envelopeBody
	if err := json.Unmarshal(msg.Data, &body); err != nil {
		return protocol.Envelope{}, fmt.Errorf("envelope body: %w", err)
	}

	return protocol.Envelope{
		Type:      protocol.FrameEnvelope,
		Sequence:  meta.Sequence.Stream,
		RoomID:    body.RoomID,
		Event:     body.Event,
		EmittedAt: body.EmittedAt,
	}, nil
}

// TailNew opens an ordered, new-messages-only push consumer on the room's
// subject. Ordered consumers are flow-controlled and need no acks.
func (b *JetStream) TailNew(roomID string, fn Handler) (Subscription, error) {
	sub, err := b.js.Subscribe(b.eventSubject(roomID), func(msg *nats.Msg) {
		env, err := decodeEnvelope(msg)
		if err != nil {
			b.logger.Warn().Err(err).Str("room", roomID).Msg("dropping undecodable envelope")
			return
		}
		fn(env)
	}, nats.OrderedConsumer(), nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("tail %s: %w", roomID, err)
	}
	return sub, nil
}

// FetchFrom opens an ephemeral pull consumer starting at the given stream
// sequence and drains it in bounded batches. Each batch waits at most
// fetchMaxWait; a timeout means the log has no more pending messages.
func (b *JetStream) FetchFrom(ctx context.Context, roomID string, from uint64, fn Handler) error {
	sub, err := b.js.PullSubscribe(b.eventSubject(roomID), "",
		nats.StartSequence(from),
		nats.AckExplicit(),
		nats.BindStream(b.cfg.StreamName),
	)
	if err != nil {
		return fmt.Errorf("pull consumer %s from %d: %w", roomID, from, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Str("room", roomID).Msg("pull consumer cleanup failed")
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if errors.Is(err, nats.ErrTimeout) {
			return nil // nothing pending
		}
		if err != nil {
			return fmt.Errorf("fetch %s: %w", roomID, err)
		}

		for _, msg := range msgs {
			env, derr := decodeEnvelope(msg)
			if derr != nil {
				b.logger.Warn().Err(derr).Str("room", roomID).Msg("dropping undecodable envelope")
			} else {
				fn(env)
			}
			if aerr := msg.Ack(); aerr != nil {
				b.logger.Warn().Err(aerr).Str("room", roomID).Msg("ack failed")
			}
		}

		if len(msgs) < fetchBatchSize {
			return nil
		}
	}
}

// Earliest peeks at the oldest message still retained for the room's subject.
func (b *JetStream) Earliest(ctx context.Context, roomID string) (uint64, error) {
	sub, err := b.js.PullSubscribe(b.eventSubject(roomID), "",
		nats.DeliverAll(),
		nats.AckExplicit(),
		nats.BindStream(b.cfg.StreamName),
	)
	if err != nil {
		return 0, fmt.Errorf("peek consumer %s: %w", roomID, err)
	}
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(1, nats.MaxWait(fetchMaxWait))
	if errors.Is(err, nats.ErrTimeout) || len(msgs) == 0 {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("peek %s: %w", roomID, err)
	}

	meta, err := msgs[0].Metadata()
	if err != nil {
		return 0, fmt.Errorf("peek metadata: %w", err)
	}
	return meta.Sequence.Stream, nil
}

// Publish appends an event to the room's subject.
func (b *JetStream) Publish(ctx context.Context, roomID string, event []byte) (uint64, error) {
	body, err := json.Marshal(envelopeBody{
		RoomID:    roomID,
		Event:     event,
		EmittedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	ack, err := b.js.Publish(b.eventSubject(roomID), body, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", roomID, err)
	}
	return ack.Sequence, nil
}

// PublishPresence emits a presence payload via core NATS, outside JetStream.
func (b *JetStream) PublishPresence(roomID string, data []byte) error {
	return b.nc.Publish(b.presenceSubject(roomID), data)
}

// Drain gracefully drains the connection, flushing in-flight acks.
func (b *JetStream) Drain() error {
	return b.nc.Drain()
}
