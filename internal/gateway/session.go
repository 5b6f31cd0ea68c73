package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/metrics"
	"github.com/zetsuchan/angstromscd-realtime/internal/protocol"
	"github.com/zetsuchan/angstromscd-realtime/internal/store"
)

// Sender pushes an encoded frame toward one socket. Implementations must not
// block: a slow client is the sender's problem, never the room's.
type Sender interface {
	Send(data []byte) error
}

type sessionState int

const (
	sessionConnecting sessionState = iota
	sessionOpen
	sessionClosed
)

// roomDelivery is the per-room delivery state on one session: the high-water
// mark enforcing per-connection sequence monotonicity, and the buffer that
// holds live envelopes aside while a replay is in flight so replayed history
// always lands first.
type roomDelivery struct {
	highWater uint64
	replaying int
	pending   []protocol.Envelope
	acked     uint64
}

// Session is the per-socket state machine. It translates inbound frames into
// registry and presence operations and serializes outbound envelopes through
// a single per-connection path, which is what guarantees that a client never
// observes a sequence lower than one it already received.
type Session struct {
	id       string
	sender   Sender
	registry *Registry
	presence *Publisher
	acks     *store.RedisStore // optional, may be nil
	logger   zerolog.Logger

	mu    sync.Mutex
	state sessionState
	rooms map[string]*roomDelivery

	now func() time.Time
}

// NewSession creates a session in the Connecting state.
func NewSession(id string, sender Sender, registry *Registry, presence *Publisher, acks *store.RedisStore, logger zerolog.Logger) *Session {
	return &Session{
		id:       id,
		sender:   sender,
		registry: registry,
		presence: presence,
		acks:     acks,
		logger:   logger.With().Str("connection", id).Logger(),
		state:    sessionConnecting,
		rooms:    make(map[string]*roomDelivery),
		now:      time.Now,
	}
}

// ID returns the stable connection id.
func (s *Session) ID() string {
	return s.id
}

// Open transitions to the Open state and emits the hello frame.
func (s *Session) Open() {
	s.mu.Lock()
	if s.state != sessionConnecting {
		s.mu.Unlock()
		return
	}
	s.state = sessionOpen
	s.mu.Unlock()

	s.send(protocol.NewHello(s.id))
}

// Close is terminal: the connection is removed from every joined room.
// Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = sessionClosed
	joined := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		joined = append(joined, roomID)
	}
	s.mu.Unlock()

	for _, roomID := range joined {
		s.registry.RemoveClient(roomID, s)
		if s.presence != nil {
			s.presence.Departed(context.Background(), roomID, s.id)
		}
	}
	s.logger.Debug().Int("rooms", len(joined)).Msg("session closed")
}

// HandleFrame parses and dispatches one inbound frame. A malformed or unknown
// frame is dropped with a logged warning; the connection stays open.
func (s *Session) HandleFrame(data []byte) {
	s.mu.Lock()
	open := s.state == sessionOpen
	s.mu.Unlock()
	if !open {
		return
	}

	frame, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed"
		if json.Valid(data) {
			reason = "unknown_type"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		s.logger.Warn().Err(err).Msg("dropping inbound frame")
		return
	}

	switch f := frame.(type) {
	case protocol.JoinRoom:
		s.handleJoin(f)
	case protocol.ResumeFromSeq:
		s.handleResume(f)
	case protocol.Ack:
		s.handleAck(f)
	case protocol.Presence:
		s.handlePresence(f)
	case protocol.Heartbeat:
		s.send(protocol.Heartbeat{Type: protocol.FrameHeartbeat, TS: s.now().UnixMilli()})
	}
}

func (s *Session) handleJoin(f protocol.JoinRoom) {
	if f.ResumeFromSeq != nil {
		// Enter replay mode before attaching so live envelopes that arrive
		// mid-replay are held until history has been delivered.
		s.beginReplay(f.RoomID)
	} else {
		s.trackRoom(f.RoomID)
	}

	if err := s.registry.AddClient(f.RoomID, s); err != nil {
		s.logger.Warn().Err(err).Str("room", f.RoomID).Msg("join failed")
		if f.ResumeFromSeq != nil {
			s.EndReplay(f.RoomID)
		}
		return
	}

	s.send(protocol.Joined{Type: protocol.FrameJoined, RoomID: f.RoomID})

	// The room ends replay mode once delivery completes, including for
	// historical fetches that outlive this call.
	if f.ResumeFromSeq != nil {
		s.registry.Replay(f.RoomID, *f.ResumeFromSeq, s)
	}
}

// handleResume triggers replay without re-joining; an unjoined room is
// treated as a join+replay for robustness.
func (s *Session) handleResume(f protocol.ResumeFromSeq) {
	s.beginReplay(f.RoomID)

	// Attaching is idempotent, so an already-joined room is unaffected and
	// an unjoined one becomes a join.
	if err := s.registry.AddClient(f.RoomID, s); err != nil {
		s.logger.Warn().Err(err).Str("room", f.RoomID).Msg("resume join failed")
		s.EndReplay(f.RoomID)
		return
	}

	s.registry.Replay(f.RoomID, f.Sequence, s)
}

// handleAck records advisory bookkeeping; live-tail delivery never depends
// on client acks.
func (s *Session) handleAck(f protocol.Ack) {
	s.mu.Lock()
	rd := s.rooms[f.RoomID]
	if rd != nil && f.Sequence > rd.acked {
		rd.acked = f.Sequence
	}
	s.mu.Unlock()

	if s.acks != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.acks.RecordAck(ctx, s.id, f.RoomID, f.Sequence); err != nil {
			s.logger.Warn().Err(err).Str("room", f.RoomID).Msg("ack snapshot failed")
		}
	}
}

// handlePresence forwards to the presence publisher. Presence implies
// interest: an unjoined room is joined first.
func (s *Session) handlePresence(f protocol.Presence) {
	if !s.joined(f.RoomID) {
		s.trackRoom(f.RoomID)
		if err := s.registry.AddClient(f.RoomID, s); err != nil {
			s.logger.Warn().Err(err).Str("room", f.RoomID).Msg("presence join failed")
		}
	}
	if s.presence != nil {
		s.presence.Publish(context.Background(), f.RoomID, s.id, f.State, f.Metadata)
	}
}

// Acked returns the last sequence the client acknowledged for a room.
func (s *Session) Acked(roomID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rd := s.rooms[roomID]; rd != nil {
		return rd.acked
	}
	return 0
}

func (s *Session) joined(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// trackRoom creates the per-room delivery state if absent.
func (s *Session) trackRoom(roomID string) *roomDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	rd := s.rooms[roomID]
	if rd == nil {
		rd = &roomDelivery{}
		s.rooms[roomID] = rd
	}
	return rd
}

// beginReplay puts the room into replay mode. Nested replays are counted;
// buffered live envelopes flush when the count returns to zero.
func (s *Session) beginReplay(roomID string) {
	rd := s.trackRoom(roomID)
	s.mu.Lock()
	rd.replaying++
	s.mu.Unlock()
}

// EndReplay leaves replay mode and flushes the live envelopes buffered while
// it was in flight, in ascending sequence order, skipping anything at or
// below the high-water mark.
func (s *Session) EndReplay(roomID string) {
	s.mu.Lock()
	rd := s.rooms[roomID]
	if rd == nil {
		s.mu.Unlock()
		return
	}
	rd.replaying--
	if rd.replaying > 0 {
		s.mu.Unlock()
		return
	}
	rd.replaying = 0
	pending := rd.pending
	rd.pending = nil
	sort.Slice(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	flush := pending[:0]
	for _, env := range pending {
		if env.Sequence > rd.highWater {
			rd.highWater = env.Sequence
			flush = append(flush, env)
		}
	}
	s.mu.Unlock()

	for _, env := range flush {
		s.send(env)
	}
}

// Deliver queues one envelope toward the client. Within a session every
// envelope passes through here — live fan-out and replay alike — so sequence
// monotonicity per room holds no matter how the two interleave upstream.
func (s *Session) Deliver(env protocol.Envelope) {
	s.mu.Lock()
	if s.state != sessionOpen {
		s.mu.Unlock()
		return
	}
	rd := s.rooms[env.RoomID]
	if rd == nil {
		// Stale fan-out after leave.
		s.mu.Unlock()
		return
	}
	if !env.Replay && rd.replaying > 0 {
		rd.pending = append(rd.pending, env)
		s.mu.Unlock()
		return
	}
	if env.Sequence <= rd.highWater {
		// Duplicate or already-covered sequence (at-least-once upstream).
		s.mu.Unlock()
		return
	}
	rd.highWater = env.Sequence
	s.mu.Unlock()

	s.send(env)
}

// SendControl emits an out-of-band gateway instruction.
func (s *Session) SendControl(c protocol.Control) {
	s.send(c)
}

// send marshals and writes one frame, fire-and-forget. Failures are logged
// and swallowed; a dead client is detected by the transport, not here.
func (s *Session) send(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("frame marshal failed")
		return
	}
	if err := s.sender.Send(data); err != nil {
		metrics.SendFailures.Inc()
		s.logger.Warn().Err(err).Msg("socket send failed")
	}
}
