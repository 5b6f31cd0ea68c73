package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/broker"
	"github.com/zetsuchan/angstromscd-realtime/internal/metrics"
	"github.com/zetsuchan/angstromscd-realtime/internal/protocol"
)

// roomState is the lifecycle of a Room's live subscription.
// Joins and leaves drive the transitions:
//
//	Empty -> Starting -> Active -> Draining -> Gone
type roomState int

const (
	roomEmpty roomState = iota
	roomStarting
	roomActive
	roomDraining
	roomGone
)

// errRoomClosed signals that an attach raced with teardown; the registry
// retries against a fresh Room.
var errRoomClosed = errors.New("room is shutting down")

// subscriber is the Room's view of an attached connection.
type subscriber interface {
	ID() string
	Deliver(env protocol.Envelope)
	SendControl(c protocol.Control)
	EndReplay(roomID string)
}

// Room owns one room's live subscription, bounded backlog, and attached
// connection set. The backlog and connection set are mutated only under mu;
// the live tail is a single broker cursor whose lifetime matches the Room's.
type Room struct {
	id     string
	log    broker.Log
	logger zerolog.Logger

	// ctx cancels in-flight historical fetches on teardown.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	state   roomState
	sub     broker.Subscription
	backlog *backlog
	conns   map[string]subscriber
}

func newRoom(id string, log broker.Log, backlogSize int, logger zerolog.Logger) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		id:      id,
		log:     log,
		logger:  logger.With().Str("room", id).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		backlog: newBacklog(backlogSize),
		conns:   make(map[string]subscriber),
	}
}

// attach adds a connection and starts the live subscription on first attach.
// The Starting state ensures two near-simultaneous first-joins start exactly
// one subscription.
func (r *Room) attach(s subscriber) error {
	r.mu.Lock()
	if r.state == roomDraining || r.state == roomGone {
		r.mu.Unlock()
		return errRoomClosed
	}
	r.conns[s.ID()] = s
	start := r.state == roomEmpty
	if start {
		r.state = roomStarting
	}
	r.mu.Unlock()

	if !start {
		return nil
	}

	sub, err := r.log.TailNew(r.id, r.handleLive)

	r.mu.Lock()
	if err != nil {
		// The join failed; the connection must not linger and start
		// receiving once a later attach brings the tail up.
		delete(r.conns, s.ID())
		r.state = roomEmpty
		r.mu.Unlock()
		metrics.BrokerErrors.WithLabelValues("tail").Inc()
		return err
	}
	if len(r.conns) == 0 {
		// Everyone left while the subscription was being set up.
		r.state = roomDraining
		r.mu.Unlock()
		if derr := sub.Drain(); derr != nil {
			r.logger.Warn().Err(derr).Msg("drain of unused subscription failed")
		}
		r.setGone()
		return errRoomClosed
	}
	r.sub = sub
	r.state = roomActive
	r.mu.Unlock()

	r.logger.Info().Msg("live tail started")
	return nil
}

// detach removes a connection and reports whether the room is now empty.
func (r *Room) detach(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
	return len(r.conns) == 0
}

// tryRetire transitions an empty room to Draining so no further attaches
// succeed. Returns false if a connection attached in the meantime.
func (r *Room) tryRetire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) > 0 || r.state == roomDraining || r.state == roomGone {
		return false
	}
	r.state = roomDraining
	return true
}

// teardown drains the live subscription and clears the backlog. Drain
// failures are logged, never fatal: the room is gone regardless. Callers must
// have moved the room to Draining first (tryRetire or forceRetire).
func (r *Room) teardown() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.backlog.clear()
	r.mu.Unlock()

	r.cancel()

	if sub != nil {
		if err := sub.Drain(); err != nil {
			r.logger.Warn().Err(err).Msg("subscription drain failed")
		}
	}

	r.setGone()
	r.logger.Info().Msg("room torn down")
}

// forceRetire moves the room to Draining regardless of attached connections.
// Used at process shutdown.
func (r *Room) forceRetire() {
	r.mu.Lock()
	r.state = roomDraining
	r.conns = make(map[string]subscriber)
	r.mu.Unlock()
}

func (r *Room) setGone() {
	r.mu.Lock()
	r.state = roomGone
	r.mu.Unlock()
}

// handleLive is the live-tail callback: append to the backlog, fan out to
// every attached connection. Slow or dead clients never block the others;
// per-connection send buffering handles that downstream.
func (r *Room) handleLive(env protocol.Envelope) {
	r.mu.Lock()
	if r.state == roomDraining || r.state == roomGone {
		r.mu.Unlock()
		return
	}
	r.backlog.insert(env)
	subs := make([]subscriber, 0, len(r.conns))
	for _, s := range r.conns {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.Deliver(env)
	}
	metrics.EnvelopesFannedOut.Add(float64(len(subs)))
}

// replay delivers every retained envelope with sequence > from to one
// subscriber, marked replay=true. Short ranges come straight from the
// backlog; anything older runs a historical fetch against the durable log in
// its own goroutine. The subscriber must already be in replay mode (live
// envelopes buffered) when this is called; EndReplay is always invoked when
// delivery completes, then done (if non-nil).
func (r *Room) replay(from uint64, s subscriber, done func()) {
	r.mu.Lock()
	oldest, ok := r.backlog.oldest()
	if ok && from+1 >= oldest {
		entries := r.backlog.after(from)
		r.mu.Unlock()

		metrics.ReplayRequests.WithLabelValues("backlog").Inc()
		for _, env := range entries {
			env.Replay = true
			s.Deliver(env)
		}
		metrics.ReplayEnvelopes.Add(float64(len(entries)))
		s.EndReplay(r.id)
		if done != nil {
			done()
		}
		return
	}
	r.mu.Unlock()

	go func() {
		r.fetchHistory(from, s)
		s.EndReplay(r.id)
		if done != nil {
			done()
		}
	}()
}

// fetchHistory serves a replay the backlog cannot cover: pull from the
// durable log starting at from+1, forward to the requesting subscriber only,
// and feed the backlog along the way. When the requested resume point
// predates retained history, a control frame tells the client to resync from
// the system of record; the gateway never fabricates missing envelopes.
func (r *Room) fetchHistory(from uint64, s subscriber) {
	metrics.ReplayRequests.WithLabelValues("log").Inc()

	earliest, err := r.log.Earliest(r.ctx, r.id)
	if err != nil {
		r.logger.Warn().Err(err).Msg("earliest-sequence probe failed")
		metrics.BrokerErrors.WithLabelValues("fetch").Inc()
	} else if earliest > 0 && from+1 < earliest {
		r.logger.Info().
			Uint64("from", from).
			Uint64("earliest", earliest).
			Msg("resume point predates retained history")
		s.SendControl(protocol.Control{
			Type:    protocol.FrameControl,
			Action:  protocol.ControlResync,
			RoomID:  r.id,
			FromSeq: earliest,
		})
	}

	delivered := 0
	err = r.log.FetchFrom(r.ctx, r.id, from+1, func(env protocol.Envelope) {
		r.mu.Lock()
		r.backlog.insert(env)
		r.mu.Unlock()

		env.Replay = true
		s.Deliver(env)
		delivered++
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn().Err(err).Uint64("from", from).Msg("historical fetch failed")
		metrics.BrokerErrors.WithLabelValues("fetch").Inc()
	}

	metrics.ReplayEnvelopes.Add(float64(delivered))
	if delivered > 0 {
		r.logger.Debug().Int("envelopes", delivered).Uint64("from", from).Msg("historical replay served")
	}
}

// backlogLen is exposed for tests.
func (r *Room) backlogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backlog.len()
}
