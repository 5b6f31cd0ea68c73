package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zetsuchan/angstromscd-realtime/internal/broker"
	"github.com/zetsuchan/angstromscd-realtime/internal/protocol"
)

// fakeLog is an in-memory broker.Log for tests: a per-room retained log with
// broker-assigned sequences, one live tail per room, and recorded presence
// publishes.
type fakeLog struct {
	mu       sync.Mutex
	nextSeq  uint64
	stored   map[string][]protocol.Envelope
	tails    map[string]broker.Handler
	presence map[string][][]byte
	tailErr  error
	drains   int
}

func newFakeLog() *fakeLog {
	return &fakeLog{
		stored:   make(map[string][]protocol.Envelope),
		tails:    make(map[string]broker.Handler),
		presence: make(map[string][][]byte),
	}
}

// publish appends an event to the retained log and feeds the live tail.
func (f *fakeLog) publish(roomID, event string) uint64 {
	f.mu.Lock()
	f.nextSeq++
	env := protocol.Envelope{
		Type:      protocol.FrameEnvelope,
		Sequence:  f.nextSeq,
		RoomID:    roomID,
		Event:     json.RawMessage(fmt.Sprintf(`{"body":%q}`, event)),
		EmittedAt: time.Now().UTC(),
	}
	f.stored[roomID] = append(f.stored[roomID], env)
	fn := f.tails[roomID]
	f.mu.Unlock()

	if fn != nil {
		fn(env)
	}
	return env.Sequence
}

// purgeBefore drops retained envelopes with sequence < seq, simulating
// discard-oldest retention.
func (f *fakeLog) purgeBefore(roomID string, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.stored[roomID][:0]
	for _, env := range f.stored[roomID] {
		if env.Sequence >= seq {
			kept = append(kept, env)
		}
	}
	f.stored[roomID] = kept
}

func (f *fakeLog) hasTail(roomID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.tails[roomID]
	return ok
}

func (f *fakeLog) drained() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drains
}

func (f *fakeLog) presenceEvents(roomID string) []PresenceEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PresenceEvent, 0, len(f.presence[roomID]))
	for _, data := range f.presence[roomID] {
		var evt PresenceEvent
		if json.Unmarshal(data, &evt) == nil {
			out = append(out, evt)
		}
	}
	return out
}

func (f *fakeLog) TailNew(roomID string, fn broker.Handler) (broker.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tailErr != nil {
		return nil, f.tailErr
	}
	f.tails[roomID] = fn
	return &fakeSub{log: f, roomID: roomID}, nil
}

func (f *fakeLog) FetchFrom(ctx context.Context, roomID string, from uint64, fn broker.Handler) error {
	f.mu.Lock()
	matched := make([]protocol.Envelope, 0)
	for _, env := range f.stored[roomID] {
		if env.Sequence >= from {
			matched = append(matched, env)
		}
	}
	f.mu.Unlock()

	for _, env := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(env)
	}
	return nil
}

func (f *fakeLog) Earliest(ctx context.Context, roomID string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stored[roomID]) == 0 {
		return 0, nil
	}
	return f.stored[roomID][0].Sequence, nil
}

func (f *fakeLog) Publish(ctx context.Context, roomID string, event []byte) (uint64, error) {
	return f.publish(roomID, string(event)), nil
}

func (f *fakeLog) PublishPresence(roomID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence[roomID] = append(f.presence[roomID], append([]byte(nil), data...))
	return nil
}

func (f *fakeLog) Drain() error {
	return nil
}

type fakeSub struct {
	log    *fakeLog
	roomID string
}

func (s *fakeSub) Drain() error {
	s.log.mu.Lock()
	defer s.log.mu.Unlock()
	delete(s.log.tails, s.roomID)
	s.log.drains++
	return nil
}

// mockSub is a test subscriber recording everything delivered to it.
type mockSub struct {
	id string

	mu       sync.Mutex
	got      []protocol.Envelope
	controls []protocol.Control
	ends     int
}

func (m *mockSub) ID() string { return m.id }

func (m *mockSub) Deliver(env protocol.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, env)
}

func (m *mockSub) SendControl(c protocol.Control) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, c)
}

func (m *mockSub) EndReplay(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends++
}

func (m *mockSub) envelopes() []protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Envelope(nil), m.got...)
}

func (m *mockSub) seqs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.got))
	for i, env := range m.got {
		out[i] = env.Sequence
	}
	return out
}

func (m *mockSub) sentControls() []protocol.Control {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Control(nil), m.controls...)
}

func (m *mockSub) replayDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ends > 0
}
