package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, log *fakeLog, backlogSize int) *Registry {
	t.Helper()
	return NewRegistry(log, backlogSize, zerolog.Nop())
}

func TestRoom_LiveFanOutSameOrder(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	b := &mockSub{id: "b"}
	require.NoError(t, reg.AddClient("room-1", a))
	require.NoError(t, reg.AddClient("room-1", b))

	log.publish("room-1", "one")
	log.publish("room-1", "two")
	log.publish("room-1", "three")

	assert.Equal(t, []uint64{1, 2, 3}, a.seqs())
	assert.Equal(t, []uint64{1, 2, 3}, b.seqs())
	for _, env := range a.envelopes() {
		assert.False(t, env.Replay)
	}
}

func TestRoom_NoCrossRoomDelivery(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	b := &mockSub{id: "b"}
	require.NoError(t, reg.AddClient("room-1", a))
	require.NoError(t, reg.AddClient("room-2", b))

	log.publish("room-1", "one")

	assert.Equal(t, []uint64{1}, a.seqs())
	assert.Empty(t, b.seqs())
}

func TestRoom_SingleSubscriptionOnConcurrentJoins(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		id := string(rune('a' + i))
		go func() {
			done <- reg.AddClient("room-1", &mockSub{id: id})
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	assert.Equal(t, 1, reg.Rooms())
	assert.True(t, log.hasTail("room-1"))
}

func TestRoom_BacklogBound(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 3)

	a := &mockSub{id: "a"}
	require.NoError(t, reg.AddClient("room-1", a))

	for i := 0; i < 5; i++ {
		log.publish("room-1", "e")
	}

	r := reg.ensureRoom("room-1")
	require.Equal(t, 3, r.backlogLen())

	// The retained tail is exactly {3,4,5}.
	late := &mockSub{id: "late"}
	require.NoError(t, reg.AddClient("room-1", late))
	reg.Replay("room-1", 2, late)
	assert.Equal(t, []uint64{3, 4, 5}, late.seqs())
}

func TestRoom_ReplayFromBacklog(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	require.NoError(t, reg.AddClient("room-1", a))
	log.publish("room-1", "one")
	log.publish("room-1", "two")
	log.publish("room-1", "three")

	late := &mockSub{id: "late"}
	require.NoError(t, reg.AddClient("room-1", late))
	reg.Replay("room-1", 0, late)

	require.Equal(t, []uint64{1, 2, 3}, late.seqs())
	for _, env := range late.envelopes() {
		assert.True(t, env.Replay)
		assert.Equal(t, "room-1", env.RoomID)
	}
	assert.True(t, late.replayDone())
}

func TestRoom_ReplayPastHeadIsEmpty(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	require.NoError(t, reg.AddClient("room-1", a))
	log.publish("room-1", "one")
	log.publish("room-1", "two")

	reg.Replay("room-1", 99, a)

	// Envelopes 1 and 2 arrived live; nothing was replayed on top.
	assert.Equal(t, []uint64{1, 2}, a.seqs())
	assert.Empty(t, a.sentControls())
}

func TestRoom_HistoricalReplayBeyondBacklog(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 2)

	a := &mockSub{id: "a"}
	require.NoError(t, reg.AddClient("room-1", a))
	for i := 0; i < 5; i++ {
		log.publish("room-1", "e")
	}

	// Backlog holds only {4,5}; resume from 0 must hit the durable log.
	late := &mockSub{id: "late"}
	require.NoError(t, reg.AddClient("room-1", late))
	reg.Replay("room-1", 0, late)

	require.Eventually(t, late.replayDone, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, late.seqs())
	for _, env := range late.envelopes() {
		assert.True(t, env.Replay)
	}
	assert.Empty(t, late.sentControls())

	// Fetched history fed the backlog for the next replayer.
	r := reg.ensureRoom("room-1")
	assert.Equal(t, 2, r.backlogLen())
}

func TestRoom_ReplayGapSignalsResync(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 2)

	a := &mockSub{id: "a"}
	require.NoError(t, reg.AddClient("room-1", a))
	for i := 0; i < 5; i++ {
		log.publish("room-1", "e")
	}
	log.purgeBefore("room-1", 3)

	late := &mockSub{id: "late"}
	require.NoError(t, reg.AddClient("room-1", late))
	reg.Replay("room-1", 0, late)

	require.Eventually(t, late.replayDone, time.Second, 5*time.Millisecond)

	// The log can still serve 3..5; the gap below 3 triggers a resync hint.
	assert.Equal(t, []uint64{3, 4, 5}, late.seqs())
	controls := late.sentControls()
	require.Len(t, controls, 1)
	assert.Equal(t, "resync", controls[0].Action)
	assert.Equal(t, "room-1", controls[0].RoomID)
	assert.Equal(t, uint64(3), controls[0].FromSeq)
}

func TestRoom_FailedTailLeavesNoSubscriber(t *testing.T) {
	log := newFakeLog()
	log.tailErr = errors.New("broker unavailable")
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	require.Error(t, reg.AddClient("room-1", a))

	// The broker recovers and someone else joins; the failed joiner must
	// not receive anything.
	log.tailErr = nil
	b := &mockSub{id: "b"}
	require.NoError(t, reg.AddClient("room-1", b))

	log.publish("room-1", "one")

	assert.Empty(t, a.seqs())
	assert.Equal(t, []uint64{1}, b.seqs())
}

func TestRegistry_ReplayOnEmptyRoomRetires(t *testing.T) {
	log := newFakeLog()
	log.publish("room-1", "one")
	log.publish("room-1", "two")
	reg := newTestRegistry(t, log, 16)

	// Replay without a join: served from the durable log, then the room
	// created to serve it goes away.
	s := &mockSub{id: "a"}
	reg.Replay("room-1", 0, s)

	require.Eventually(t, s.replayDone, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{1, 2}, s.seqs())
	require.Eventually(t, func() bool { return reg.Rooms() == 0 }, time.Second, 5*time.Millisecond)

	// A replay on a joined room leaves the room in place.
	a := &mockSub{id: "joined"}
	require.NoError(t, reg.AddClient("room-1", a))
	reg.Replay("room-1", 0, a)
	require.Eventually(t, func() bool { return a.replayDone() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reg.Rooms())
	assert.True(t, log.hasTail("room-1"))
}

func TestRoom_TeardownOnLastLeave(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	b := &mockSub{id: "b"}
	require.NoError(t, reg.AddClient("room-1", a))
	require.NoError(t, reg.AddClient("room-1", b))
	log.publish("room-1", "one")

	reg.RemoveClient("room-1", a)
	assert.True(t, log.hasTail("room-1"), "room still has a client")
	assert.Equal(t, 1, reg.Rooms())

	reg.RemoveClient("room-1", b)
	assert.False(t, log.hasTail("room-1"))
	assert.Equal(t, 0, reg.Rooms())
	assert.Equal(t, 1, log.drained())
}

func TestRoom_RejoinStartsCold(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	require.NoError(t, reg.AddClient("room-1", a))
	log.publish("room-1", "one")
	log.publish("room-1", "two")
	reg.RemoveClient("room-1", a)

	// Fresh room object, cold backlog, new subscription.
	b := &mockSub{id: "b"}
	require.NoError(t, reg.AddClient("room-1", b))
	require.True(t, log.hasTail("room-1"))
	assert.Equal(t, 0, reg.ensureRoom("room-1").backlogLen())

	log.publish("room-1", "three")
	assert.Equal(t, []uint64{3}, b.seqs())
}

func TestRoom_CloseOneConnectionKeepsOthers(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	a := &mockSub{id: "a"}
	b := &mockSub{id: "b"}
	require.NoError(t, reg.AddClient("room-1", a))
	require.NoError(t, reg.AddClient("room-1", b))

	log.publish("room-1", "one")
	reg.RemoveClient("room-1", a)
	log.publish("room-1", "two")

	assert.Equal(t, []uint64{1}, a.seqs())
	assert.Equal(t, []uint64{1, 2}, b.seqs())
}

func TestRegistry_Shutdown(t *testing.T) {
	log := newFakeLog()
	reg := newTestRegistry(t, log, 16)

	require.NoError(t, reg.AddClient("room-1", &mockSub{id: "a"}))
	require.NoError(t, reg.AddClient("room-2", &mockSub{id: "b"}))
	require.Equal(t, 2, reg.Rooms())

	reg.Shutdown()

	assert.Equal(t, 0, reg.Rooms())
	assert.False(t, log.hasTail("room-1"))
	assert.False(t, log.hasTail("room-2"))
}
