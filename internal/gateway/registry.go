package gateway

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/broker"
	"github.com/zetsuchan/angstromscd-realtime/internal/metrics"
)

// Registry creates, locates, and destroys Rooms on demand. One Room per
// identifier; a room whose last client left is torn down and removed so a
// later join starts clean.
type Registry struct {
	log         broker.Log
	backlogSize int
	logger      zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry builds an empty registry over the given log.
func NewRegistry(log broker.Log, backlogSize int, logger zerolog.Logger) *Registry {
	return &Registry{
		log:         log,
		backlogSize: backlogSize,
		logger:      logger,
		rooms:       make(map[string]*Room),
	}
}

// ensureRoom returns the existing Room or atomically constructs a new one.
func (g *Registry) ensureRoom(roomID string) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	if !ok {
		r = newRoom(roomID, g.log, g.backlogSize, g.logger)
		g.rooms[roomID] = r
		metrics.RoomsActive.Inc()
	}
	return r
}

// AddClient ensures the room and attaches the connection, starting the live
// subscription on first attach. An attach that races with teardown retries
// against a fresh Room.
func (g *Registry) AddClient(roomID string, s subscriber) error {
	for {
		r := g.ensureRoom(roomID)
		err := r.attach(s)
		if err == errRoomClosed {
			g.dropIfCurrent(roomID, r)
			continue
		}
		return err
	}
}

// RemoveClient detaches the connection; if the room is now empty it is
// retired, torn down, and removed from the registry.
func (g *Registry) RemoveClient(roomID string, s subscriber) {
	g.mu.Lock()
	r := g.rooms[roomID]
	g.mu.Unlock()
	if r == nil {
		return
	}

	if !r.detach(s.ID()) {
		return
	}

	g.retireIfEmpty(roomID, r)
}

// Replay delegates to the room, ensuring it exists even if no client has
// joined yet. A room created only to serve a replay is retired once that
// replay completes, so the defensive path cannot leak rooms.
func (g *Registry) Replay(roomID string, from uint64, s subscriber) {
	r := g.ensureRoom(roomID)
	r.replay(from, s, func() { g.retireIfEmpty(roomID, r) })
}

// retireIfEmpty retires and tears down a room with no attached connections,
// removing it from the registry if it is still the registered one.
func (g *Registry) retireIfEmpty(roomID string, r *Room) {
	g.mu.Lock()
	retired := g.rooms[roomID] == r && r.tryRetire()
	if retired {
		delete(g.rooms, roomID)
		metrics.RoomsActive.Dec()
	}
	g.mu.Unlock()

	if retired {
		r.teardown()
	}
}

// Rooms reports how many rooms the registry currently holds.
func (g *Registry) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Shutdown tears down every room. Called once at process exit.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	for _, r := range rooms {
		r.forceRetire()
		r.teardown()
		metrics.RoomsActive.Dec()
	}
}

// dropIfCurrent removes a retired room from the map if it is still the one
// registered for the identifier.
func (g *Registry) dropIfCurrent(roomID string, r *Room) {
	g.mu.Lock()
	if g.rooms[roomID] == r {
		delete(g.rooms, roomID)
		metrics.RoomsActive.Dec()
	}
	g.mu.Unlock()
}
