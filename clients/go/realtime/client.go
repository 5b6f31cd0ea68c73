// Package realtime provides a Go client for the realtime delivery gateway.
// It keeps one WebSocket to the gateway, tracks the highest sequence seen per
// room, and resumes every joined room from that point after a reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zetsuchan/angstromscd-realtime/internal/protocol"
)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultHeartbeat    = 30 * time.Second
	dialTimeout         = 10 * time.Second
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client closed")

// Options configures a Client. URL is required; everything else has defaults.
type Options struct {
	URL string

	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	HeartbeatInterval time.Duration

	// OnEnvelope receives every delivered envelope, replayed and live alike,
	// in per-room sequence order.
	OnEnvelope func(env protocol.Envelope)

	// OnControl receives gateway control frames such as resync hints.
	OnControl func(c protocol.Control)

	// OnJoined fires when the gateway confirms a room join.
	OnJoined func(roomID string)

	// OnConnect fires after the hello frame of each (re)connection.
	OnConnect func(connectionID string)

	// DisableAutoAck turns off the per-envelope ack the client sends by
	// default.
	DisableAutoAck bool
}

type roomState struct {
	lastSeen uint64
	resumed  bool // true once any envelope or explicit resume point exists
}

// Client is the gateway client runtime. All methods are safe for concurrent
// use.
type Client struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	rooms  map[string]*roomState
	closed bool

	writeMu sync.Mutex

	wg sync.WaitGroup
}

// New creates a client. Start must be called to connect.
func New(opts Options) *Client {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]*roomState),
	}
}

// Start launches the connection loop. It returns immediately; delivery begins
// once the socket is up.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
}

// Join registers interest in a room. On an open socket the join frame is sent
// immediately; otherwise it is sent on the next connect.
func (c *Client) Join(roomID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	rs := c.rooms[roomID]
	if rs == nil {
		rs = &roomState{}
		c.rooms[roomID] = rs
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, joinFrame(roomID, rs))
}

// SetPresence announces an ephemeral presence state for a room. Joining is
// implied on the gateway side.
func (c *Client) SetPresence(roomID, state string, metadata json.RawMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.rooms[roomID] == nil {
		c.rooms[roomID] = &roomState{}
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.Presence{
		Type: protocol.FramePresence, RoomID: roomID, State: state, Metadata: metadata,
	})
}

// Ack reports the highest processed sequence for a room.
func (c *Client) Ack(roomID string, sequence uint64) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.Ack{
		Type: protocol.FrameAck, RoomID: roomID, Sequence: sequence,
	})
}

// LastSeen returns the highest sequence received for a room.
func (c *Client) LastSeen(roomID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rs := c.rooms[roomID]; rs != nil {
		return rs.lastSeen
	}
	return 0
}

func (c *Client) run() {
	defer c.wg.Done()

	backoff := c.opts.ReconnectMin
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dial()
		if err != nil {
			if !c.sleep(backoff) {
				return
			}
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
			continue
		}
		backoff = c.opts.ReconnectMin

		c.serve(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		closed := c.closed
		c.mu.Unlock()
		conn.Close()

		if closed {
			return
		}
		if !c.sleep(backoff) {
			return
		}
	}
}

// sleep waits for d or for Close, reporting whether the client is still live.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	return conn, err
}

// serve runs one connection to completion: wait for hello, re-join every
// known room with its resume point, then pump frames until the socket dies.
func (c *Client) serve(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = conn
	rejoins := make(map[string]*roomState, len(c.rooms))
	for roomID, rs := range c.rooms {
		rejoins[roomID] = rs
	}
	c.mu.Unlock()

	stopHeartbeat := c.startHeartbeat(conn)
	defer stopHeartbeat()

	helloSeen := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var probe struct {
			Type protocol.FrameType `json:"type"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			continue
		}

		switch probe.Type {
		case protocol.FrameHello:
			var hello protocol.Hello
			if err := json.Unmarshal(data, &hello); err != nil {
				continue
			}
			if !helloSeen {
				helloSeen = true
				for roomID, rs := range rejoins {
					if err := c.write(conn, joinFrame(roomID, rs)); err != nil {
						return
					}
				}
			}
			if c.opts.OnConnect != nil {
				c.opts.OnConnect(hello.ConnectionID)
			}

		case protocol.FrameEnvelope:
			var env protocol.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			c.record(env)
			if !c.opts.DisableAutoAck {
				frame := protocol.Ack{Type: protocol.FrameAck, RoomID: env.RoomID, Sequence: env.Sequence}
				if err := c.write(conn, frame); err != nil {
					return
				}
			}
			if c.opts.OnEnvelope != nil {
				c.opts.OnEnvelope(env)
			}

		case protocol.FrameControl:
			var ctrl protocol.Control
			if err := json.Unmarshal(data, &ctrl); err != nil {
				continue
			}
			if c.opts.OnControl != nil {
				c.opts.OnControl(ctrl)
			}

		case protocol.FrameJoined:
			var joined protocol.Joined
			if err := json.Unmarshal(data, &joined); err != nil {
				continue
			}
			if c.opts.OnJoined != nil {
				c.opts.OnJoined(joined.RoomID)
			}

		case protocol.FrameHeartbeat:
			// Echo of our own heartbeat; nothing to track.
		}
	}
}

// record advances the per-room resume point. Sequences only move forward.
func (c *Client) record(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs := c.rooms[env.RoomID]
	if rs == nil {
		rs = &roomState{}
		c.rooms[env.RoomID] = rs
	}
	if env.Sequence > rs.lastSeen {
		rs.lastSeen = env.Sequence
	}
	rs.resumed = true
}

func (c *Client) startHeartbeat(conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				frame := protocol.Heartbeat{Type: protocol.FrameHeartbeat, TS: time.Now().UnixMilli()}
				if err := c.write(conn, frame); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func (c *Client) write(conn *websocket.Conn, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// joinFrame builds the join for a room: plain on first contact, resuming from
// the last seen sequence once any history exists.
func joinFrame(roomID string, rs *roomState) protocol.JoinRoom {
	f := protocol.JoinRoom{Type: protocol.FrameJoinRoom, RoomID: roomID}
	if rs.resumed {
		seq := rs.lastSeen
		f.ResumeFromSeq = &seq
	}
	return f
}
