// Package ws owns the WebSocket transport: upgrade, read/write pumps, and
// keepalive. Frame semantics live in the session behind the Handler interface.
package ws

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zetsuchan/angstromscd-realtime/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	// ErrSendBufferFull is returned by Send when the client cannot keep up
	// with its outbound queue.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrConnClosed is returned by Send after the connection has shut down.
	ErrConnClosed = errors.New("connection closed")
)

// Handler consumes the lifecycle of one connection. Open is called once when
// the pumps start, HandleFrame for every inbound message, Close exactly once
// after the read pump exits.
type Handler interface {
	Open()
	HandleFrame(data []byte)
	Close()
}

// Conn wraps one upgraded socket with a buffered outbound queue and the
// standard gorilla read/write pump pair.
type Conn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	handler Handler
	logger  zerolog.Logger
}

// NewConn wraps an upgraded socket. The handler is attached in Start, so the
// conn can be passed to the handler's constructor as its sender first.
func NewConn(id string, ws *websocket.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("connection", id).Logger(),
	}
}

// ID returns the connection id assigned at upgrade.
func (c *Conn) ID() string { return c.id }

// Send queues one frame without blocking. A full buffer means the client is
// too slow; the caller decides whether that is fatal.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Start attaches the handler, launches the pumps, and opens the handler.
func (c *Conn) Start(handler Handler) {
	c.handler = handler
	metrics.ConnectionsOpened.Inc()
	metrics.ConnectionsActive.Inc()
	go c.writePump()
	// Open before reading so the hello precedes any frame handling.
	handler.Open()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		close(c.done)
		c.handler.Close()
		c.ws.Close()
		metrics.ConnectionsActive.Dec()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		c.handler.HandleFrame(data)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
