package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zetsuchan/angstromscd-realtime/internal/gateway"
	"github.com/zetsuchan/angstromscd-realtime/internal/ws"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from arbitrary origins; auth sits upstream.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocket upgrades the request and binds a fresh session to the socket.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	conn := ws.NewConn(id, socket, h.logger)
	sess := gateway.NewSession(id, conn, h.registry, h.presence, h.redis, h.logger)
	conn.Start(sess)

	h.logger.Debug().Str("connection", id).Str("remote_addr", r.RemoteAddr).Msg("connection opened")
}
