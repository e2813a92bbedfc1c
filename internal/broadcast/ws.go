package broadcast

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/observability"
)

// WSHub is the websocket transport for the broadcaster: one writer goroutine
// per attached session drains that session's channel onto the socket.
type WSHub struct {
	caster *Broadcaster
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

func NewWSHub(caster *Broadcaster, logger *slog.Logger) *WSHub {
	return &WSHub{caster: caster, logger: logger, conns: make(map[string]*websocket.Conn)}
}

// Add takes ownership of conn for sessionID. A newer connection for the same
// session displaces the old one.
func (h *WSHub) Add(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	if old, ok := h.conns[sessionID]; ok {
		_ = old.Close()
	}
	h.conns[sessionID] = conn
	h.mu.Unlock()

	ch := h.caster.Attach(sessionID)
	observability.WSSessions.Inc()

	go h.writeLoop(sessionID, conn, ch)
	go h.readLoop(sessionID, conn)
}

func (h *WSHub) writeLoop(sessionID string, conn *websocket.Conn, ch <-chan Event) {
	defer observability.WSSessions.Dec()
	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			if h.logger != nil {
				h.logger.Debug("ws write failed", "session_id", sessionID, "error", err)
			}
			h.Remove(sessionID, conn)
			// keep draining so the broadcaster never blocks
			for range ch {
			}
			return
		}
	}
}

// readLoop exists only to notice the peer going away; driver responses
// arrive over the REST API, not the socket.
func (h *WSHub) readLoop(sessionID string, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Remove(sessionID, conn)
			return
		}
	}
}

// Remove detaches sessionID if conn is still its current connection.
func (h *WSHub) Remove(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	current, ok := h.conns[sessionID]
	if ok && current == conn {
		delete(h.conns, sessionID)
		h.mu.Unlock()
		h.caster.Detach(sessionID)
		_ = conn.Close()
		return
	}
	h.mu.Unlock()
}
