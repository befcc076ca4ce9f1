package ingress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub broadcasts operational events (inbound deliveries, flushed turns,
// emitted replies) to connected websocket observers. Observers that fall
// behind are disconnected rather than allowed to block the broadcaster.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

type hubConn struct {
	ws   *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Ops feed is token-guarded; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}
}

// Publish fans an event out to every observer. Safe to call from any
// goroutine; never blocks.
func (h *Hub) Publish(kind string, payload interface{}) {
	msg, err := json.Marshal(map[string]interface{}{
		"kind": kind,
		"at":   time.Now().Format(time.RFC3339),
		"data": payload,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	for c := range h.conns {
		select {
		case c.send <- msg:
		default:
			delete(h.conns, c)
			close(c.send)
		}
	}
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &hubConn{ws: ws, send: make(chan []byte, 64)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop(h)
}

func (c *hubConn) writeLoop() {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer c.ws.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "slow consumer"))
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *hubConn) readLoop(h *Hub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.conns[c]; ok {
			delete(h.conns, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(512)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// Observers reports the number of connected clients.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
