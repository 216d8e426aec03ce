// Package stream fans moderation events out to connected moderator
// dashboards over WebSocket. The hub is write-only from the server's
// point of view: clients receive a JSON event feed and may only send
// control frames.
package stream

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// PingInterval is how often the hub pings idle subscribers so dead
// connections are noticed without waiting for the next broadcast.
const PingInterval = 30 * time.Second

// client is one subscribed dashboard connection with a write mutex for
// serializing outbound frames.
type client struct {
	id      string
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *client) write(op ws.OpCode, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, op, data)
}

// Hub is a thread-safe registry of subscriber connections. Events are
// delivered best-effort: a subscriber whose write fails is dropped and
// must reconnect.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

// NewHub creates an empty hub ready for subscribers.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a subscriber. A reader goroutine drains inbound frames
// so closes are noticed promptly.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[stream] upgrade failed remote=%s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[stream] subscriber connected id=%s remote=%s total=%d", c.id, r.RemoteAddr, count)
	go h.readLoop(c)
}

// readLoop drains inbound frames for one subscriber. The feed carries no
// client commands, so data frames are discarded; a close frame or read
// error ends the subscription.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c.id)

	for {
		header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			return
		}
		if header.OpCode == ws.OpClose {
			return
		}
		if _, err := io.Copy(io.Discard, reader); err != nil {
			return
		}
	}
}

// Broadcast delivers one event payload to every subscriber. Failed
// connections are dropped.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(ws.OpText, data); err != nil {
			log.Printf("[stream] dropping subscriber id=%s: write: %v", c.id, err)
			h.drop(c.id)
		}
	}
}

// Run pings every subscriber on an interval until the context is
// cancelled, dropping connections whose ping write fails.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for _, c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				if err := c.write(ws.OpPing, nil); err != nil {
					log.Printf("[stream] dropping subscriber id=%s: ping: %v", c.id, err)
					h.drop(c.id)
				}
			}
		}
	}
}

// Count returns the current number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		c.conn.Close()
	}
}

// Close disconnects every subscriber and refuses new ones. Each open
// connection gets a normal-closure frame before the socket is closed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	frame := ws.NewCloseFrameBody(ws.StatusNormalClosure, "server shutting down")
	for _, c := range clients {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.write(ws.OpClose, frame)
		c.conn.Close()
	}
}
