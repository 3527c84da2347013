package transport

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrNoTransport = errors.New("no transport for id")

// Hub is the directory of connected client transports, keyed by an opaque
// transport id. It is the single thread-safe entry point for routing
// outbound messages: the orchestrator's event path, bridge result callbacks
// and housekeeping all go through it.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	log   *logrus.Logger
}

func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{conns: make(map[string]*Conn), log: log}
}

func (h *Hub) Register(id string, c *Conn) {
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Send(id string, v any) error {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return ErrNoTransport
	}
	return c.WriteJSON(v)
}

// Broadcast writes to every connected transport. Write failures are logged
// and skipped; a dead client must not block the others.
func (h *Hub) Broadcast(v any) {
	h.mu.RLock()
	conns := make(map[string]*Conn, len(h.conns))
	for id, c := range h.conns {
		conns[id] = c
	}
	h.mu.RUnlock()

	for id, c := range conns {
		if err := c.WriteJSON(v); err != nil {
			h.log.WithError(err).WithField("transport_id", id).Debug("broadcast write failed")
		}
	}
}

// CloseAll force-disconnects every client. Used after the shutdown
// broadcast.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
