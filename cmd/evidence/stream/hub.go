// Package stream pushes minted-identifier events to websocket subscribers
package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chittyos/evidence-ledger/common/logger"
	"github.com/chittyos/evidence-ledger/common/metrics"
	"github.com/chittyos/evidence-ledger/common/queue"
)

// Hub tracks connected clients and broadcasts events to them
type Hub struct {
	clients map[*Client]struct{}
	mutex   sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Event

	// closed when Run returns
	done chan struct{}
	log  *logger.Logger
}

// Event is one payload to broadcast. Clients watching a run only
// receive events of that run.
type Event struct {
	RunID string
	Data  []byte
}

// NewHub creates a hub. Call Run before attaching clients.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Event, 256),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's main loop. It disconnects every client when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	h.log.Debug("event hub started")
	defer func() {
		close(h.done)
		h.mutex.Lock()
		for c := range h.clients {
			h.removeLocked(c)
		}
		h.mutex.Unlock()
		h.log.Debug("event hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = struct{}{}
			h.mutex.Unlock()
			metrics.StreamClients.Inc()
			h.log.Debug("stream client registered", "run_id", c.runID, "clients", h.ClientCount())

		case c := <-h.unregister:
			h.mutex.Lock()
			h.removeLocked(c)
			h.mutex.Unlock()

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.StreamClients.Dec()
}

func (h *Hub) deliver(ev *Event) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for c := range h.clients {
		if c.runID != "" && c.runID != ev.RunID {
			continue
		}
		select {
		case c.send <- ev.Data:
		default:
			h.log.Warn("stream client too slow, disconnecting", "run_id", c.runID)
			metrics.StreamDropped.Inc()
			h.removeLocked(c)
		}
	}
}

// Broadcast queues ev for delivery. It drops ev once the hub has stopped.
func (h *Hub) Broadcast(ev *Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// Attach starts serving conn. runID limits the client to one run's events.
func (h *Hub) Attach(conn *websocket.Conn, runID string) {
	c := newClient(h, conn, runID)
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// Listen feeds every message published on topic into the hub
func (h *Hub) Listen(ctx context.Context, q queue.Queue, topic string) error {
	return q.Subscribe(ctx, topic, func(ctx context.Context, _ string, value []byte) error {
		var head struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(value, &head); err != nil {
			return err
		}
		h.Broadcast(&Event{RunID: head.RunID, Data: value})
		return nil
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
