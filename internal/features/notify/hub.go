package notify

import (
	"encoding/json"
	"sync"

	"brd-sync/internal/features/jobqueue"

	"go.uber.org/zap"
)

const clientBuffer = 64

// Hub fans job events out to websocket subscribers. Publish never blocks:
// a client whose buffer is full is disconnected.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	logger  *zap.Logger
}

type client struct {
	jobID string // empty receives every job
	send  chan []byte
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger.Named("notify"),
	}
}

// ProvideEventSink exposes the hub to the job queue.
func ProvideEventSink(h *Hub) jobqueue.EventSink {
	return h
}

func (h *Hub) Publish(ev jobqueue.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("Failed to encode job event", zap.Error(err))
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.jobID != "" && c.jobID != ev.JobID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Info("Dropping slow event subscriber", zap.String("job_id", c.jobID))
		h.unsubscribe(c)
	}
}

func (h *Hub) subscribe(jobID string) *client {
	c := &client{jobID: jobID, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// unsubscribe removes c and closes its channel; safe to call twice.
func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Subscribers is the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
