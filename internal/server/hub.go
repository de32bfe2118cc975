package server

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TheSigmaSociety/DisasterDesk/internal/logging"
	"github.com/TheSigmaSociety/DisasterDesk/internal/session"
)

var _ session.Observer = (*Hub)(nil)

// Hub fans call events out to every connected dispatch dashboard. It is the
// session observer shared by all calls.
type Hub struct {
	eventObserver

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	log     zerolog.Logger
}

func NewHub() *Hub {
	h := &Hub{
		clients: make(map[chan []byte]struct{}),
		log:     logging.WithComponent("hub"),
	}
	h.eventObserver = eventObserver{emit: h.broadcastEvent}
	return h
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast never blocks; slow subscribers miss messages.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("event marshal error")
		return
	}
	h.Broadcast(payload)
}
