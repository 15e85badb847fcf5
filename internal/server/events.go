package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names on the /events stream.
const (
	EventSession  = "session"
	EventNavigate = "navigate"
)

const clientBuffer = 16

type event struct {
	name string
	data []byte
}

// Hub fans events out to connected /events streams.
type Hub struct {
	logger zerolog.Logger

	mu      sync.Mutex
	clients map[string]chan event
	closed  bool
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "events").Logger(),
		clients: make(map[string]chan event),
	}
}

// Publish sends v as JSON to every connected stream. A stream that is not
// keeping up loses the event.
func (h *Hub) Publish(name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error().Err(err).Str("event", name).Msg("Failed to encode event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.clients {
		select {
		case ch <- event{name: name, data: data}:
		default:
			h.logger.Warn().Str("client", id).Str("event", name).Msg("Event stream is full, dropping event")
		}
	}
}

// Clients returns the number of connected streams.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close ends every stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.clients {
		close(ch)
		delete(h.clients, id)
	}
}

func (h *Hub) register() (string, <-chan event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", nil, false
	}
	id := uuid.NewString()
	ch := make(chan event, clientBuffer)
	h.clients[id] = ch
	return id, ch, true
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[id]; ok {
		close(ch)
		delete(h.clients, id)
	}
}

// eventsHandler handles GET /events as a Server-Sent Events stream.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, events, ok := s.hub.register()
	if !ok {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.hub.unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	out := sseFlushWriter{w: w, f: flusher}
	log := s.logger.With().Str("client", id).Logger()
	log.Info().Msg("Event stream connected")

	// The first event is the current session so clients never start blind.
	if _, err := writeEvent(out, EventSession, s.status()); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("Event stream disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(out, "event: %s\ndata: %s\n\n", ev.name, ev.data); err != nil {
				log.Debug().Err(err).Msg("Event stream write failed")
				return
			}
		}
	}
}

func writeEvent(w sseFlushWriter, name string, v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
