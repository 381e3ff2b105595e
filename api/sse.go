package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mqttlens/session"
	"mqttlens/topic"
)

// SSE event type constants. Session events keep their own kind names.
const (
	eventStats = "stats"
)

// statsInterval is how often connected clients receive a stats snapshot.
var statsInterval = 10 * time.Second

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type  string
	Topic string // set for message and match events (for filtering)
	Rule  string // set for match events (for filtering)
	Data  interface{}
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	logger     zerolog.Logger
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub(logger zerolog.Logger) *eventHub {
	hub := &eventHub{
		logger:     logger,
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					h.logger.Debug().Str("client", client.id).Str("event", event.Type).Msg("SSE client buffer full, dropping event")
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Debug().Str("event", event.Type).Msg("SSE broadcast channel full, dropping event")
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// sseFilter selects which events a client receives.
type sseFilter struct {
	types map[string]bool
	topic string // MQTT topic filter
	rules map[string]bool
}

func splitSet(s string) map[string]bool {
	if s == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}

func (f sseFilter) allows(ev sseEvent) bool {
	if f.types != nil && !f.types[ev.Type] {
		return false
	}
	// Topic and rule filters apply only to events that carry them.
	if f.topic != "" && ev.Topic != "" && !topic.Matches(ev.Topic, f.topic) {
		return false
	}
	if f.rules != nil && ev.Rule != "" && !f.rules[ev.Rule] {
		return false
	}
	return true
}

// handleSSE serves the /api/events SSE endpoint. Query parameters:
// types (comma list of message, match, step, stats), topic (MQTT filter)
// and rules (comma list of rule names).
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	filter := sseFilter{
		types: splitSet(q.Get("types")),
		topic: q.Get("topic"),
		rules: splitSet(q.Get("rules")),
	}
	if filter.topic != "" {
		if err := topic.Validate(filter.topic); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &apiSSEClient{
		id:     "sse-" + uuid.NewString()[:8],
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if !filter.allows(event) {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, string(data))
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// toSSE converts a session event for the SSE hub.
func toSSE(ev session.Event) sseEvent {
	out := sseEvent{Type: ev.Kind, Data: ev}
	switch {
	case ev.Message != nil:
		out.Topic = ev.Message.Topic()
	case ev.Match != nil:
		out.Topic = ev.Match.Topic
		out.Rule = ev.Match.Rule
	}
	return out
}

// setupFeeds subscribes both live feeds to the session and starts the
// stats poller. Returns a cleanup function that detaches and stops them.
func (h *handlers) setupFeeds() func() {
	unsubscribe := h.insp.Subscribe(func(ev session.Event) {
		h.hub.Broadcast(toSSE(ev))
		h.ws.Publish(ev)
	})

	go h.pollStats()

	return func() {
		unsubscribe()
		h.hub.Stop()
	}
}

// pollStats broadcasts a stats snapshot to SSE clients on a ticker.
func (h *handlers) pollStats() {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.hub.done:
			return
		case <-ticker.C:
			if h.hub.ClientCount() == 0 {
				continue
			}
			h.hub.Broadcast(sseEvent{Type: eventStats, Data: h.insp.Stats()})
		}
	}
}
