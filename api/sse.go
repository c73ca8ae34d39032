package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"linecap/logging"
)

// SSE event type constants.
const (
	eventLog     = "log"
	eventCapture = "capture"
	eventStatus  = "status"
)

// statusInterval is how often watcher status is pushed to connected clients.
var statusInterval = 2 * time.Second

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type string
	Data interface{}
}

// apiSSEClient represents a connected SSE client.
type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
}

func newEventHub() *eventHub {
	hub := &eventHub{
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
					logging.DebugLog("api", "client %s buffer full, dropping %s event", client.id, event.Type)
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

// Broadcast queues event for every client. It never blocks.
func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	close(h.done)
}

// join registers client unless the hub has stopped.
func (h *eventHub) join(client *apiSSEClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *eventHub) leave(client *apiSSEClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// handleSSE serves the /api/events SSE endpoint. ?types=log,capture limits
// the event types sent.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var typeFilter map[string]bool
	if types := r.URL.Query().Get("types"); types != "" {
		typeFilter = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			typeFilter[strings.TrimSpace(t)] = true
		}
	}

	clientID := fmt.Sprintf("api-%d", time.Now().UnixNano())
	client := &apiSSEClient{
		id:     clientID,
		events: make(chan sseEvent, 64),
	}
	if !h.hub.join(client) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	notify := r.Context().Done()

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", clientID)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-notify:
			h.hub.leave(client)
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
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

// setupSSE subscribes the hub to the log store and starts the status
// poller.
func (h *handlers) setupSSE() {
	if h.deps.Logs != nil {
		h.listenerID = h.deps.Logs.Subscribe(func(e logging.Entry) {
			h.hub.Broadcast(sseEvent{Type: eventLog, Data: e})
		})
	}
	go h.pollStatus()
}

// close removes the log listener and stops the hub.
func (h *handlers) close() {
	h.closeOnce.Do(func() {
		if h.deps.Logs != nil {
			h.deps.Logs.Unsubscribe(h.listenerID)
		}
		h.hub.Stop()
	})
}

// pollStatus pushes watcher status while clients are connected.
func (h *handlers) pollStatus() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.hub.done:
			return
		case <-ticker.C:
			if h.hub.ClientCount() == 0 {
				continue
			}
			h.hub.Broadcast(sseEvent{Type: eventStatus, Data: h.deps.Supervisor.GetAllWatcherInfo()})
		}
	}
}
