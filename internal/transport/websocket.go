package transport

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tradeloop/internal/eventbus"
)

// notifyHub fans a tenant's Bus out to every websocket client currently
// subscribed: a register/unregister/broadcast goroutine over buffered
// per-client channels, slow clients dropped rather than blocking the
// bus.
type notifyHub struct {
	bus        *eventbus.Bus
	mu         sync.Mutex
	clients    map[chan []byte]struct{}
	discovered chan eventbus.Event
	invalidated chan eventbus.Event
	done       chan struct{}
}

func newNotifyHub(bus *eventbus.Bus) *notifyHub {
	h := &notifyHub{
		bus:         bus,
		clients:     make(map[chan []byte]struct{}),
		discovered:  make(chan eventbus.Event, 256),
		invalidated: make(chan eventbus.Event, 256),
		done:        make(chan struct{}),
	}
	bus.Subscribe(eventbus.TypeLoopDiscovered, h.discovered)
	bus.Subscribe(eventbus.TypeLoopInvalidated, h.invalidated)
	go h.run()
	return h
}

func (h *notifyHub) run() {
	for {
		select {
		case <-h.done:
			return
		case evt := <-h.discovered:
			h.broadcast(evt)
		case evt := <-h.invalidated:
			h.broadcast(evt)
		}
	}
}

func (h *notifyHub) broadcast(evt eventbus.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- payload:
		default:
			// Slow client: drop this notification rather than block the
			// tenant's single-writer discovery pipeline.
		}
	}
}

func (h *notifyHub) register() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *notifyHub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *notifyHub) close() {
	close(h.done)
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWebSocket streams LoopDiscovered/LoopInvalidated notifications
// for one tenant's ordered stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["tenant"]
	hub, ok := s.hubFor(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tenant "+id+" not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[transport] websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ch := hub.register()
	defer hub.unregister(ch)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
