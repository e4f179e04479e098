// Package telemetry broadcasts engine lifecycle events (filter swaps, clip
// warnings, playlist advances, loaded sound files) to subscribed
// monitoring clients over WebSocket, so an external dashboard can observe
// a running engine without touching its audio path.
package telemetry

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind identifies the category of a lifecycle Event.
type EventKind string

// Event kinds. internal/engine publishes EventFilterSwapped,
// EventClipWarning and EventFileLoaded (when a playlist request arrives on
// the control socket, before the file is decoded); it does not publish
// EventPlaylistAdvance.
const (
	EventFilterSwapped   EventKind = "filter_swapped"
	EventClipWarning     EventKind = "clip_warning"
	EventPlaylistAdvance EventKind = "playlist_advance"
	EventFileLoaded      EventKind = "file_loaded"
)

// Event is one lifecycle notification, serialized as JSON to every
// subscribed client.
type Event struct {
	Kind    EventKind `json:"kind"`
	Channel int       `json:"channel,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Client represents one connected monitoring WebSocket.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans lifecycle events out to every connected monitoring client. The
// engine calls Publish from its own thread; Hub.Run must be started once
// on its own goroutine.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
}

// NewHub creates an idle hub; call Run to start its event loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run services registrations, unregistrations and broadcasts until stop is
// closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					go func(c *Client) { h.unregister <- c }(client)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish encodes ev as JSON and broadcasts it to every connected client.
// It never blocks the caller: if the broadcast buffer is full the event is
// dropped, since telemetry is best-effort and must never stall the engine.
func (h *Hub) Publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("telemetry: failed to encode event", "error", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		slog.Warn("telemetry: dropping event, broadcast buffer full", "kind", ev.Kind)
	}
}

// ClientCount reports the number of currently connected monitoring
// clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeHTTP upgrades an incoming request to a WebSocket and registers it
// as a monitoring client, satisfying http.Handler so callers can mount the
// hub directly on a ServeMux.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("telemetry: websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 32)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// readPump discards any inbound traffic but keeps pumping so the
// connection's close and ping/pong frames are handled; this is a
// publish-only feed.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Server optionally exposes a Hub over HTTP. A zero Port disables it
// entirely, per the -monitor-port 0 flag.
type Server struct {
	httpServer *http.Server
	hub        *Hub
}

// NewServer builds (but does not start) an HTTP server exposing hub at
// "/events" on the given port. Port 0 returns a Server whose Start is a
// no-op.
func NewServer(hub *Hub, port int) *Server {
	if port == 0 {
		return &Server{hub: hub}
	}

	mux := http.NewServeMux()
	mux.Handle("/events", hub)

	return &Server{
		hub: hub,
		httpServer: &http.Server{
			Addr:              addrForPort(port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func addrForPort(port int) string {
	return ":" + strconv.Itoa(port)
}

// Start runs the HTTP server in the background. It is a no-op if the
// server was disabled by port 0.
func (s *Server) Start() {
	if s.httpServer == nil {
		return
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("telemetry: http server exited", "error", err)
		}
	}()
}

// Close shuts the HTTP server down, if one is running.
func (s *Server) Close() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}
