package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// serverEvent is pushed to connected dashboards over the /ws endpoint.
type serverEvent struct {
	Type      string      `json:"type"`
	RoomName  string      `json:"room_name,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// eventHub fans server events out to every connected websocket client.
type eventHub struct {
	mu    sync.RWMutex
	conns map[*websocket.Conn]bool
	log   zerolog.Logger
}

func newEventHub(log zerolog.Logger) *eventHub {
	return &eventHub{
		conns: make(map[*websocket.Conn]bool),
		log:   log.With().Str("component", "events").Logger(),
	}
}

// Handle upgrades the request and keeps the connection registered until
// the client goes away.
func (h *eventHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	// Greet before registering so the hello never races a Publish.
	_ = conn.WriteJSON(serverEvent{Type: "connection_established", Timestamp: time.Now()})

	h.mu.Lock()
	h.conns[conn] = true
	h.mu.Unlock()
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("event client connected")

	// Drain reads so close frames and pings are processed; clients
	// only listen on this socket.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish sends the event to every connected client. Connections that
// fail to write are dropped.
func (h *eventHub) Publish(eventType, roomName string, data interface{}) {
	evt := serverEvent{
		Type:      eventType,
		RoomName:  roomName,
		Data:      data,
		Timestamp: time.Now(),
	}

	// Writes are serialized under the lock; websocket connections
	// allow only one concurrent writer.
	h.mu.Lock()
	var failed []*websocket.Conn
	for c := range h.conns {
		if err := c.WriteJSON(evt); err != nil {
			h.log.Debug().Err(err).Msg("dropping event client")
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		delete(h.conns, c)
		_ = c.Close()
	}
	h.mu.Unlock()
}

func (h *eventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	_ = conn.Close()
}

// Close disconnects all clients.
func (h *eventHub) Close() {
	h.mu.Lock()
	for c := range h.conns {
		_ = c.Close()
	}
	h.conns = make(map[*websocket.Conn]bool)
	h.mu.Unlock()
}
