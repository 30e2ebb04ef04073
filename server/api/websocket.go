package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/benchdb/server/types"
)

// Event types pushed to websocket clients.
const (
	EventResultsRecorded = "results_recorded"
	EventTimelineUpdated = "timeline_updated"
)

// Event is the message shape on the websocket.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	log        logrus.FieldLogger
	upgrader   websocket.Upgrader
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
}

// NewHub creates the hub; Run must be called to start dispatching.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log: log.WithField("component", "ws-hub"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
	}
}

// Run dispatches registrations and broadcasts until the context is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.WithField("client_id", c.id).Debug("Websocket client connected")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.WithField("client_id", c.id).Debug("Websocket client disconnected")
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer, drop it.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// HandleConnection upgrades an HTTP request to a websocket subscription.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade websocket connection")
		return
	}

	c := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 16),
	}
	h.register <- c

	go c.writeLoop()
	go c.readLoop(h)
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) readLoop(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) publish(event Event) {
	event.Timestamp = time.Now().UTC()
	msg, err := json.Marshal(event)
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal websocket event")
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("Websocket broadcast buffer full, dropping event")
	}
}

// BroadcastResultsRecorded announces a successfully ingested payload.
func (h *Hub) BroadcastResultsRecorded(project, experiment string, measurements int) {
	h.publish(Event{
		Type: EventResultsRecorded,
		Data: map[string]interface{}{
			"project":      project,
			"experiment":   experiment,
			"measurements": measurements,
		},
	})
}

// BroadcastTimelineUpdated announces a recomputed timeline entry.
func (h *Hub) BroadcastTimelineUpdated(key types.TimelineKey) {
	h.publish(Event{
		Type: EventTimelineUpdated,
		Data: key,
	})
}
