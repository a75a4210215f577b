// Package websocket relays cache change notifications to connected
// dashboard clients. Browsers get a "changed" ping and re-fetch whatever
// slice they render; no resource data travels over this channel.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careops/worklist/internal/platform/metrics"
)

// Event is the ping sent to dashboard clients.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Client is one connected dashboard.
type Client struct {
	ID   string
	Send chan []byte
}

// Hub tracks connected clients. All operations are safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	log     zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		log:     log,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	metrics.RealtimeClientConnected()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.Send)
	metrics.RealtimeClientDisconnected()
}

// Broadcast sends an event to every connected client. A client whose
// buffer is full is skipped; it will catch up on its next ping.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket: marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// NotifyChanged is what the cache bus invokes: one "changed" ping per
// logical store mutation.
func (h *Hub) NotifyChanged() {
	h.Broadcast(Event{Type: "changed", Timestamp: time.Now().UTC()})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware already vetted the origin.
	},
}

// Handler upgrades dashboard connections and pumps pings to them.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes registers the WebSocket endpoint on the provided group.
func (wh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wh.HandleConnect)
}

// HandleConnect upgrades the connection and starts the pumps.
func (wh *Handler) HandleConnect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, 64),
	}
	wh.hub.Register(client)

	go wh.writePump(client, ws)
	go wh.readPump(client, ws)
	return nil
}

// readPump drains inbound frames; clients send nothing the hub acts on,
// but the read loop is how we notice a dropped connection.
func (wh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wh.hub.Unregister(client)
		ws.Close()
	}()
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (wh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()
	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
