package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-lifecycle/internal/observability"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

var (
	errClientClosed = errors.New("client closed")
	errSlowClient   = errors.New("client send buffer full")
)

// Client is a websocket connection subscribed to zero or more rides. Events
// are queued on send and written by writePump, so Send never waits on the
// network.
type Client struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	send         chan Event

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, writeTimeout time.Duration) *Client {
	return &Client{conn: conn, writeTimeout: writeTimeout, send: make(chan Event, sendBuffer)}
}

// Send queues ev for delivery. A client whose buffer is full is disconnected
// instead of holding up the caller.
func (c *Client) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- ev:
		return nil
	default:
		c.closed = true
		close(c.send)
		return errSlowClient
	}
}

// close stops the write pump, which then closes the connection.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

type inbound struct {
	Type   string `json:"type"`
	RideID string `json:"rideId"`
}

// Handler upgrades HTTP requests and runs the client protocol:
// {"type":"subscribe","rideId":...} joins a room, {"type":"unsubscribe",...}
// leaves it, any other typed message is echoed back.
type Handler struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func NewHandler(hub *Hub, writeTimeout time.Duration, logger *slog.Logger) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:          hub,
		upgrader:     websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		writeTimeout: writeTimeout,
		logger:       logger,
		clients:      make(map[*Client]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newClient(conn, h.writeTimeout)
	h.track(c)
	go c.writePump()
	defer func() {
		h.hub.UnsubscribeAll(c)
		h.untrack(c)
		c.close()
	}()

	if rideID := r.URL.Query().Get("rideId"); rideID != "" {
		h.hub.Subscribe(c, rideID, true)
	}

	h.readLoop(c)
}

// Close disconnects every client; their read loops then unsubscribe them.
func (h *Handler) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Handler) readLoop(c *Client) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(c, data)
	}
}

func (h *Handler) handleMessage(c *Client, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		_ = c.Send(Event{Type: EventError, Message: "unrecognized message"})
		return
	}
	switch msg.Type {
	case "subscribe":
		if msg.RideID == "" {
			_ = c.Send(Event{Type: EventError, Message: "rideId is required"})
			return
		}
		h.hub.Subscribe(c, msg.RideID, true)
	case "unsubscribe":
		h.hub.Unsubscribe(c, msg.RideID)
	default:
		_ = c.Send(Event{Type: EventEcho, Payload: json.RawMessage(data)})
	}
}

func (h *Handler) track(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.RealtimeSubscribers.Inc()
}

func (h *Handler) untrack(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	observability.RealtimeSubscribers.Dec()
}
