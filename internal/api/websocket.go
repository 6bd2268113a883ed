package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"chaos-exchange/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	wsSendBuffer   = 256
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WSClient represents a WebSocket client
type WSClient struct {
	conn    *websocket.Conn
	send    chan []byte
	hub     *WSHub
	userID  string          // empty for anonymous connections
	symbols map[string]bool // nil means every symbol
}

// wants reports whether the event is addressed to this client. User
// events only reach that user; public events are filtered by symbol.
func (c *WSClient) wants(e events.Event) bool {
	if e.UserID != "" {
		return e.UserID == c.userID
	}
	if len(c.symbols) == 0 || e.Symbol == "" {
		return true
	}
	return c.symbols[e.Symbol]
}

// WSHub manages all WebSocket clients
type WSHub struct {
	clients     map[*WSClient]bool
	userClients map[string][]*WSClient
	broadcast   chan events.Event
	register    chan *WSClient
	unregister  chan *WSClient
	done        chan struct{}
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(logger zerolog.Logger) *WSHub {
	return &WSHub{
		clients:     make(map[*WSClient]bool),
		userClients: make(map[string][]*WSClient),
		broadcast:   make(chan events.Event, 4096),
		register:    make(chan *WSClient),
		unregister:  make(chan *WSClient),
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "WSHub").Logger(),
	}
}

// Attach forwards every bus event to the hub.
func (h *WSHub) Attach(bus *events.EventBus) {
	bus.SubscribeAll(h.BroadcastEvent)
}

// Run delivers events until ctx is cancelled, then closes every client.
func (h *WSHub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for client := range h.clients {
			h.remove(client)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.userID != "" {
				h.userClients[client.userID] = append(h.userClients[client.userID], client)
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *WSHub) deliver(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("Failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.userClients[event.UserID]
	if event.UserID == "" {
		targets = make([]*WSClient, 0, len(h.clients))
		for client := range h.clients {
			targets = append(targets, client)
		}
	}
	for _, client := range targets {
		if !client.wants(event) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow client.
			h.logger.Warn().Str("user_id", client.userID).Msg("Dropping slow websocket client")
			h.remove(client)
		}
	}
}

// remove unregisters a client and closes its send channel. Caller must
// hold h.mu.
func (h *WSHub) remove(client *WSClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	if client.userID != "" {
		h.removeClientFromUserMap(client)
	}
}

// removeClientFromUserMap removes a client from the userClients map
// Caller must hold the write lock (h.mu.Lock())
func (h *WSHub) removeClientFromUserMap(client *WSClient) {
	clients := h.userClients[client.userID]
	for i, c := range clients {
		if c == client {
			clients = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(clients) == 0 {
		delete(h.userClients, client.userID)
		return
	}
	h.userClients[client.userID] = clients
}

// BroadcastEvent queues an event for delivery without blocking.
func (h *WSHub) BroadcastEvent(event events.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn().Str("type", string(event.Type)).Msg("Broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// join registers the client unless the hub has stopped.
func (h *WSHub) join(client *WSClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) leave(client *WSClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug().Err(err).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so pongs and close frames are handled.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// parseSymbols turns "shit, RUG" into a set. Empty input selects everything.
func parseSymbols(raw string) map[string]bool {
	var out map[string]bool
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if out == nil {
			out = make(map[string]bool)
		}
		out[s] = true
	}
	return out
}

// handleWebSocket serves /api/ws?symbols=A,B&token=JWT. The token is
// optional and enables the caller's position events.
func (s *Server) handleWebSocket(c *gin.Context) {
	var userID string
	if token := c.Query("token"); token != "" {
		if s.deps.JWT == nil {
			errorResponse(c, http.StatusServiceUnavailable, "authentication is not configured")
			return
		}
		claims, err := s.deps.JWT.ValidateAccessToken(token)
		if err != nil {
			errorResponse(c, http.StatusUnauthorized, "invalid token")
			return
		}
		userID = claims.UserID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &WSClient{
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		hub:     s.hub,
		userID:  userID,
		symbols: parseSymbols(c.Query("symbols")),
	}
	welcome := map[string]interface{}{
		"type":      "CONNECTED",
		"message":   "WebSocket connection established",
		"timestamp": s.now(),
	}
	if data, err := json.Marshal(welcome); err == nil {
		// Queued before registration so it is always the first frame.
		client.send <- data
	}

	if !s.hub.join(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
