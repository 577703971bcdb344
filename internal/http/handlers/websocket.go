package handlers

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/dirhaam/platforms-sub000/internal/auth"
	"github.com/dirhaam/platforms-sub000/pkg/models"
)

// WebSocketMessage represents a message sent through WebSocket
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	TenantID  string      `json:"tenant_id,omitempty"`
}

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	conn     *websocket.Conn
	tenantID string
	send     chan WebSocketMessage
	hub      *WebSocketHub
}

// WebSocketHub fans recorded events out to the clients of their tenant
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	mu         sync.RWMutex
}

// EventSource delivers every emitted event to fn
type EventSource interface {
	Subscribe(fn func(models.Event)) error
	Unsubscribe(fn func(models.Event)) error
}

// TokenValidator parses bearer tokens passed as query parameter
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.TokenClaims, error)
}

// WebSocketHandler handles WebSocket connections
type WebSocketHandler struct {
	hub       *WebSocketHub
	validator TokenValidator
	source    EventSource
	forward   func(models.Event)
}

// NewWebSocketHandler creates the hub and subscribes it to source
func NewWebSocketHandler(source EventSource, validator TokenValidator) (*WebSocketHandler, error) {
	hub := &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
	}
	go hub.run()

	h := &WebSocketHandler{
		hub:       hub,
		validator: validator,
		source:    source,
	}
	h.forward = func(event models.Event) {
		h.BroadcastToTenant(event.TenantID, event.Type, event)
	}
	if source != nil {
		if err := source.Subscribe(h.forward); err != nil {
			close(hub.done)
			return nil, err
		}
	}
	return h, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleWebSocket handles WebSocket connection upgrades
func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	tenantID, _ := c.Get("tenant_id").(string)
	if tenantID == "" {
		token := c.QueryParam("token")
		if token == "" {
			token = strings.TrimPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		}
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing authorization token")
		}

		claims, err := h.validator.ValidateToken(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token")
		}
		tenantID = claims.TenantID
		if claims.Role == auth.RoleSystemAdmin && tenantID == "" {
			tenantID = c.QueryParam("tenant_id")
		}
	}
	if tenantID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Tenant ID is required")
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("WebSocket upgrade failed")
		return err
	}

	client := &WebSocketClient{
		conn:     conn,
		tenantID: tenantID,
		send:     make(chan WebSocketMessage, 256),
		hub:      h.hub,
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		conn.Close()
		return nil
	}

	go client.writePump()
	go client.readPump()
	return nil
}

// BroadcastToTenant queues a message for every client of a tenant. Messages
// are dropped when the hub is saturated.
func (h *WebSocketHandler) BroadcastToTenant(tenantID, messageType string, data interface{}) {
	message := WebSocketMessage{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now(),
		TenantID:  tenantID,
	}

	select {
	case h.hub.broadcast <- message:
	case <-h.hub.done:
	default:
		log.Warn().Str("tenant_id", tenantID).Str("event_type", messageType).Msg("WebSocket hub saturated, dropping message")
	}
}

// GetConnectedClients returns the number of connected clients
func (h *WebSocketHandler) GetConnectedClients() int {
	h.hub.mu.RLock()
	defer h.hub.mu.RUnlock()
	return len(h.hub.clients)
}

// Close unsubscribes from the event source and disconnects every client
func (h *WebSocketHandler) Close() {
	if h.source != nil {
		if err := h.source.Unsubscribe(h.forward); err != nil {
			log.Warn().Err(err).Msg("Failed to unsubscribe websocket hub")
		}
	}
	select {
	case <-h.hub.done:
	default:
		close(h.hub.done)
	}
}

func (hub *WebSocketHub) run() {
	for {
		select {
		case <-hub.done:
			hub.mu.Lock()
			for client := range hub.clients {
				delete(hub.clients, client)
				close(client.send)
			}
			hub.mu.Unlock()
			return

		case client := <-hub.register:
			hub.mu.Lock()
			hub.clients[client] = true
			hub.mu.Unlock()
			log.Info().Str("tenant_id", client.tenantID).Msg("WebSocket client connected")

			client.send <- WebSocketMessage{
				Type:      "connection",
				Data:      map[string]string{"status": "connected"},
				Timestamp: time.Now(),
			}

		case client := <-hub.unregister:
			hub.mu.Lock()
			if _, ok := hub.clients[client]; ok {
				delete(hub.clients, client)
				close(client.send)
				log.Info().Str("tenant_id", client.tenantID).Msg("WebSocket client disconnected")
			}
			hub.mu.Unlock()

		case message := <-hub.broadcast:
			hub.mu.Lock()
			for client := range hub.clients {
				if message.TenantID != "" && client.tenantID != message.TenantID {
					continue
				}
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(hub.clients, client)
				}
			}
			hub.mu.Unlock()
		}
	}
}

func (c *WebSocketClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	for {
		var msg WebSocketMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("tenant_id", c.tenantID).Msg("WebSocket read error")
			}
			return
		}
		if msg.Type == "ping" {
			// the hub closes send under its write lock
			c.hub.mu.RLock()
			_, alive := c.hub.clients[c]
			if alive {
				select {
				case c.send <- WebSocketMessage{Type: "pong", Data: map[string]string{"status": "ok"}, Timestamp: time.Now()}:
				default:
				}
			}
			c.hub.mu.RUnlock()
		}
	}
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(20 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				log.Warn().Err(err).Str("tenant_id", c.tenantID).Msg("WebSocket write error")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
