// Package wspush pushes billing events to connected tenant dashboards.
// Each client authenticates before the upgrade and only ever receives
// events for its own tenant.
package wspush

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event types pushed to dashboards.
const (
	EventWelcome             = "welcome"
	EventSubscriptionUpdated = "subscription.updated"
	EventTenantBlocked       = "tenant.blocked"
	EventTenantUnblocked     = "tenant.unblocked"
	EventPing                = "ping"
	EventPong                = "pong"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens before the upgrade; cross-origin dashboards are
		// expected since the API and storefronts live on subdomains.
		return true
	},
}

// Client is one connected dashboard.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	id       string
	tenantID string
	lastPing time.Time
}

// Message is the wire envelope for pushed events.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type tenantPush struct {
	tenantID string
	payload  []byte
}

// Hub tracks connected clients per tenant and fans out pushes.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	byTenant   map[string]map[*Client]bool
	push       chan tenantPush
	register   chan *Client
	unregister chan *Client

	// getStatus returns the current subscription snapshot for a tenant,
	// sent to each client right after it connects.
	getStatus func(tenantID string) any
}

// NewHub creates a push hub. getStatus may be nil; connecting clients
// then receive only the welcome message.
func NewHub(getStatus func(tenantID string) any) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		byTenant:   make(map[string]map[*Client]bool),
		push:       make(chan tenantPush, 256),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		getStatus:  getStatus,
	}
}

// Run drives the hub until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.addClient(client)
			log.Info().Str("client", client.id).Str("tenant", client.tenantID).Msg("Dashboard connected")
			go h.sendInitial(client)

		case client := <-h.unregister:
			if h.removeClient(client) {
				log.Info().Str("client", client.id).Str("tenant", client.tenantID).Msg("Dashboard disconnected")
			}

		case p := <-h.push:
			for _, client := range h.tenantClients(p.tenantID) {
				select {
				case client.send <- p.payload:
				default:
					// Send buffer full, the client is too slow to keep.
					h.removeClient(client)
				}
			}

		case <-pingTicker.C:
			h.pingAll()
		}
	}
}

// Push sends an event to every connected client of one tenant.
func (h *Hub) Push(tenantID, eventType string, data any) {
	payload, err := json.Marshal(Message{Type: eventType, Data: data})
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("Failed to marshal push event")
		return
	}
	select {
	case h.push <- tenantPush{tenantID: tenantID, payload: payload}:
	default:
		log.Warn().Str("tenant", tenantID).Msg("Push channel full, event dropped")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TenantClientCount returns the connected client count for one tenant.
func (h *Hub) TenantClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byTenant[tenantID])
}

// HandleWebSocket upgrades an authenticated request. The caller passes
// the tenant ID it already verified; the hub never trusts the request.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, tenantID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("tenant", tenantID).Msg("WebSocket upgrade failed")
		return
	}

	client := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, 64),
		id:       generateClientID(),
		tenantID: tenantID,
		lastPing: time.Now(),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	set, ok := h.byTenant[client.tenantID]
	if !ok {
		set = make(map[*Client]bool)
		h.byTenant[client.tenantID] = set
	}
	set[client] = true
}

func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return false
	}
	delete(h.clients, client)
	if set, ok := h.byTenant[client.tenantID]; ok {
		delete(set, client)
		if len(set) == 0 {
			delete(h.byTenant, client.tenantID)
		}
	}
	close(client.send)
	return true
}

func (h *Hub) tenantClients(tenantID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.byTenant[tenantID]
	clients := make([]*Client, 0, len(set))
	for client := range set {
		clients = append(clients, client)
	}
	return clients
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*Client]bool)
	h.byTenant = make(map[string]map[*Client]bool)
}

// sendInitial runs off the hub goroutine, so sends go through trySend
// which holds the lock against a concurrent close of the send channel.
func (h *Hub) sendInitial(client *Client) {
	welcome, err := json.Marshal(Message{
		Type: EventWelcome,
		Data: map[string]string{"message": "Connected to Duka billing events"},
	})
	if err == nil {
		h.trySend(client, welcome)
	}

	if h.getStatus == nil {
		return
	}
	status := h.getStatus(client.tenantID)
	if status == nil {
		return
	}
	payload, err := json.Marshal(Message{Type: EventSubscriptionUpdated, Data: status})
	if err != nil {
		log.Error().Err(err).Str("tenant", client.tenantID).Msg("Failed to marshal initial status")
		return
	}
	h.trySend(client, payload)
}

func (h *Hub) trySend(client *Client, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[client] {
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *Hub) pingAll() {
	payload, err := json.Marshal(Message{
		Type: EventPing,
		Data: map[string]int64{"timestamp": time.Now().Unix()},
	})
	if err != nil {
		return
	}
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- payload:
		default:
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.lastPing = time.Now()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug().Err(err).Str("client", c.id).Msg("Ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case EventPing:
			pong, err := json.Marshal(Message{
				Type: EventPong,
				Data: map[string]int64{"timestamp": time.Now().Unix()},
			})
			if err == nil {
				c.hub.trySend(c, pong)
			}
		case "requestStatus":
			if c.hub.getStatus != nil {
				if status := c.hub.getStatus(c.tenantID); status != nil {
					if payload, err := json.Marshal(Message{Type: EventSubscriptionUpdated, Data: status}); err == nil {
						c.hub.trySend(c, payload)
					}
				}
			}
		default:
			log.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Unhandled client message")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
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
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain anything already queued behind this message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				select {
				case queued := <-c.send:
					if err := c.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func generateClientID() string {
	return fmt.Sprintf("client-%d", time.Now().UnixNano())
}
