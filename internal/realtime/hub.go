// Package realtime streams marketplace events over WebSocket.
//
// The Hub is an audit.Sink: every listing, unlisting, sale and offer event
// the emitter delivers is fanned out to connected clients whose
// subscription matches. Clients narrow the stream by sending a
// Subscription as a JSON text message at any time.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/assetescrow/internal/audit"
	"github.com/mbd888/assetescrow/internal/metrics"
	"github.com/shopspring/decimal"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters the events a client receives. Empty lists match
// everything.
type Subscription struct {
	AllEvents  bool              `json:"allEvents"`
	EventTypes []audit.EventType `json:"eventTypes"`
	// Tokens are "tokenId/serial" references.
	Tokens []string `json:"tokens"`
	// Accounts match either the actor or the counterparty.
	Accounts []string `json:"accounts"`
	// MinPrice drops priced events below this amount.
	MinPrice string `json:"minPrice"`
}

// Client is one WebSocket subscriber.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter atomic.Pointer[filter]
}

// subscribe swaps in a new filter. The previous one stays active when sub
// does not compile.
func (c *Client) subscribe(sub Subscription) error {
	f, err := compile(sub)
	if err != nil {
		return err
	}
	c.filter.Store(f)
	return nil
}

// wants reports whether e passes the client's current filter. A client that
// never subscribed receives nothing.
func (c *Client) wants(e *audit.Event) bool {
	f := c.filter.Load()
	return f != nil && f.matches(e)
}

// filter is a Subscription with its lists turned into sets and the price
// floor parsed once.
type filter struct {
	all      bool
	types    map[audit.EventType]struct{}
	tokens   map[string]struct{}
	accounts map[string]struct{}
	minPrice decimal.Decimal
	hasFloor bool
}

func compile(sub Subscription) (*filter, error) {
	f := &filter{
		all:      sub.AllEvents,
		types:    setOf(sub.EventTypes),
		tokens:   setOf(sub.Tokens),
		accounts: setOf(sub.Accounts),
	}
	if sub.MinPrice != "" {
		floor, err := decimal.NewFromString(sub.MinPrice)
		if err != nil {
			return nil, fmt.Errorf("realtime: invalid minPrice %q", sub.MinPrice)
		}
		f.minPrice, f.hasFloor = floor, true
	}
	return f, nil
}

func setOf[T comparable](items []T) map[T]struct{} {
	if len(items) == 0 {
		return nil
	}
	m := make(map[T]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func (f *filter) matches(e *audit.Event) bool {
	if f.all {
		return true
	}
	if f.types != nil {
		if _, ok := f.types[e.Type]; !ok {
			return false
		}
	}
	if f.tokens != nil {
		if _, ok := f.tokens[e.Token]; !ok {
			return false
		}
	}
	if f.accounts != nil {
		_, actor := f.accounts[e.Actor]
		_, counterparty := f.accounts[e.Counterparty]
		if !actor && !(e.Counterparty != "" && counterparty) {
			return false
		}
	}
	if f.hasFloor && e.Price != "" {
		price, err := decimal.NewFromString(e.Price)
		if err == nil && price.LessThan(f.minPrice) {
			return false
		}
	}
	return true
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *audit.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *audit.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			msg, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("failed to encode event", "event", event.ID, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(event) {
					select {
					case client.send <- msg:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
				h.logger.Warn("dropped slow websocket clients", "count", len(slow))
			}
		}
	}
}

// Broadcast sends an event to all matching clients. It never blocks; when
// the queue is full the event is dropped for realtime subscribers only.
func (h *Hub) Broadcast(event *audit.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "event", event.ID, "type", event.Type)
	}
}

// Append implements audit.Sink.
func (h *Hub) Append(_ context.Context, e *audit.Event) error {
	select {
	case <-h.done:
		return audit.ErrSinkClosed
	default:
	}
	h.Broadcast(e)
	return nil
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	client := &Client{hub: h, send: make(chan []byte, 256)}
	if err := client.subscribe(subscriptionFromQuery(r)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client.conn = conn

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// subscriptionFromQuery builds the initial subscription from ?type=, ?token=
// and ?account= parameters. No parameters means all events.
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	sub := Subscription{
		Tokens:   q["token"],
		Accounts: q["account"],
		MinPrice: q.Get("minPrice"),
	}
	for _, t := range q["type"] {
		sub.EventTypes = append(sub.EventTypes, audit.EventType(t))
	}
	if len(sub.EventTypes) == 0 && len(sub.Tokens) == 0 && len(sub.Accounts) == 0 && sub.MinPrice == "" {
		sub.AllEvents = true
	}
	return sub
}

// readPump reads subscription updates from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription", "error", err)
			continue
		}
		if err := c.subscribe(sub); err != nil {
			c.hub.logger.Debug("ignoring invalid subscription", "error", err)
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
