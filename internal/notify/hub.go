// README: Websocket hub pushing ride events to connected riders and drivers.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ridedispatch/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// RideAccess reports whether userID acting as role may watch rideID.
type RideAccess func(ctx context.Context, userID types.ID, role types.Role, rideID types.ID) bool

// Hub delivers events addressed to a user to that user's connections, and
// ride events to the ride's rider and to any connection subscribed to the ride.
// Subscriptions are only accepted for rides the caller may view.
type Hub struct {
	events
	upgrader websocket.Upgrader
	canWatch RideAccess
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID types.ID
	role   types.Role
	send   chan []byte

	mu    sync.RWMutex
	rides map[types.ID]struct{}
}

// subscription is the only message clients send.
type subscription struct {
	Action string   `json:"action"`
	RideID types.ID `json:"rideId"`
}

// NewHub builds a hub. A nil canWatch refuses every subscription.
func NewHub(log *zap.Logger, canWatch RideAccess) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		canWatch: canWatch,
		log:      log.Named("ws"),
		clients:  make(map[*client]struct{}),
	}
	h.events = newEvents(h.Publish)
	return h
}

// ServeWS upgrades the request and serves the connection for userID until it
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID types.ID, role types.Role) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	c := &client{hub: h, conn: conn, userID: userID, role: role, send: make(chan []byte, sendBuffer), rides: make(map[types.ID]struct{})}
	h.register(c)
	go c.writeLoop()
	c.readLoop(r.Context())
	return nil
}

func (h *Hub) Publish(_ context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.log.Warn("dropping event for slow client", zap.String("user_id", string(c.userID)), zap.String("type", e.Type))
		}
	}
	return nil
}

// Connected returns how many connections userID has open.
func (h *Hub) Connected(userID types.ID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.clients {
		if c.userID == userID {
			n++
		}
	}
	return n
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		_ = c.conn.Close()
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("client connected", zap.String("user_id", string(c.userID)))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.log.Debug("client disconnected", zap.String("user_id", string(c.userID)))
}

func (c *client) wants(e Event) bool {
	if e.Recipient != "" {
		return e.Recipient == c.userID
	}
	if e.Ride != nil && e.Ride.UserID == c.userID {
		return true
	}
	return c.subscribed(e.RideID)
}

func (c *client) readLoop(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var sub subscription
		if err := c.conn.ReadJSON(&sub); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("read failed", zap.String("user_id", string(c.userID)), zap.Error(err))
			}
			return
		}
		if sub.RideID == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			if c.hub.canWatch == nil || !c.hub.canWatch(ctx, c.userID, c.role, sub.RideID) {
				c.hub.log.Debug("subscription refused", zap.String("user_id", string(c.userID)), zap.String("ride_id", string(sub.RideID)))
				continue
			}
			c.mu.Lock()
			c.rides[sub.RideID] = struct{}{}
			c.mu.Unlock()
		case "unsubscribe":
			c.mu.Lock()
			delete(c.rides, sub.RideID)
			c.mu.Unlock()
		}
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) subscribed(rideID types.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rides[rideID]
	return ok
}
