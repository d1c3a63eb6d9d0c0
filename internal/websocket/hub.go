package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
)

// Options tunes per-connection limits.
type Options struct {
	MaxMessageSize int64
	RateBurst      int
	RateInterval   time.Duration
	SendBuffer     int
}

func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 8 << 20,
		RateBurst:      20,
		RateInterval:   10 * time.Second,
		SendBuffer:     256,
	}
}

// Hub tracks live connections and the rooms each one has joined. A
// connection is always a member of the room named after its user id.
type Hub struct {
	id      string
	opts    Options
	clients map[string]*Client
	rooms   map[string]map[string]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	relay  Relay
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger, opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		id:         uuid.NewString(),
		opts:       opts,
		clients:    make(map[string]*Client),
		rooms:      make(map[string]map[string]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With().Str("component", "hub").Logger(),
	}
}

// ID identifies this hub instance to other instances sharing a relay.
func (h *Hub) ID() string { return h.id }

// SetRelay makes every delivery also go out to other instances.
func (h *Hub) SetRelay(r Relay) { h.relay = r }

// Run processes registrations until ctx is cancelled or Shutdown is called,
// then closes every remaining connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("hub started")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.add(client)
			if client.conn != nil {
				go client.writePump()
				go client.readPump()
			}

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			h.closeAll()
			return

		case <-h.ctx.Done():
			h.closeAll()
			return
		}
	}
}

// Shutdown stops Run and cancels the context handed to in-flight dispatches.
func (h *Hub) Shutdown() {
	h.cancel()
	<-h.done
}

// Register hands a client to the hub. Its pumps start once it is a member of
// its personal room. It reports false when the hub has stopped; the caller
// still owns the connection then.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.session.ConnID] = c
	h.joinLocked(c, c.session.UserID)
	total := len(h.clients)
	h.mu.Unlock()

	metrics.Connections.Inc()
	h.logger.Info().
		Str("conn", c.session.ConnID).
		Str("user", c.session.Username).
		Int("total", total).
		Msg("client connected")
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	removed := h.removeLocked(c)
	total := len(h.clients)
	h.mu.Unlock()

	if removed {
		h.logger.Info().
			Str("conn", c.session.ConnID).
			Str("user", c.session.Username).
			Int("remaining", total).
			Msg("client disconnected")
	}
}

// removeLocked drops c from every room and closes its send buffer. It reports
// false if c was already gone.
func (h *Hub) removeLocked(c *Client) bool {
	if current, ok := h.clients[c.session.ConnID]; !ok || current != c {
		return false
	}
	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(h.clients, c.session.ConnID)
	close(c.send)
	metrics.Connections.Dec()
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for _, c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	h.logger.Info().Msg("hub stopped")
}

func (h *Hub) joinLocked(c *Client, room string) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		h.rooms[room] = members
	}
	members[c.session.ConnID] = struct{}{}
	c.rooms[room] = struct{}{}
}

func (h *Hub) leaveLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.session.ConnID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

// Join adds the connection to room. It is a no-op for unknown connections.
func (h *Hub) Join(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		h.joinLocked(c, room)
	}
}

// Leave removes the connection from room. The personal room cannot be left.
func (h *Hub) Leave(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok && room != c.session.UserID {
		h.leaveLocked(c, room)
	}
}

// InRoom reports whether the connection is currently a member of room.
func (h *Hub) InRoom(connID, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][connID]
	return ok
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver sends event to every connection in any of rooms except exclude.
// A connection that is in several of the rooms receives the event once.
func (h *Hub) Deliver(rooms []string, event string, payload any, exclude string) {
	data, err := json.Marshal(models.OutboundFrame{Event: event, Data: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Msg("failed to marshal event")
		return
	}

	h.deliverLocal(rooms, event, data, exclude)

	if h.relay != nil {
		env := Envelope{Origin: h.id, Rooms: rooms, Event: event, Exclude: exclude, Frame: data}
		if err := h.relay.Publish(h.ctx, env); err != nil {
			h.logger.Warn().Err(err).Str("event", event).Msg("failed to relay event")
		}
	}
}

func (h *Hub) deliverLocal(rooms []string, event string, data []byte, exclude string) {
	var slow []*Client
	seen := make(map[string]struct{})

	h.mu.RLock()
	for _, room := range rooms {
		for connID := range h.rooms[room] {
			if connID == exclude {
				continue
			}
			if _, dup := seen[connID]; dup {
				continue
			}
			seen[connID] = struct{}{}

			c := h.clients[connID]
			select {
			case c.send <- data:
				metrics.Deliveries.WithLabelValues(event).Inc()
			default:
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	h.drop(slow)
}

// sendTo queues a frame for one connection.
func (h *Hub) sendTo(c *Client, data []byte) {
	h.mu.RLock()
	if _, ok := h.clients[c.session.ConnID]; !ok {
		h.mu.RUnlock()
		return
	}
	select {
	case c.send <- data:
		h.mu.RUnlock()
	default:
		h.mu.RUnlock()
		h.drop([]*Client{c})
	}
}

func (h *Hub) drop(slow []*Client) {
	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		if h.removeLocked(c) {
			metrics.DroppedClients.Inc()
			h.logger.Warn().Str("conn", c.session.ConnID).Msg("send buffer full, dropping client")
		}
	}
	h.mu.Unlock()
}
