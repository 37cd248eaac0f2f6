// Package live pushes events to connected websocket clients. Delivery is
// best-effort: a client whose buffer is full misses the event and nothing is
// replayed on reconnect.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/LeventeLantos/messaging-pipeline/internal/metrics"
	"github.com/LeventeLantos/messaging-pipeline/internal/model"
	"github.com/LeventeLantos/messaging-pipeline/internal/scheduler"
)

const (
	EventMessageReceived  = "message:received"
	EventMessageSent      = "message:sent"
	EventMessageDelivered = "message:delivered"
	EventMessageRead      = "message:read"
	EventMessageFailed    = "message:failed"
	EventUserTyping       = "user:typing"

	eventJoinSession  = "join:session"
	eventLeaveSession = "leave:session"
)

// SocketEvent maps a webhook event name to its socket name.
func SocketEvent(e model.Event) string {
	return strings.Replace(string(e), ".", ":", 1)
}

func userRoom(ownerID string) string { return "user:" + ownerID }

// sessionRoom is keyed by owner so a session id never joins two owners' traffic.
func sessionRoom(ownerID, sessionID string) string {
	return "session:" + ownerID + ":" + sessionID
}

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Config struct {
	BufferSize  int
	IdleTimeout time.Duration
}

type Hub struct {
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
	all   map[*Client]struct{}
}

func NewHub(cfg Config) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	return &Hub{
		cfg:   cfg,
		now:   time.Now,
		log:   slog.Default().With("component", "live"),
		rooms: make(map[string]map[*Client]struct{}),
		all:   make(map[*Client]struct{}),
	}
}

// Register adds a client for ownerID and joins it to the owner's room.
func (h *Hub) Register(ownerID string) *Client {
	c := newClient(h, ownerID)

	h.mu.Lock()
	h.all[c] = struct{}{}
	h.mu.Unlock()

	h.join(c, userRoom(ownerID))
	h.log.Debug("live client connected", "owner_id", ownerID, "client_id", c.id)
	return c
}

// Unregister removes c from every room and closes it. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.all[c]; ok {
		delete(h.all, c)
		for _, room := range c.roomList() {
			h.removeLocked(c, room)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	c.addRoom(room)
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, room)
}

func (h *Hub) removeLocked(c *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.removeRoom(room)
}

func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// Notify pushes event to every client of ownerID and returns how many
// clients accepted it.
func (h *Hub) Notify(ownerID string, event model.Event, payload any) int {
	return h.NotifyWithSession(ownerID, "", event, payload)
}

// NotifyWithSession pushes event to the owner's room and, when sessionID is
// set, to the session's room. A client in both rooms receives it once.
func (h *Hub) NotifyWithSession(ownerID, sessionID string, event model.Event, payload any) int {
	rooms := []string{userRoom(ownerID)}
	if sessionID != "" {
		rooms = append(rooms, sessionRoom(ownerID, sessionID))
	}
	return h.broadcast(rooms, SocketEvent(event), payload, nil)
}

func (h *Hub) broadcast(rooms []string, event string, payload any, except *Client) int {
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Error("encode live event", "event", event, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make(map[*Client]struct{})
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if c != except {
				targets[c] = struct{}{}
			}
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for c := range targets {
		if c.enqueue(msg) {
			delivered++
			metrics.LivePushes.WithLabelValues("delivered").Inc()
			continue
		}
		metrics.LivePushes.WithLabelValues("dropped").Inc()
		h.log.Warn("live client buffer full, event dropped", "event", event, "owner_id", c.ownerID, "client_id", c.id)
	}
	return delivered
}

func encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// SweepIdle disconnects clients that have not been heard from within the
// idle timeout.
func (h *Hub) SweepIdle() int {
	cutoff := h.now().Add(-h.cfg.IdleTimeout)

	h.mu.RLock()
	var idle []*Client
	for c := range h.all {
		if c.lastSeenAt().Before(cutoff) {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.Unregister(c)
	}
	if len(idle) > 0 {
		h.log.Info("idle live clients disconnected", "count", len(idle))
	}
	return len(idle)
}

// StartSweeper runs SweepIdle every interval until ctx is done.
func (h *Hub) StartSweeper(ctx context.Context, interval time.Duration) (*scheduler.Scheduler, error) {
	s, err := scheduler.New("live-idle-sweeper", interval, func(context.Context) {
		h.SweepIdle()
	})
	if err != nil {
		return nil, err
	}
	s.Start(ctx)
	return s, nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.all))
	for c := range h.all {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}
