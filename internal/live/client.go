package live

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Client struct {
	id      string
	ownerID string
	hub     *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	lastSeen  atomic.Int64

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newClient(h *Hub, ownerID string) *Client {
	c := &Client{
		id:      uuid.NewString(),
		ownerID: ownerID,
		hub:     h,
		send:    make(chan []byte, h.cfg.BufferSize),
		done:    make(chan struct{}),
		rooms:   make(map[string]struct{}),
	}
	c.touch()
	return c
}

func (c *Client) ID() string      { return c.id }
func (c *Client) OwnerID() string { return c.ownerID }

// Messages yields encoded envelopes queued for the client.
func (c *Client) Messages() <-chan []byte { return c.send }

// Done is closed once the client has been unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) touch() {
	c.lastSeen.Store(c.hub.now().UnixNano())
}

func (c *Client) lastSeenAt() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) addRoom(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

type typing struct {
	SessionID string `json:"sessionId"`
	IsTyping  bool   `json:"isTyping"`
}

type typingNotice struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

// Handle applies one client-sent frame. Unknown events are ignored.
func (c *Client) Handle(raw []byte) {
	c.touch()

	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		c.hub.log.Debug("undecodable live frame", "client_id", c.id, "error", err)
		return
	}

	switch in.Event {
	case eventJoinSession, eventLeaveSession:
		var ref sessionRef
		if err := json.Unmarshal(in.Data, &ref); err != nil || ref.SessionID == "" {
			return
		}
		if in.Event == eventJoinSession {
			c.hub.join(c, sessionRoom(c.ownerID, ref.SessionID))
		} else {
			c.hub.leave(c, sessionRoom(c.ownerID, ref.SessionID))
		}
	case EventUserTyping:
		var ty typing
		if err := json.Unmarshal(in.Data, &ty); err != nil || ty.SessionID == "" {
			return
		}
		c.hub.broadcast([]string{sessionRoom(c.ownerID, ty.SessionID)}, EventUserTyping, typingNotice{
			SessionID: ty.SessionID,
			UserID:    c.ownerID,
			IsTyping:  ty.IsTyping,
		}, c)
	}
}
