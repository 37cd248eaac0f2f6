package live

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 4096
	ownerHeader    = "X-Owner-ID"
	ownerQueryName = "ownerId"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and attaches the connection to the owner's
// room. The owner id is taken from the X-Owner-ID header or the ownerId
// query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ownerID := r.Header.Get(ownerHeader)
	if ownerID == "" {
		ownerID = r.URL.Query().Get(ownerQueryName)
	}
	if ownerID == "" {
		http.Error(w, "missing owner", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := h.Register(ownerID)
	go h.writePump(c, conn)
	h.readPump(c, conn)
}

func (h *Hub) pingPeriod() time.Duration {
	return h.cfg.IdleTimeout / 3
}

func (h *Hub) readPump(c *Client, conn *websocket.Conn) {
	defer h.Unregister(c)

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("live client read error", "client_id", c.id, "error", err)
			}
			return
		}
		c.Handle(raw)
	}
}

func (h *Hub) writePump(c *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(h.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.Unregister(c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unregister(c)
				return
			}
		}
	}
}
