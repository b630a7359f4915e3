// Package room relays live code edits between the members of a shared
// editing room. Rooms exist only while someone is connected.
package room

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types on the room socket.
const (
	TypeCodeChange = "codeChange"
	TypeCodeUpdate = "codeUpdate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 16
)

// Message is the JSON frame exchanged with room members.
type Message struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

type client struct {
	room string
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks room membership. Safe for concurrent use.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[*client]struct{}

	upgrader websocket.Upgrader
}

// NewHub returns an empty hub. checkOrigin may be nil to allow any origin.
func NewHub(checkOrigin func(r *http.Request) bool) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		rooms: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Members reports how many sockets are in a room.
func (h *Hub) Members(roomID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[roomID])
}

// Serve upgrades the request and joins the socket to roomID until it
// disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, roomID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "roomID", roomID, "error", err)
		return
	}

	c := &client{room: roomID, conn: conn, send: make(chan []byte, sendBuffer)}
	h.join(c)
	slog.Info("Client joined room", "roomID", roomID, "remoteAddr", conn.RemoteAddr())

	go c.writePump()
	h.readPump(c)
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[c.room]
	if _, ok := members[c]; !ok {
		return
	}
	delete(members, c)
	close(c.send)
	if len(members) == 0 {
		delete(h.rooms, c.room)
	}
}

// relay sends payload to every member of the sender's room except the sender.
// Members whose buffer is full are dropped.
func (h *Hub) relay(from *client, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[from.room] {
		if c == from {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slog.Warn("Dropping slow room member", "roomID", c.room)
			delete(h.rooms[c.room], c)
			close(c.send)
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.leave(c)
		c.conn.Close()
		slog.Info("Client left room", "roomID", c.room)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Room socket closed", "roomID", c.room, "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != TypeCodeChange {
			slog.Debug("Ignoring room message", "roomID", c.room)
			continue
		}

		out, err := json.Marshal(Message{Type: TypeCodeUpdate, Code: msg.Code})
		if err != nil {
			continue
		}
		h.relay(c, out)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
