package feed

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"agent-arena/server/model"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// globalRoom receives every event.
const globalRoom = "*"

// Msg is a message sent to clients.
type Msg struct {
	Type    string          `json:"type"`
	MatchID string          `json:"match_id,omitempty"`
	Data    model.FeedEvent `json:"data"`
}

// Hub fans events out to websocket spectators, per match room plus a
// global room.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool
	allConn map[*conn]bool
}

type conn struct {
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub
	room string
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
	}
}

// Publish implements Publisher. Events reach the global room and the rooms
// of both the actor and the target id. Slow clients drop messages.
func (h *Hub) Publish(_ context.Context, e model.FeedEvent) {
	keys := []string{globalRoom, e.ActorID.String()}
	if e.TargetID != nil {
		keys = append(keys, e.TargetID.String())
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, key := range keys {
		room := h.rooms[key]
		if len(room) == 0 {
			continue
		}
		msg := Msg{Type: e.Type, Data: e}
		if key != globalRoom {
			msg.MatchID = key
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return
		}
		for c := range room {
			select {
			case c.send <- b:
			default:
			}
		}
	}
}

// Subscribers counts connections in a room. Empty id means the global room.
func (h *Hub) Subscribers(id string) int {
	if id == "" {
		id = globalRoom
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[id])
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()
	h.subscribe(c, globalRoom)

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// {"action":"subscribe","match_id":"..."}; an empty id means everything
		var sub struct {
			Action  string `json:"action"`
			MatchID string `json:"match_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		room := sub.MatchID
		if room == "" {
			room = globalRoom
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, room)
		case "unsubscribe":
			c.hub.unsubscribe(c, room)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c)
	c.room = id
	room, ok := h.rooms[id]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[id] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.room == id {
		h.leave(c)
	}
}

// leave drops c from its current room. Caller holds mu.
func (h *Hub) leave(c *conn) {
	if c.room == "" {
		return
	}
	if room, ok := h.rooms[c.room]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	h.leave(c)
	close(c.send)
}
