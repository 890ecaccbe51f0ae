package ws

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one open websocket connection for a user. A user may hold
// several connections (multiple tabs/devices); all of them receive pushes.
type Client struct {
	UserID uint
	Conn   *websocket.Conn
	Send   chan []byte
	hub    *Hub
}

// Hub tracks connected clients by user id. It doubles as the presence
// lookup the notification dispatcher uses before pushing in real time.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint][]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uint][]*Client),
	}
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.UserID] = append(h.clients[client.UserID], client)
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connections := h.clients[client.UserID]
	for i, conn := range connections {
		if conn == client {
			h.clients[client.UserID] = append(connections[:i], connections[i+1:]...)
			close(client.Send)
			break
		}
	}
	if len(h.clients[client.UserID]) == 0 {
		delete(h.clients, client.UserID)
	}
}

// IsOnline reports whether the user has at least one open connection.
func (h *Hub) IsOnline(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// SendToUser delivers a payload to every open connection of the user.
// Returns false when the user has no connection; the caller keeps the
// persisted record either way. The read lock is held across the sends:
// unregister closes Send under the write lock, so a connection can never
// be closed mid-delivery.
func (h *Hub) SendToUser(userID uint, message []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	connections := h.clients[userID]
	if len(connections) == 0 {
		return false
	}

	for _, client := range connections {
		select {
		case client.Send <- message:
		default:
			log.Printf("dropping push for user %d: send buffer full", userID)
		}
	}
	return true
}

// ReadPump drains inbound frames. The channel is delivery-only, so
// everything a client sends is discarded; reading is still required to
// process control frames and detect closure.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			break
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
