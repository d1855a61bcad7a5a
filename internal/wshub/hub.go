package wshub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

var (
	ErrUnknownSession = errors.New("session is not connected")
	ErrSendBufferFull = errors.New("session send buffer is full")
)

// Client represents a single WebSocket connection in the hub.
type Client struct {
	SessionID string
	RoomID    string
	Identity  string
	Conn      *websocket.Conn
	Send      chan []byte
}

// WritePump reads from the Send channel and writes to the WebSocket connection.
// When the hub closes Send the queued frames are flushed first, then the
// connection is closed normally.
func (c *Client) WritePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.Send:
			if !ok {
				c.Conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := c.Conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}
}

// Hub owns the outbound side of every live websocket session, keyed by
// session ID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.SessionID] = c
}

// Unregister removes a client and closes its Send channel. It reports whether
// the session was registered.
func (h *Hub) Unregister(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[sessionID]
	if ok {
		close(c.Send)
		delete(h.clients, sessionID)
	}
	return ok
}

// Close ends a session after its queued frames are written.
func (h *Hub) Close(sessionID string) {
	h.Unregister(sessionID)
}

// Send queues a frame for one session. Non-blocking: a full buffer is an error
// rather than a stall.
func (h *Hub) Send(sessionID string, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	select {
	case c.Send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendMessage encodes msg and queues it for one session.
func (h *Hub) SendMessage(sessionID string, msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Type, err)
	}
	return h.Send(sessionID, data)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
