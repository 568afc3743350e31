package chat

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Client is one WebSocket connection. A user may hold several at once,
// one per device; each keeps its own outbound queue drained by a
// single writer goroutine.
type Client struct {
	ConnID   string
	DeviceID string
	WS       *websocket.Conn
	Send     chan []byte

	userID atomic.Value // string, set once on auth

	closeOnce sync.Once
	closed    chan struct{}
}

func NewClient(connID string, ws *websocket.Conn, sendQueueSize int) *Client {
	return &Client{
		ConnID: connID,
		WS:     ws,
		Send:   make(chan []byte, sendQueueSize),
		closed: make(chan struct{}),
	}
}

// SetUser marks the connection authenticated.
func (c *Client) SetUser(userID string) { c.userID.Store(userID) }

// UserID is empty until auth completes.
func (c *Client) UserID() string {
	if v, ok := c.userID.Load().(string); ok {
		return v
	}
	return ""
}

func (c *Client) Authed() bool { return c.UserID() != "" }

// Enqueue drops the payload when the queue is full; a slow reader must
// not stall fan-out for everyone else.
func (c *Client) Enqueue(payload []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// Close signals the writer to drain and shut the socket. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) Closed() <-chan struct{} { return c.closed }
