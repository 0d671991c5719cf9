package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	// CloseSlowConsumer is sent when a client cannot keep up with its
	// send buffer
	CloseSlowConsumer = 4008
)

// ErrConnectionClosed is returned by Send after Close
var ErrConnectionClosed = errors.New("connection closed")

// Connection wraps one client websocket. Writes go through a bounded
// buffer drained by a single writer goroutine; a client that lets the
// buffer fill is disconnected and must reconnect and re-snapshot.
type Connection struct {
	ID     string
	UserID int64

	ws           *websocket.Conn
	send         chan []byte
	done         chan struct{}
	once         sync.Once
	pingInterval time.Duration
	onOverflow   func()
}

// NewConnection wraps ws for userID
func NewConnection(userID int64, ws *websocket.Conn, buffer int, pingInterval time.Duration) *Connection {
	if buffer <= 0 {
		buffer = 64
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Connection{
		ID:           uuid.NewString(),
		UserID:       userID,
		ws:           ws,
		send:         make(chan []byte, buffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
	}
}

// Start launches the write loop. It must be called exactly once.
func (c *Connection) Start() {
	go c.writeLoop()
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send enqueues payload without blocking
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		if c.onOverflow != nil {
			c.onOverflow()
		}
		c.Close(CloseSlowConsumer, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Close sends a close frame and tears the socket down. Safe to call more
// than once.
func (c *Connection) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
