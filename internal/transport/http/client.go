package http

import (
	"sync"

	"github.com/vovakirdan/campuschat/internal/core"
)

// wsClient is the registry-facing side of one WebSocket connection. Frames
// queued with Send are written by the connection's write loop.
type wsClient struct {
	id     string
	userID int64
	roomID int64

	out chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	evicted   chan struct{}
	evictOnce sync.Once
	reason    string
}

func newWSClient(id string, userID, roomID int64, buffer int) *wsClient {
	if buffer <= 0 {
		buffer = 1
	}
	return &wsClient{
		id:      id,
		userID:  userID,
		roomID:  roomID,
		out:     make(chan []byte, buffer),
		closed:  make(chan struct{}),
		evicted: make(chan struct{}),
	}
}

func (c *wsClient) ID() string    { return c.id }
func (c *wsClient) UserID() int64 { return c.userID }
func (c *wsClient) RoomID() int64 { return c.roomID }

func (c *wsClient) Send(payload []byte) error {
	select {
	case <-c.closed:
		return core.ErrConnClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		return core.ErrSlowConsumer
	}
}

func (c *wsClient) Evict(reason string) {
	c.evictOnce.Do(func() {
		c.reason = reason
		close(c.evicted)
	})
}

// evictReason is only valid after evicted is closed.
func (c *wsClient) evictReason() string {
	return c.reason
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
