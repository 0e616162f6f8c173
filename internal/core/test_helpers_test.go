package core

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	id     string
	userID int64
	roomID int64

	mu      sync.Mutex
	inbox   [][]byte
	failing bool
	evicted []string
}

var connSeq atomic.Int64

func newFakeConn(userID, roomID int64) *fakeConn {
	return &fakeConn{id: "c" + strconv.FormatInt(connSeq.Add(1), 10), userID: userID, roomID: roomID}
}

func (c *fakeConn) ID() string    { return c.id }
func (c *fakeConn) UserID() int64 { return c.userID }
func (c *fakeConn) RoomID() int64 { return c.roomID }

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return ErrSlowConsumer
	}
	c.inbox = append(c.inbox, payload)
	return nil
}

func (c *fakeConn) Evict(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evicted = append(c.evicted, reason)
}

func (c *fakeConn) received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.inbox))
	for i, p := range c.inbox {
		out[i] = string(p)
	}
	return out
}

func (c *fakeConn) evictions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evicted)
}

type fakeListener struct {
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
	deliver func([]byte)
}

func (l *fakeListener) Stop() {
	l.stopped.Store(true)
	l.once.Do(func() { close(l.done) })
}

func (l *fakeListener) Done() <-chan struct{} { return l.done }

// die simulates the broker connection being lost for good.
func (l *fakeListener) die() {
	l.once.Do(func() { close(l.done) })
}

type fakeSubscriber struct {
	delay time.Duration
	fail  atomic.Bool

	mu        sync.Mutex
	calls     map[int64]int
	listeners map[int64][]*fakeListener
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{calls: make(map[int64]int), listeners: make(map[int64][]*fakeListener)}
}

func (s *fakeSubscriber) Subscribe(ctx context.Context, roomID int64, deliver func([]byte)) (Listener, error) {
	s.mu.Lock()
	s.calls[roomID]++
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail.Load() {
		return nil, errors.New("broker unavailable")
	}

	l := &fakeListener{done: make(chan struct{}), deliver: deliver}
	s.mu.Lock()
	s.listeners[roomID] = append(s.listeners[roomID], l)
	s.mu.Unlock()
	return l, nil
}

func (s *fakeSubscriber) subscribeCalls(roomID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[roomID]
}

func (s *fakeSubscriber) latest(t *testing.T, roomID int64) *fakeListener {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := s.listeners[roomID]
	if len(ls) == 0 {
		t.Fatalf("no listener for room %d", roomID)
	}
	return ls[len(ls)-1]
}

func newTestRegistry(sub Subscriber, opts Options) *Registry {
	logger := zerolog.Nop()
	return NewRegistry(sub, opts, &logger)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
