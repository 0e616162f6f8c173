package core

import (
	"context"
)

// Conn is a client connection attached to exactly one room for its lifetime.
type Conn interface {
	ID() string
	UserID() int64
	RoomID() int64

	// Send queues payload for delivery without blocking.
	Send(payload []byte) error

	// Evict asks the transport to close the connection so the client reconnects.
	// The registry still expects Detach once the transport has closed.
	Evict(reason string)
}

// Listener is a running per-room broker receive loop.
type Listener interface {
	// Stop cancels the loop and waits for it to exit.
	Stop()

	// Done is closed once the loop has exited for any reason.
	Done() <-chan struct{}
}

// Subscriber opens per-room listeners. deliver receives every payload published to the room.
type Subscriber interface {
	Subscribe(ctx context.Context, roomID int64, deliver func(payload []byte)) (Listener, error)
}
