package core

import "errors"

var (
	// ErrClosed is returned by Attach after the registry is closed.
	ErrClosed = errors.New("room registry closed")
	// ErrSubscribeFailed is returned by Attach when the room could not be subscribed on the broker.
	ErrSubscribeFailed = errors.New("room subscription failed")
	// ErrSlowConsumer is returned by Conn.Send when the connection's buffer is full.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrConnClosed is returned by Conn.Send after the connection has gone away.
	ErrConnClosed = errors.New("connection closed")
)
