package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// User represents an account that may open chat connections.
type User struct {
	ID           int64
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}

// Message represents a persisted chat message. It is never mutated after SaveMessage returns it.
type Message struct {
	ID        int64
	Content   string
	SenderID  int64
	EventID   int64
	CreatedAt time.Time
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new active user with hashed password.
	CreateUser(ctx context.Context, email, fullName, passwordHash string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByEmail retrieves a user by email.
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// SetUserActive toggles whether the user may connect.
	SetUserActive(ctx context.Context, id int64, active bool) error
}

// MessageStore handles chat message persistence.
type MessageStore interface {
	// SaveMessage persists a message and returns the stored record. It blocks on I/O.
	SaveMessage(ctx context.Context, senderID, eventID int64, content string) (*Message, error)

	// ListMessages retrieves messages of an event in chronological order.
	// If beforeID is provided, returns messages older than that ID.
	// Limit determines max number of messages to return.
	ListMessages(ctx context.Context, eventID int64, limit int, beforeID *int64) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}
