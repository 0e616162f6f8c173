package core

// Room groups the local connections attached to the same event chat.
// It is not safe for concurrent use; the Registry guards it.
type Room struct {
	ID    int64
	conns map[Conn]struct{}
}

// NewRoom constructs a room with no connections.
func NewRoom(id int64) *Room {
	return &Room{
		ID:    id,
		conns: make(map[Conn]struct{}),
	}
}

// AddConn inserts a connection into the room. Returns true if newly added.
func (r *Room) AddConn(c Conn) bool {
	if _, exists := r.conns[c]; exists {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

// RemoveConn deletes a connection from the room. Returns true if removed.
func (r *Room) RemoveConn(c Conn) bool {
	if _, exists := r.conns[c]; !exists {
		return false
	}
	delete(r.conns, c)
	return true
}

// Snapshot returns the attached connections at call time.
func (r *Room) Snapshot() []Conn {
	out := make([]Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of attached connections.
func (r *Room) Len() int {
	return len(r.conns)
}

// Empty returns true if no connections are in the room.
func (r *Room) Empty() bool {
	return len(r.conns) == 0
}
