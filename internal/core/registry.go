package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// State describes a room's broker subscription as seen by this process.
type State int

const (
	// StateEmpty means no live subscription exists for the room.
	StateEmpty State = iota
	// StateSubscribing means the first connection attached and the subscribe is in flight.
	StateSubscribing
	// StateActive means the listener is running and the room has local connections.
	StateActive
	// StateDraining means the last local connection left and the listener is kept for the idle grace period.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options tunes a Registry.
type Options struct {
	// IdleGrace keeps a room's listener running this long after its last
	// local connection detaches. Zero stops it immediately.
	IdleGrace time.Duration
	// Clock drives the idle timers. Defaults to the wall clock.
	Clock clock.Clock
}

// subscription tracks one "room becomes non-empty" generation of a room's listener.
type subscription struct {
	ready    chan struct{} // closed once err/listener are set
	err      error
	listener Listener

	idle    *clock.Timer
	idleGen int
}

func (s *subscription) settled() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *subscription) dead() bool {
	if !s.settled() {
		return false
	}
	if s.err != nil || s.listener == nil {
		return true
	}
	select {
	case <-s.listener.Done():
		return true
	default:
		return false
	}
}

// Registry maps room IDs to their locally attached connections and keeps
// exactly one broker listener per non-empty room.
type Registry struct {
	subscriber Subscriber
	grace      time.Duration
	clock      clock.Clock
	log        *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[int64]*Room
	subs   map[int64]*subscription
	closed bool
}

// NewRegistry creates an empty registry whose listeners are opened through sub.
func NewRegistry(sub Subscriber, opts Options, logger *zerolog.Logger) *Registry {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		subscriber: sub,
		grace:      opts.IdleGrace,
		clock:      clk,
		log:        logger,
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[int64]*Room),
		subs:       make(map[int64]*subscription),
	}
}

// Attach registers c under its room. The first connection of a room starts
// the room's subscription; every attacher waits until it is confirmed. On
// failure c is detached again and the error is returned.
func (r *Registry) Attach(ctx context.Context, c Conn) error {
	id := c.RoomID()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	room, ok := r.rooms[id]
	if !ok {
		room = NewRoom(id)
		r.rooms[id] = room
	}
	room.AddConn(c)

	sub := r.subs[id]
	if sub != nil && sub.dead() {
		delete(r.subs, id)
		sub = nil
	}
	switch {
	case sub == nil:
		sub = &subscription{ready: make(chan struct{})}
		r.subs[id] = sub
		go r.subscribe(id, sub)
	case sub.idle != nil:
		sub.idle.Stop()
		sub.idle = nil
		r.log.Debug().Int64("event_id", id).Msg("room listener resumed within grace period")
	}
	conns := room.Len()
	r.mu.Unlock()

	select {
	case <-sub.ready:
	case <-ctx.Done():
		r.Detach(c)
		return ctx.Err()
	}
	if sub.err != nil {
		r.Detach(c)
		return fmt.Errorf("%w: room %d: %v", ErrSubscribeFailed, id, sub.err)
	}

	r.log.Info().
		Int64("event_id", id).
		Str("conn_id", c.ID()).
		Int64("user_id", c.UserID()).
		Int("connections", conns).
		Msg("connection attached")
	return nil
}

// Detach removes c from its room. It returns false, and does nothing, if c
// was not attached.
func (r *Registry) Detach(c Conn) bool {
	id := c.RoomID()

	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok || !room.RemoveConn(c) {
		return false
	}
	r.log.Info().Int64("event_id", id).Str("conn_id", c.ID()).Int("connections", room.Len()).Msg("connection detached")
	if !room.Empty() {
		return true
	}

	delete(r.rooms, id)
	sub := r.subs[id]
	if sub == nil {
		return true
	}
	if r.grace <= 0 {
		delete(r.subs, id)
		go r.release(id, sub)
		return true
	}

	sub.idleGen++
	gen := sub.idleGen
	sub.idle = r.clock.AfterFunc(r.grace, func() { r.expire(id, sub, gen) })
	return true
}

// BroadcastLocal sends payload to every connection attached to roomID at call
// time and returns how many accepted it. Send failures are logged only.
func (r *Registry) BroadcastLocal(roomID int64, payload []byte) int {
	r.mu.Lock()
	room := r.rooms[roomID]
	if room == nil {
		r.mu.Unlock()
		return 0
	}
	conns := room.Snapshot()
	r.mu.Unlock()

	delivered := 0
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			r.log.Warn().Err(err).Int64("event_id", roomID).Str("conn_id", c.ID()).Msg("local broadcast send failed")
			continue
		}
		delivered++
	}
	return delivered
}

// State reports the subscription state of roomID.
func (r *Registry) State(roomID int64) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := r.subs[roomID]
	switch {
	case sub == nil:
		return StateEmpty
	case !sub.settled():
		return StateSubscribing
	case r.rooms[roomID] == nil:
		return StateDraining
	default:
		return StateActive
	}
}

// ConnCount returns the number of local connections attached to roomID.
func (r *Registry) ConnCount(roomID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room := r.rooms[roomID]; room != nil {
		return room.Len()
	}
	return 0
}

// RoomCount returns the number of rooms with at least one local connection.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Close stops every listener and evicts all attached connections. Attach fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[int64]*subscription)
	for _, sub := range subs {
		if sub.idle != nil {
			sub.idle.Stop()
			sub.idle = nil
		}
	}
	var conns []Conn
	for _, room := range r.rooms {
		conns = append(conns, room.Snapshot()...)
	}
	r.mu.Unlock()

	r.cancel()
	for _, c := range conns {
		c.Evict("server shutting down")
	}
	for id, sub := range subs {
		r.release(id, sub)
	}
}

func (r *Registry) subscribe(id int64, sub *subscription) {
	listener, err := r.subscriber.Subscribe(r.ctx, id, func(payload []byte) {
		r.BroadcastLocal(id, payload)
	})

	r.mu.Lock()
	sub.listener, sub.err = listener, err
	if err != nil && r.subs[id] == sub {
		delete(r.subs, id)
	}
	close(sub.ready)
	r.mu.Unlock()

	if err != nil {
		r.log.Error().Err(err).Int64("event_id", id).Msg("room subscribe failed")
		return
	}
	r.log.Info().Int64("event_id", id).Msg("room listener started")
	go r.watch(id, sub)
}

// watch evicts the room's connections if its listener dies on its own, so
// clients reconnect and the next attach subscribes again.
func (r *Registry) watch(id int64, sub *subscription) {
	<-sub.listener.Done()

	r.mu.Lock()
	if r.subs[id] != sub {
		r.mu.Unlock()
		return
	}
	delete(r.subs, id)
	if sub.idle != nil {
		sub.idle.Stop()
		sub.idle = nil
	}
	var conns []Conn
	if room := r.rooms[id]; room != nil {
		conns = room.Snapshot()
	}
	r.mu.Unlock()

	r.log.Warn().Int64("event_id", id).Int("connections", len(conns)).Msg("room listener lost, evicting connections")
	for _, c := range conns {
		c.Evict("room fanout unavailable")
	}
}

func (r *Registry) expire(id int64, sub *subscription, gen int) {
	r.mu.Lock()
	if r.subs[id] != sub || r.rooms[id] != nil || sub.idle == nil || sub.idleGen != gen {
		r.mu.Unlock()
		return
	}
	delete(r.subs, id)
	sub.idle = nil
	r.mu.Unlock()

	r.release(id, sub)
}

func (r *Registry) release(id int64, sub *subscription) {
	<-sub.ready
	if sub.listener != nil {
		sub.listener.Stop()
	}
	r.log.Info().Int64("event_id", id).Msg("room listener stopped")
}
