package broker

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker for single-instance deployments and tests.
// Publish never blocks: a subscriber whose buffer is full misses the payload.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish implements Broker.
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[channel] {
		data := make([]byte, len(payload))
		copy(data, payload)
		select {
		case s.out <- data:
		default:
		}
	}
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &memorySubscription{broker: b, channel: channel, out: make(chan []byte, subscriptionBuffer)}
	set := b.subs[channel]
	if set == nil {
		set = make(map[*memorySubscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Subscribers reports the number of open subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Drop ends every subscription on channel as if the transport had been lost.
func (b *MemoryBroker) Drop(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		b.removeLocked(s)
	}
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			b.removeLocked(s)
		}
	}
	return nil
}

func (b *MemoryBroker) removeLocked(s *memorySubscription) {
	set, ok := b.subs[s.channel]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.channel)
	}
	close(s.out)
}

type memorySubscription struct {
	broker  *MemoryBroker
	channel string
	out     chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.removeLocked(s)
	return nil
}
