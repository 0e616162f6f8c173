package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/campuschat/internal/broker"
	"github.com/vovakirdan/campuschat/internal/proto"
	"github.com/vovakirdan/campuschat/internal/store"
)

var fastRetry = RetryPolicy{MaxRetries: 3, Min: time.Millisecond, Max: 5 * time.Millisecond}

func newTestFanout(b broker.Broker, retry RetryPolicy) *Fanout {
	logger := zerolog.Nop()
	return New(b, retry, &logger)
}

type inbox struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (i *inbox) deliver(p []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.payloads = append(i.payloads, p)
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.payloads)
}

func (i *inbox) at(n int) []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.payloads[n]
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestChannelName(t *testing.T) {
	if got := ChannelName(42); got != "chat:42" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestPublishDeliversWirePayload(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	f := newTestFanout(b, fastRetry)

	var in inbox
	l, err := f.Subscribe(context.Background(), 42, in.deliver)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer l.Stop()

	created := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	msg := &store.Message{ID: 9, Content: "hi", SenderID: 3, EventID: 42, CreatedAt: created}
	if err := f.Publish(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	eventually(t, func() bool { return in.len() == 1 }, "payload delivered")
	got, err := proto.DecodeMessage(in.at(0))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := proto.Message{ID: 9, Content: "hi", SenderID: 3, EventID: 42, CreatedAt: "2026-03-01T12:30:00Z"}
	if got != want {
		t.Fatalf("unexpected payload %+v, want %+v", got, want)
	}
}

func TestPublishOnlyReachesOwnRoom(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	f := newTestFanout(b, fastRetry)

	var in inbox
	l, err := f.Subscribe(context.Background(), 1, in.deliver)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer l.Stop()

	if err := f.Publish(context.Background(), &store.Message{ID: 1, EventID: 2, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if in.len() != 0 {
		t.Fatalf("room 1 received a room 2 message")
	}
}

func TestStopEndsSubscription(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	f := newTestFanout(b, fastRetry)

	l, err := f.Subscribe(context.Background(), 5, func([]byte) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := b.Subscribers(ChannelName(5)); n != 1 {
		t.Fatalf("expected 1 broker subscriber, got %d", n)
	}

	l.Stop()
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Fatalf("done must be closed after stop")
	}
	if n := b.Subscribers(ChannelName(5)); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
}

func TestListenerResubscribesAfterLoss(t *testing.T) {
	b := broker.NewMemory()
	defer b.Close()
	f := newTestFanout(b, fastRetry)

	var in inbox
	l, err := f.Subscribe(context.Background(), 6, in.deliver)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer l.Stop()

	channel := ChannelName(6)
	b.Drop(channel)
	eventually(t, func() bool { return b.Subscribers(channel) == 1 }, "resubscribed")

	if err := b.Publish(context.Background(), channel, []byte("after")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventually(t, func() bool { return in.len() == 1 }, "delivery after resubscribe")
	select {
	case <-l.Done():
		t.Fatalf("listener must survive a recoverable loss")
	default:
	}
}

// flakyBroker confirms the first subscribe and fails every later one.
type flakyBroker struct {
	*broker.MemoryBroker
	subscribes atomic.Int32
}

func (b *flakyBroker) Subscribe(ctx context.Context, channel string) (broker.Subscription, error) {
	if b.subscribes.Add(1) > 1 {
		return nil, errors.New("connection refused")
	}
	return b.MemoryBroker.Subscribe(ctx, channel)
}

func TestListenerGivesUpAfterRetries(t *testing.T) {
	b := &flakyBroker{MemoryBroker: broker.NewMemory()}
	defer b.Close()
	f := newTestFanout(b, fastRetry)

	l, err := f.Subscribe(context.Background(), 7, func([]byte) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b.Drop(ChannelName(7))
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not give up")
	}
	if got := b.subscribes.Load(); got != int32(1+fastRetry.MaxRetries) {
		t.Fatalf("expected %d subscribe attempts, got %d", 1+fastRetry.MaxRetries, got)
	}
	l.Stop()
}

func TestListenerBackoffFollowsClock(t *testing.T) {
	mock := clock.NewMock()
	b := &flakyBroker{MemoryBroker: broker.NewMemory()}
	defer b.Close()
	f := newTestFanout(b, RetryPolicy{MaxRetries: 3, Min: time.Second, Max: time.Second, Clock: mock})

	l, err := f.Subscribe(context.Background(), 9, func([]byte) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer l.Stop()

	b.Drop(ChannelName(9))
	// Wall time alone never advances the retry timer.
	time.Sleep(50 * time.Millisecond)
	if got := b.subscribes.Load(); got != 1 {
		t.Fatalf("expected no retry before the clock moves, got %d subscribes", got)
	}

	for want := int32(2); want <= 4; want++ {
		eventually(t, func() bool {
			mock.Add(time.Second)
			return b.subscribes.Load() >= want
		}, "retry after backoff")
	}
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not give up after retries")
	}
	if got := b.subscribes.Load(); got != 4 {
		t.Fatalf("expected 4 subscribe attempts, got %d", got)
	}
}

func TestListenerStopsWhenBrokerCloses(t *testing.T) {
	b := broker.NewMemory()
	f := newTestFanout(b, RetryPolicy{MaxRetries: 100, Min: time.Millisecond, Max: time.Millisecond})

	l, err := f.Subscribe(context.Background(), 8, func([]byte) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = b.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatalf("listener kept retrying against a closed broker")
	}
}

func TestSubscribeFailure(t *testing.T) {
	b := broker.NewMemory()
	_ = b.Close()
	f := newTestFanout(b, fastRetry)

	if _, err := f.Subscribe(context.Background(), 1, func([]byte) {}); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected broker.ErrClosed, got %v", err)
	}
	if err := f.Publish(context.Background(), &store.Message{EventID: 1, CreatedAt: time.Now()}); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected publish to fail with broker.ErrClosed, got %v", err)
	}
}
