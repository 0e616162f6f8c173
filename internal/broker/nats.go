package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const natsFlushTimeout = 2 * time.Second

// DialNATS connects to a NATS server with unlimited reconnects.
func DialNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("campuschat"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSBroker implements Broker over core NATS subjects. The channel name is used as the subject.
type NATSBroker struct {
	nc    *nats.Conn
	owned bool
}

// NewNATS wraps nc. When owned is true Close drains and closes the connection.
func NewNATS(nc *nats.Conn, owned bool) *NATSBroker {
	return &NATSBroker{nc: nc, owned: owned}
}

// Publish implements Broker.
func (b *NATSBroker) Publish(_ context.Context, channel string, payload []byte) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	if err := b.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker. A flush round-trip confirms the server registered the interest.
func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}

	msgs := make(chan *nats.Msg, subscriptionBuffer)
	ns, err := b.nc.ChanSubscribe(channel, msgs)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	timeout, err := flushTimeout(ctx)
	if err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := b.nc.FlushTimeout(timeout); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: flush: %w", channel, err)
	}

	sub := &natsSubscription{
		nc:     b.nc,
		sub:    ns,
		in:     msgs,
		closed: b.nc.StatusChanged(nats.CLOSED),
		out:    make(chan []byte, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

// flushTimeout bounds the confirming flush by ctx. FlushTimeout rejects
// non-positive durations, so a nearly expired deadline is clamped.
func flushTimeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return natsFlushTimeout, nil
	}
	return max(time.Until(deadline), time.Millisecond), nil
}

// Close implements Broker.
func (b *NATSBroker) Close() error {
	if !b.owned || b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

type natsSubscription struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	in     chan *nats.Msg
	closed chan nats.Status
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *natsSubscription) forward() {
	defer close(s.out)
	defer s.nc.RemoveStatusListener(s.closed)
	for {
		select {
		case m := <-s.in:
			select {
			case s.out <- m.Data:
			case <-s.done:
				return
			}
		case <-s.closed:
			return
		case <-s.done:
			return
		}
	}
}

func (s *natsSubscription) Messages() <-chan []byte { return s.out }

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if !s.nc.IsClosed() {
			err = s.sub.Unsubscribe()
		}
	})
	return err
}
