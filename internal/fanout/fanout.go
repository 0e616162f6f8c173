// Package fanout maps chat rooms onto broker channels and keeps one receive
// loop per subscribed room.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/campuschat/internal/broker"
	"github.com/vovakirdan/campuschat/internal/core"
	"github.com/vovakirdan/campuschat/internal/proto"
	"github.com/vovakirdan/campuschat/internal/store"
)

const channelPrefix = "chat:"

// ChannelName returns the broker channel of roomID.
func ChannelName(roomID int64) string {
	return channelPrefix + strconv.FormatInt(roomID, 10)
}

// RetryPolicy bounds re-subscription after a listener loses its broker subscription.
type RetryPolicy struct {
	MaxRetries int
	Min        time.Duration
	Max        time.Duration
	// Clock drives the waits between attempts. Defaults to the wall clock.
	Clock clock.Clock
}

// Fanout publishes persisted messages and opens room listeners on a Broker.
type Fanout struct {
	broker broker.Broker
	retry  RetryPolicy
	clock  clock.Clock
	log    *zerolog.Logger
}

// New creates a Fanout over b.
func New(b broker.Broker, retry RetryPolicy, logger *zerolog.Logger) *Fanout {
	clk := retry.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Fanout{broker: b, retry: retry, clock: clk, log: logger}
}

// Publish encodes msg and publishes it on its room's channel.
func (f *Fanout) Publish(ctx context.Context, msg *store.Message) error {
	payload, err := proto.FromStore(msg).Encode()
	if err != nil {
		return err
	}
	if err := f.broker.Publish(ctx, ChannelName(msg.EventID), payload); err != nil {
		return fmt.Errorf("publish message %d: %w", msg.ID, err)
	}
	return nil
}

// Subscribe implements core.Subscriber. It returns once the broker has
// confirmed the subscription; deliver is then called for every payload
// received on the room's channel until the listener stops.
func (f *Fanout) Subscribe(ctx context.Context, roomID int64, deliver func([]byte)) (core.Listener, error) {
	channel := ChannelName(roomID)
	sub, err := f.broker.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &listener{
		fanout:  f,
		channel: channel,
		deliver: deliver,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go l.run(lctx, sub)
	return l, nil
}

type listener struct {
	fanout  *Fanout
	channel string
	deliver func([]byte)

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *listener) Stop() {
	l.once.Do(l.cancel)
	<-l.done
}

func (l *listener) Done() <-chan struct{} { return l.done }

func (l *listener) run(ctx context.Context, sub broker.Subscription) {
	defer close(l.done)
	log := l.fanout.log.With().Str("channel", l.channel).Logger()

	for sub != nil {
		lost := l.pump(ctx, sub)
		_ = sub.Close()
		if !lost {
			log.Debug().Msg("room listener cancelled")
			return
		}
		log.Warn().Msg("broker subscription lost")
		sub = l.resubscribe(ctx, &log)
	}
}

// pump forwards payloads until ctx is cancelled (false) or the subscription ends on its own (true).
func (l *listener) pump(ctx context.Context, sub broker.Subscription) bool {
	msgs := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			return false
		case payload, ok := <-msgs:
			if !ok {
				return ctx.Err() == nil
			}
			l.deliver(payload)
		}
	}
}

func (l *listener) resubscribe(ctx context.Context, log *zerolog.Logger) broker.Subscription {
	policy := l.fanout.retry
	b := &backoff.Backoff{Min: policy.Min, Max: policy.Max, Factor: 2, Jitter: true}

	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		wait := b.Duration()
		t := l.fanout.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		sub, err := l.fanout.broker.Subscribe(ctx, l.channel)
		if err == nil {
			log.Info().Int("attempt", attempt).Msg("broker subscription restored")
			return sub
		}
		if errors.Is(err, broker.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("resubscribe failed")
	}
	log.Error().Int("max_retries", policy.MaxRetries).Msg("giving up on broker subscription")
	return nil
}
