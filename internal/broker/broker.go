// Package broker abstracts the shared publish/subscribe transport used for
// cross-instance fanout. Delivery is at-most-once and best-effort; nothing is
// replayed to late or reconnecting subscribers.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

// Broker publishes payloads to named channels and opens subscriptions on them.
type Broker interface {
	// Publish submits payload on channel. It does not wait for subscribers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns once the broker has confirmed the subscription.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases broker resources and ends every open subscription.
	Close() error
}

// Subscription is a live channel subscription.
type Subscription interface {
	// Messages yields received payloads. It is closed when the subscription
	// ends, either through Close or because the broker connection was lost.
	Messages() <-chan []byte

	// Close ends the subscription. It is safe to call more than once.
	Close() error
}

const subscriptionBuffer = 64
