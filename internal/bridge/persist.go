package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/vovakirdan/campuschat/internal/store"
)

// Persister stores inbound chat messages through a Pool.
type Persister struct {
	pool    *Pool
	store   store.MessageStore
	timeout time.Duration
}

// NewPersister wraps st so SaveMessage runs on pool. timeout bounds each store call; zero disables it.
func NewPersister(pool *Pool, st store.MessageStore, timeout time.Duration) *Persister {
	return &Persister{pool: pool, store: st, timeout: timeout}
}

// Persist saves content sent by senderID to roomID and returns the stored record.
func (p *Persister) Persist(ctx context.Context, senderID, roomID int64, content string) (*store.Message, error) {
	var msg *store.Message
	err := p.pool.Do(ctx, func(ctx context.Context) error {
		if p.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		saved, err := p.store.SaveMessage(ctx, senderID, roomID, content)
		if err != nil {
			return err
		}
		msg = saved
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}
	return msg, nil
}
