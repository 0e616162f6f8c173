package http

import (
	"time"

	"github.com/benbjohnson/clock"
)

const rateWindow = time.Minute

// rateLimiter is a fixed one-minute window counter owned by a single read loop.
type rateLimiter struct {
	limit  int
	clock  clock.Clock
	window time.Time
	count  int
}

func newRateLimiter(limit int, clk clock.Clock) *rateLimiter {
	if limit <= 0 {
		return &rateLimiter{limit: 0}
	}
	return &rateLimiter{limit: limit, clock: clk}
}

func (r *rateLimiter) allow() bool {
	if r == nil || r.limit <= 0 {
		return true
	}
	now := r.clock.Now()
	if now.Sub(r.window) >= rateWindow {
		r.window = now
		r.count = 0
	}
	r.count++
	return r.count <= r.limit
}
