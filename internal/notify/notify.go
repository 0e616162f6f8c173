// Package notify runs fire-and-forget user notifications next to the chat path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Job is a single notification for one user.
type Job struct {
	RecipientID int64          `json:"recipient_id"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Sink delivers notification jobs to a push provider.
type Sink interface {
	Send(ctx context.Context, job Job) error
}

// LogSink writes jobs to the logger instead of delivering them.
type LogSink struct {
	log *zerolog.Logger
}

// NewLogSink creates a sink that logs every job at info level.
func NewLogSink(logger *zerolog.Logger) *LogSink {
	return &LogSink{log: logger}
}

func (s *LogSink) Send(_ context.Context, job Job) error {
	s.log.Info().
		Int64("recipient_id", job.RecipientID).
		Str("title", job.Title).
		Str("body", job.Body).
		Interface("payload", job.Payload).
		Msg("notification")
	return nil
}

// NopSink drops every job.
type NopSink struct{}

func (NopSink) Send(context.Context, Job) error { return nil }

// RedisSink pushes JSON-encoded jobs onto a Redis list consumed by an external push worker.
type RedisSink struct {
	client *redis.Client
	key    string
}

// NewRedisSink creates a sink that LPUSHes onto key. The client is owned by the caller.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

func (s *RedisSink) Send(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := s.client.LPush(ctx, s.key, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", s.key, err)
	}
	return nil
}

// Dispatcher runs each job in its own supervised goroutine. Callers never
// observe the outcome: failures and panics are logged and dropped.
type Dispatcher struct {
	sink    Sink
	timeout time.Duration
	log     *zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     conc.WaitGroup
}

// NewDispatcher creates a dispatcher over sink. timeout bounds each job; zero disables it.
func NewDispatcher(sink Sink, timeout time.Duration, logger *zerolog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{sink: sink, timeout: timeout, log: logger, ctx: ctx, cancel: cancel}
}

// Notify schedules a job and returns immediately. It is a no-op after Shutdown.
func (d *Dispatcher) Notify(recipientID int64, title, body string, payload map[string]any) {
	job := Job{RecipientID: recipientID, Title: title, Body: body, Payload: payload}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Debug().Int64("recipient_id", recipientID).Msg("notification dropped after shutdown")
		return
	}
	d.wg.Go(func() { d.run(job) })
}

func (d *Dispatcher) run(job Job) {
	var pc panics.Catcher
	pc.Try(func() {
		ctx := d.ctx
		if d.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.timeout)
			defer cancel()
		}
		if err := d.sink.Send(ctx, job); err != nil {
			d.log.Warn().Err(err).Int64("recipient_id", job.RecipientID).Msg("notification failed")
			return
		}
		d.log.Debug().Int64("recipient_id", job.RecipientID).Str("title", job.Title).Msg("notification sent")
	})
	if r := pc.Recovered(); r != nil {
		d.log.Warn().Err(r.AsError()).Int64("recipient_id", job.RecipientID).Msg("notification panicked")
	}
}

// Shutdown stops accepting jobs and waits for running ones. If ctx expires
// first, running jobs are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}
