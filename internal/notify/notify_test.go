package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (s *recordingSink) Send(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return s.err
}

func (s *recordingSink) sent() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

type sinkFunc func(ctx context.Context, job Job) error

func (f sinkFunc) Send(ctx context.Context, job Job) error { return f(ctx, job) }

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func TestDispatcherDeliversJob(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, time.Second, nopLogger())

	d.Notify(3, "Chat joined", "You joined the event chat", map[string]any{"event_id": int64(42)})
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	jobs := sink.sent()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	if jobs[0].RecipientID != 3 || jobs[0].Title != "Chat joined" {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
}

func TestDispatcherSwallowsFailuresAndPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(zerolog.SyncWriter(&buf))

	var mu sync.Mutex
	calls := 0
	sink := sinkFunc(func(context.Context, Job) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			panic("provider exploded")
		}
		return errors.New("provider down")
	})
	d := NewDispatcher(sink, 0, &logger)

	d.Notify(1, "a", "b", nil)
	d.Notify(2, "a", "b", nil)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "notification panicked") || !strings.Contains(out, "notification failed") {
		t.Fatalf("expected both failures to be logged, got %s", out)
	}
}

func TestDispatcherShutdownCancelsSlowJobs(t *testing.T) {
	cancelled := make(chan struct{})
	sink := sinkFunc(func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	d := NewDispatcher(sink, 0, nopLogger())
	d.Notify(1, "slow", "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("running job was not cancelled")
	}
}

func TestDispatcherDropsAfterShutdown(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 0, nopLogger())
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	d.Notify(1, "late", "", nil)
	time.Sleep(10 * time.Millisecond)
	if n := len(sink.sent()); n != 0 {
		t.Fatalf("expected no jobs after shutdown, got %d", n)
	}
}

func TestRedisSinkPushesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisSink(client, "notifications")
	job := Job{RecipientID: 5, Title: "Chat joined", Body: "hello", Payload: map[string]any{"event_id": float64(7)}}
	if err := sink.Send(context.Background(), job); err != nil {
		t.Fatalf("send: %v", err)
	}

	items, err := mr.List("notifications")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 queued job, got %d", len(items))
	}
	var got Job
	if err := json.Unmarshal([]byte(items[0]), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RecipientID != 5 || got.Title != job.Title || got.Payload["event_id"] != float64(7) {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestRedisSinkReportsFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	if err := NewRedisSink(client, "notifications").Send(context.Background(), Job{RecipientID: 1}); err == nil {
		t.Fatalf("expected error from unreachable redis")
	}
}

func TestLogSinkWritesJob(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	if err := NewLogSink(&logger).Send(context.Background(), Job{RecipientID: 9, Title: "Chat joined"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(buf.String(), `"recipient_id":9`) {
		t.Fatalf("unexpected log output %s", buf.String())
	}
}
