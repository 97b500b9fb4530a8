package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

// Queue runs publish jobs on a single background goroutine so callers never
// wait on the broker. Jobs run in submission order. When the buffer is full
// new jobs are dropped and counted.
type Queue struct {
	name    string
	jobs    chan job
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

type job struct {
	key string
	run func(ctx context.Context) error
}

func NewQueue(name string, size int, timeout time.Duration, logger *slog.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	q := &Queue{
		name:    name,
		jobs:    make(chan job, size),
		timeout: timeout,
		logger:  logging.Component(logger, "stream").With("stream", name),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

// Submit enqueues run without blocking. It reports false when the job was
// dropped, either because the queue is closed or because it is full.
func (q *Queue) Submit(key string, run func(ctx context.Context) error) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.jobs <- job{key: key, run: run}:
		return true
	default:
		observability.StreamDropped.WithLabelValues(q.name).Inc()
		q.logger.Warn("publish queue full, dropping message", "key", key)
		return false
	}
}

func (q *Queue) loop() {
	defer close(q.done)
	for j := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := j.run(ctx); err != nil {
			q.logger.Warn("publish failed", "key", j.key, "error", err)
		}
		cancel()
	}
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}
