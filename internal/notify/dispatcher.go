package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of notification work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Dispatcher runs notification jobs on a fixed pool of workers so that the
// caller never waits on delivery. Jobs that fail are logged and dropped.
type Dispatcher struct {
	jobs    chan Job
	timeout time.Duration
	logger  *slog.Logger

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers goroutines reading from a queue of size
// queueSize. Each job gets its own context bounded by timeout.
func NewDispatcher(workers, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		jobs:    make(chan Job, queueSize),
		timeout: timeout,
		logger:  logger,
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.work()
	}
	return d
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.run(job)
	}
}

func (d *Dispatcher) run(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification job panicked", "job", job.Name, "panic", r)
		}
	}()

	if err := job.Run(ctx); err != nil {
		d.logger.Warn("notification failed", "job", job.Name, "error", err)
	}
}

// Enqueue schedules job without blocking. It reports false when the queue
// is full or the dispatcher is closed; the job is then dropped.
func (d *Dispatcher) Enqueue(job Job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		d.logger.Warn("notification queue full, dropping job", "job", job.Name)
		return false
	}
}

// Close stops accepting jobs and waits for queued ones to finish or ctx to
// expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
