package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Func is one run of a background job.
type Func func(ctx context.Context) error

// Scheduler runs named jobs at fixed intervals. A job never overlaps itself:
// a run still in progress when the next tick fires causes that tick to be
// skipped.
type Scheduler struct {
	cron    gocron.Scheduler
	metrics *Metrics
	logger  *slog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped Scheduler. Each run gets at most timeout;
// zero means one minute.
func NewScheduler(metrics *Metrics, timeout time.Duration, logger *slog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron,
		metrics: metrics,
		logger:  orDefault(logger),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Every registers fn under jobType to run every interval, with the first run
// one interval after Start.
func (s *Scheduler) Every(jobType string, interval time.Duration, fn Func) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.instrument(jobType, fn)),
		gocron.WithName(jobType),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", jobType, err)
	}
	s.logger.Info("background job scheduled", "job_type", jobType, "interval", interval.String())
	return nil
}

// Start begins running the registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Shutdown cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.cron.Shutdown()
}

// instrument wraps fn with a timeout, logging and job metrics.
func (s *Scheduler) instrument(jobType string, fn Func) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		start := time.Now()
		err := fn(ctx)
		s.metrics.ObserveJobDuration(jobType, time.Since(start).Seconds())

		if err != nil {
			s.metrics.IncJobsTotal(jobType, StatusFailure)
			s.metrics.IncJobErrors(jobType, errorType(err))
			s.logger.ErrorContext(ctx, "background job failed",
				"job_type", jobType,
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
			return
		}
		s.metrics.IncJobsTotal(jobType, StatusSuccess)
		s.logger.DebugContext(ctx, "background job completed",
			"job_type", jobType,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// SweepJob adapts a PendingSweeper to a Func.
func SweepJob(s *PendingSweeper) Func {
	return func(ctx context.Context) error {
		_, err := s.Run(ctx)
		return err
	}
}

// RepairJob adapts an EnrollmentRepair to a Func.
func RepairJob(r *EnrollmentRepair) Func {
	return func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	}
}
