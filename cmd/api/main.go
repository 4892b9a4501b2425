// Package main is the entry point for the boxoffice API server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/boxoffice/internal/app"
	"github.com/onnwee/boxoffice/internal/config"
	"github.com/onnwee/boxoffice/internal/idempotency"
	"github.com/onnwee/boxoffice/internal/jobs"
	"github.com/onnwee/boxoffice/internal/middleware"
)

const (
	shutdownTimeout       = 10 * time.Second
	idempotencyCleanEvery = time.Hour
	rateLimitCleanEvery   = time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Boxoffice API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, errs := config.Load(*configPath)
	env := config.DefaultEnv
	if cfg != nil {
		env = cfg.Env
	}
	logger := middleware.NewLogger(env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// run serves until ctx is cancelled, then shuts down in order: HTTP server,
// background jobs, then the backends.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.Warn("error while closing backends", "error", err)
		}
	}()

	rateLimits := a.RateLimitStore()
	sched, err := newScheduler(a, rateLimits)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("scheduler shutdown", "error", err)
		}
	}()

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(ctx, newHTTPServer(a.Handler(rateLimits)), ln, logger)
}

// newScheduler registers the reconciliation and housekeeping jobs.
func newScheduler(a *app.App, rateLimits middleware.RateLimitStore) (*jobs.Scheduler, error) {
	sched, err := jobs.NewScheduler(a.JobMetrics, 2*time.Minute, a.Logger)
	if err != nil {
		return nil, err
	}

	interval := a.Config.PendingSweepInterval
	if err := sched.Every(jobs.JobTypePendingSweep, interval, jobs.SweepJob(a.Sweeper())); err != nil {
		return nil, err
	}
	if err := sched.Every(jobs.JobTypeEnrollmentRepair, interval, jobs.RepairJob(a.Repair())); err != nil {
		return nil, err
	}
	err = sched.Every(jobs.JobTypeIdempotencyCleanup, idempotencyCleanEvery, func(ctx context.Context) error {
		_, err := idempotency.Cleanup(ctx, a.Idempotency, idempotency.DefaultExpiry, a.Logger)
		return err
	})
	if err != nil {
		return nil, err
	}
	if mem, ok := rateLimits.(*middleware.InMemoryRateLimitStore); ok {
		err = sched.Every(jobs.JobTypeRateLimitCleanup, rateLimitCleanEvery, func(context.Context) error {
			mem.Cleanup()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// serve runs srv on ln until ctx is done, then lets in-flight requests finish
// within shutdownTimeout.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return <-errCh
}
