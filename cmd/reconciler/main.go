// Package main is the entry point for the one-shot reconciler. It resolves
// stale PENDING payments against the gateway and repairs missing enrollments,
// the same work the API server schedules, for cron or manual runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/boxoffice/internal/app"
	"github.com/onnwee/boxoffice/internal/config"
	"github.com/onnwee/boxoffice/internal/jobs"
	"github.com/onnwee/boxoffice/internal/middleware"
)

type options struct {
	orderID    string
	minAge     time.Duration
	batch      int
	skipRepair bool
}

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	orderID := flag.String("order", "", "resync a single order id and exit")
	minAge := flag.Duration("min-age", 0, "only sweep PENDING payments older than this (default PENDING_SWEEP_MIN_AGE)")
	batch := flag.Int("batch", jobs.DefaultBatchSize, "maximum payments per pass")
	skipRepair := flag.Bool("skip-repair", false, "do not repair missing enrollments")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Boxoffice Reconciler")
		fmt.Println()
		fmt.Println("Usage: reconciler [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	opts := options{orderID: *orderID, minAge: *minAge, batch: *batch, skipRepair: *skipRepair}
	failed := run(ctx, a, opts, logger)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		logger.Warn("error while closing backends", "error", err)
	}
	if failed {
		os.Exit(1)
	}
}

// run performs one reconciliation pass and reports whether anything failed.
func run(ctx context.Context, a *app.App, opts options, logger *slog.Logger) bool {
	if opts.orderID != "" {
		out, err := a.Machine.Resync(ctx, opts.orderID)
		if err != nil {
			logger.Error("resync failed", "order_id", opts.orderID, "error", err)
			return true
		}
		logger.Info("resync complete",
			"order_id", opts.orderID,
			"status", string(out.Payment.Status),
			"applied", out.Applied)
		return false
	}

	sweeper := a.Sweeper()
	sweeper.BatchSize = opts.batch
	if opts.minAge > 0 {
		sweeper.MinAge = opts.minAge
	}
	return pass(ctx, sweeper, repairer(a, opts), logger)
}

func repairer(a *app.App, opts options) *jobs.EnrollmentRepair {
	if opts.skipRepair {
		return nil
	}
	r := a.Repair()
	r.BatchSize = opts.batch
	return r
}

// pass runs the sweep and then the repair, so payments the sweep moved to
// SUCCESS without an enrollment are picked up in the same run.
func pass(ctx context.Context, sweeper *jobs.PendingSweeper, repair *jobs.EnrollmentRepair, logger *slog.Logger) bool {
	failed := false

	swept, err := sweeper.Run(ctx)
	if err != nil {
		failed = true
	}
	logger.Info("pending sweep finished",
		"checked", swept.Checked, "resolved", swept.Resolved, "failed", swept.Failed)

	if repair == nil {
		return failed
	}
	repaired, err := repair.Run(ctx)
	if err != nil {
		failed = true
	}
	logger.Info("enrollment repair finished",
		"checked", repaired.Checked, "repaired", repaired.Resolved,
		"flagged", repaired.Flagged, "failed", repaired.Failed)
	return failed
}
