package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/hydration"
	"github.com/gantrylabs/gantry/pkg/queue"
)

// runWorker boots the background process: queue consumers for hydration
// and evaluation jobs, plus the daily hydration scheduler when enabled.
func runWorker(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	if cfg.RedisURL == "" {
		fmt.Fprintln(stderr, "worker requires REDIS_URL; the API server can run without one, the worker cannot")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcs, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "%sstartup failed:%s %v\n", colorBold, colorReset, err)
		return 1
	}
	defer svcs.Close()

	consumer := consumerName()
	fmt.Fprintf(stdout, "%sgantry%s worker %s consuming as %s\n", colorCyan, colorReset, version, consumer)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svcs.queue.Consume(gctx, queue.JobHydration, consumer, svcs.pipeline.JobHandler())
	})
	g.Go(func() error {
		return svcs.queue.Consume(gctx, queue.JobEvaluation, consumer, svcs.harness.JobHandler())
	})

	if cfg.HydrationEnabled {
		sched, err := hydration.NewScheduler(svcs.pipeline, svcs.engine, hydration.SchedulerConfig{
			Hour:          cfg.HydrationHour,
			Minute:        cfg.HydrationMinute,
			Timezone:      cfg.HydrationTZ,
			Poll:          time.Duration(cfg.HydrationPollSeconds) * time.Second,
			LockTTL:       cfg.LockTTL,
			ServiceUserID: cfg.HydrationServiceUserID,
			ForceFullScan: cfg.HydrationForceFullScan,
		}, logger)
		if err != nil {
			fmt.Fprintf(stderr, "%sstartup failed:%s %v\n", colorBold, colorReset, err)
			return 1
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "worker error: %v\n", err)
		return 1
	}
	logger.Info("worker stopped")
	return 0
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "gantry"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
