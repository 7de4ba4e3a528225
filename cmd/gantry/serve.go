package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/server"
)

// runServe boots the API server. Workers run in a separate process; the
// server only enqueues.
func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcs, err := buildServices(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "%sstartup failed:%s %v\n", colorBold, colorReset, err)
		return 1
	}
	defer svcs.Close()

	if cfg.AuditRetentionDays > 0 {
		go retainAuditLog(ctx, svcs, cfg.AuditRetentionDays)
	}

	srv, err := server.New(svcs.serverDeps())
	if err != nil {
		fmt.Fprintf(stderr, "%sstartup failed:%s %v\n", colorBold, colorReset, err)
		return 1
	}

	fmt.Fprintf(stdout, "%sgantry%s %s listening on :%s\n", colorCyan, colorReset, version, cfg.Port)
	if err := srv.ListenAndServe(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(stderr, "server error: %v\n", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}

// retainAuditLog prunes audit entries past the retention window once a
// day. Only the oldest prefix of the chain is removed; the in-memory
// head is untouched.
func retainAuditLog(ctx context.Context, svcs *services, days int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svcs.auditor.Cleanup(ctx, days)
			if err != nil {
				svcs.logger.Warn("audit retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				svcs.logger.Info("audit retention sweep", "removed", n, "older_than_days", days)
			}
		}
	}
}
