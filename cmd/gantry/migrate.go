package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/store"
)

// runMigrate applies pending schema migrations and exits. serve and
// worker migrate on boot too; this exists for pipelines that gate
// deploys on schema readiness.
func runMigrate(stdout, stderr io.Writer) int {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := store.Migrate(ctx, db); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "%sok%s migrations up to date (%s)\n", colorGreen, colorReset, cfg.DatabaseDriver)
	return 0
}
