package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gantrylabs/gantry/pkg/config"
	"github.com/gantrylabs/gantry/pkg/evaluation"
	"github.com/gantrylabs/gantry/pkg/store"
)

// runEvaluate executes evaluation suites synchronously against the
// configured store and prints per-suite scores. Without a suite name it
// runs everything. Exit 1 means at least one suite failed its pass bar.
func runEvaluate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	tag := fs.String("tag", "live", "component tag the runs are recorded under")
	seed := fs.Bool("seed", true, "insert the built-in ground-truth cases for empty suites")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 {
		fmt.Fprintln(stderr, "usage: gantry evaluate [--tag TAG] [--seed=false] [suite]")
		return 2
	}

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

	if *seed {
		if err := evaluation.SeedGroundTruth(ctx, svcs.groundTruth); err != nil {
			fmt.Fprintf(stderr, "seed ground truth: %v\n", err)
			return 1
		}
	}

	var runs []store.EvaluationRun
	if fs.NArg() == 1 {
		run, err := svcs.harness.RunSuite(ctx, fs.Arg(0), *tag)
		if err != nil {
			fmt.Fprintf(stderr, "run suite: %v\n", err)
			return 1
		}
		runs = []store.EvaluationRun{*run}
	} else {
		runs, err = svcs.harness.RunAllSuites(ctx, *tag)
		if err != nil {
			fmt.Fprintf(stderr, "run suites: %v\n", err)
			return 1
		}
	}

	failed := 0
	for _, run := range runs {
		score := 0.0
		if run.Score != nil {
			score = *run.Score
		}
		marker := colorGreen + "pass" + colorReset
		if run.Status == store.RunStatusFailed {
			marker = colorBold + "fail" + colorReset
			failed++
		}
		fmt.Fprintf(stdout, "%s %-18s tag=%-12s score=%.3f cases=%d/%d\n",
			marker, run.SuiteName, run.Tag, score, run.CasesPass, run.CasesTotal)
	}
	if failed > 0 {
		fmt.Fprintf(stdout, "%d of %d suites failed\n", failed, len(runs))
		return 1
	}
	return 0
}
