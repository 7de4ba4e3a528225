package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gantrylabs/gantry/pkg/scanner"
)

// runScan checks a file (or stdin with "-") against the built-in
// prohibited-content rules without touching the database. Exit 0 means
// clean, 1 means violations, 2 means usage error.
func runScan(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "emit the raw scan result as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: gantry scan [--json] <file|->")
		return 2
	}

	var (
		data []byte
		err  error
	)
	if name := fs.Arg(0); name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		fmt.Fprintf(stderr, "read input: %v\n", err)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	res := scanner.New(logger).Scan(context.Background(), string(data))

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(stderr, "encode result: %v\n", err)
			return 2
		}
	} else {
		printScanResult(stdout, res)
	}

	if res.Safe {
		return 0
	}
	return 1
}

func printScanResult(w io.Writer, res *scanner.Result) {
	if res.Safe {
		fmt.Fprintf(w, "%sok%s no prohibited content found\n", colorGreen, colorReset)
		return
	}
	fmt.Fprintf(w, "%sunsafe%s severity=%s violations=%d\n", colorBold, colorReset, res.Severity, len(res.Violations))
	for _, v := range res.Violations {
		if v.Match != "" {
			fmt.Fprintf(w, "  [%s] %s/%s: %q\n", v.Severity, v.Category, v.Rule, v.Match)
			continue
		}
		fmt.Fprintf(w, "  [%s] %s/%s\n", v.Severity, v.Category, v.Rule)
	}
}
