package main

import (
	"fmt"
	"io"
	"os"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to a subcommand and returns the process exit code. It
// exists apart from main so tests can drive the CLI with captured output.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(stdout, stderr)
	case "worker":
		return runWorker(stdout, stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "scan":
		return runScan(args[2:], stdout, stderr)
	case "evaluate":
		return runEvaluate(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "gantry %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorCyan  = "\033[36m"
	colorGreen = "\033[32m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sGantry %s%s\n", colorBold, version, colorReset)
	fmt.Fprintln(w, "Multi-tenant governance and data hydration backplane.")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gantry <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "CORE")
	printCommand(w, "serve", "Run the HTTP backplane (default)")
	printCommand(w, "worker", "Run queue consumers and the hydration scheduler")
	printCommand(w, "migrate", "Apply database migrations and exit")

	printSection(w, "TOOLS")
	printCommand(w, "scan", "Scan a file with the content scanner (offline)")
	printCommand(w, "evaluate", "Run evaluation suites against the live stack")
	printCommand(w, "doctor", "Check configuration and connectivity")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}
