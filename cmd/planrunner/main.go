package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/odvcencio/planrunner/pkg/config"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// stdout and stderr are swapped in tests.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	args := os.Args[1:]
	if handled, exitCode := dispatchSubcommand(args); handled {
		os.Exit(exitCode)
	}
	printUsage(stderr)
	os.Exit(exitUsage)
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		return false, exitOK
	}

	switch args[0] {
	case "run":
		return true, runCommand(runRunCommand, args[1:])
	case "fetch":
		return true, runCommand(runFetchCommand, args[1:])
	case "history":
		return true, runCommand(runHistoryCommand, args[1:])
	case "serve":
		return true, runCommand(runServeCommand, args[1:])
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "planrunner %s (commit %s, built %s)\n", version, commit, buildDate)
		return true, exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return true, exitOK
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", args[0])
		printUsage(stderr)
		return true, exitUsage
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return exitOK
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `planrunner executes browser automation plans and records their traces.

Usage:
  planrunner run [flags] <plan.yaml>...   execute one or more plans
  planrunner fetch [flags] <blobId>       print a stored task or trace
  planrunner history [flags]              list blobs recorded in the ledger
  planrunner serve [flags]                serve metrics, traces and live events
  planrunner version                      print version information

Every command accepts -config <path> to load a single config file instead of
~/.planrunner/config.yaml and ./.planrunner/config.yaml.
`)
}

// loadConfigFn allows tests to inject configuration.
var loadConfigFn = loadConfig

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// newFlagSet returns a flag set that reports errors instead of exiting and
// carries the shared -config flag.
func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to a config file")
	return fs, configPath
}
