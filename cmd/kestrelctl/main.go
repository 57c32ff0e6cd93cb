// Command kestrelctl drives the kernel's host-side simulator: it runs the
// end-to-end scenarios from spec.md §8 and exposes debug-console-style
// inspection recovered from the Rust original's debug/memory_monitor.rs
// and command_parser.rs (SPEC_FULL.md's supplemented-features section).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// sessionID correlates every log line and CLI invocation in one run with
// the same simulator instance, the way gravwell threads a uuid through a
// single ingest session's log lines.
var sessionID = uuid.New()

var logger *slog.Logger

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "kestrelctl",
		Short: "Drive the kernel simulator: scenarios, inspection, audit",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
			logger = slog.New(handler).With("session", sessionID.String())
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newScenarioCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newAuditCmd())
	return root
}
