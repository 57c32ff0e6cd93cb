// Package klog is the kernel core's only logging dependency.
//
// The core runs before there is a heap worth trusting with slog's
// attribute-slice allocations, so it gets one function instead: a
// Printf-shaped sink that the host simulator wires to stdlib fmt, and that
// a real boot stub would wire to the console byte-sink collaborator
// (spec.md §6). See SPEC_FULL.md's ambient-stack section for why this
// isn't slog.
package klog

import (
	"fmt"
	"os"
)

// Sink receives formatted kernel log lines. Swappable so tests can capture
// output instead of writing to stderr.
var Sink = func(line string) {
	fmt.Fprint(os.Stderr, line)
}

// Printf formats and emits a kernel log line terminated with a newline.
func Printf(format string, args ...any) {
	Sink(fmt.Sprintf(format, args...) + "\n")
}

// Fatal emits a formatted line and then panics, mirroring the teacher's
// convention of panicking on violated kernel invariants rather than trying
// to recover from impossible states.
func Fatal(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	Printf("FATAL: %s", line)
	panic(line)
}
