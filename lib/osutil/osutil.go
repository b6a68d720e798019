// Package osutil holds process-level helpers for the bidagg binary.
package osutil

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ExitSetup is the exit status used when the binary cannot start.
const ExitSetup = 2

// SignalContext returns a context that lives until Ctrl+C is pressed or the
// process receives SIGTERM. A run in flight stops at its next page boundary.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Fatal logs a setup failure and exits with ExitSetup.
func Fatal(step string, err error) {
	slog.Error("setup failed", "step", step, "err", err)
	os.Exit(ExitSetup)
}
