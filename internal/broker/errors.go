// Package broker orchestrates session runs: it wires runner adapters to
// session buses, normalizes the protocol handshake across reconnects,
// discovers server capabilities once, and enforces run lifecycle bounds.
package broker

import (
	"context"
	"log/slog"
)

// ErrorReporter is the sink for best-effort failures that must never break
// the relay path: usage counters, liveness pings, discovery persistence.
type ErrorReporter interface {
	Report(ctx context.Context, err error, keysAndValues ...any)
}

// LogReporter reports errors to a structured logger
type LogReporter struct {
	Logger *slog.Logger
}

// Report logs the error with its context fields
func (r *LogReporter) Report(ctx context.Context, err error, keysAndValues ...any) {
	args := append([]any{"error", err}, keysAndValues...)
	r.Logger.ErrorContext(ctx, "Reported error", args...)
}
