// Package telemetry defines the logging facade used throughout the workflow
// engine. Components depend on the Logger interface; wiring picks the clue
// implementation in binaries and the no-op implementation in tests.
package telemetry

import "context"

// Logger emits structured log messages with variadic key-value pairs
// (k1, v1, k2, v2, ...).
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}
