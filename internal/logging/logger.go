// Package logging defines the structured logger handed to every server
// component. The concrete implementation wraps slog; the interface keeps the
// content engine and repositories free of a direct slog dependency.
package logging

import "context"

// Logger is a context-aware, structured logger. The variadic args are
// alternating key/value pairs:
//
//	log.Info(ctx, "sync finished", "source", source.Name, "added", added)
type Logger interface {
	// Info logs an informational message.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs unusual but non-fatal conditions, such as a provider
	// reporting a package the database does not know.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given key/value
	// pairs. Components tag themselves once with With("module", ...).
	With(args ...any) Logger
}
