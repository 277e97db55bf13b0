package hanashi

import "context"

// ToolProvider is one concrete backend for a tool capability. Providers
// registered via WithBookingProvider or WithSearchProvider join the
// internal fallback chain and get the same circuit breaker and retry
// treatment as the built-in providers.
//
// Implementations classify failures by wrapping errors with
// hanashi.TransientError or hanashi.PermanentError; unclassified errors
// are treated as permanent.
type ToolProvider interface {
	// Name is the dependency name used for circuit breaker accounting.
	// It must be stable across process restarts.
	Name() string
	// Idempotent reports whether the provider honors the request's
	// idempotency token. Non-idempotent providers get at most one
	// attempt per invocation.
	Idempotent() bool
	Invoke(ctx context.Context, req ToolRequest) (ToolResult, error)
}

// Sink receives the full analytics payload for each ended session.
// When provided via WithSink, replaces the NATS or log sink chosen by
// configuration. The payload is the marshaled session export, one call
// per session.
type Sink interface {
	Publish(ctx context.Context, sessionID string, payload []byte) error
	Close() error
}

// SessionHook receives a notification after a session's export is
// produced. Hooks run in their own goroutine and must not block
// indefinitely; failures are logged, never propagated.
type SessionHook interface {
	OnSessionEnded(ctx context.Context, export Export) error
}
