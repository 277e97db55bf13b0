package hanashi

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger           *slog.Logger
	version          string
	costCeiling      *float64
	prices           map[string]ProviderPrice
	sink             Sink
	bookingProviders []ToolProvider
	searchProvider   ToolProvider
	sessionHooks     []SessionHook
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCostCeiling overrides the per-session cost ceiling from config
// (HANASHI_COST_CEILING env var). Zero disables the cap.
func WithCostCeiling(usd float64) Option {
	return func(o *resolvedOptions) { o.costCeiling = &usd }
}

// WithPriceTable replaces the built-in provider price table. Usage for
// providers missing from the table accumulates at zero cost.
func WithPriceTable(prices map[string]ProviderPrice) Option {
	return func(o *resolvedOptions) { o.prices = prices }
}

// WithSink replaces the configuration-chosen analytics sink (NATS when
// HANASHI_NATS_URL is set, structured log otherwise).
func WithSink(s Sink) Option {
	return func(o *resolvedOptions) { o.sink = s }
}

// WithBookingProvider appends a provider to the end of the booking
// fallback chain, after the built-in webhook, demo, and direct API
// providers. Multiple providers may be registered; they are tried in
// registration order.
func WithBookingProvider(p ToolProvider) Option {
	return func(o *resolvedOptions) { o.bookingProviders = append(o.bookingProviders, p) }
}

// WithSearchProvider replaces the built-in knowledge search provider.
// Only the last call wins.
func WithSearchProvider(p ToolProvider) Option {
	return func(o *resolvedOptions) { o.searchProvider = p }
}

// WithSessionHook registers a hook notified after each session export.
// Multiple hooks may be registered; all hooks receive every export.
func WithSessionHook(hook SessionHook) Option {
	return func(o *resolvedOptions) { o.sessionHooks = append(o.sessionHooks, hook) }
}
