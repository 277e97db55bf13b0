// Package analytics delivers terminal session exports to downstream
// consumers. The primary path publishes compressed JSON to NATS; a
// local SQLite spool catches exports the broker would otherwise lose,
// and a log sink serves environments with no broker at all.
package analytics

import (
	"context"
	"log/slog"

	"github.com/hanashi-ai/hanashi/internal/model"
)

// Sink receives one export per ended session.
type Sink interface {
	// Publish delivers a single session export. Implementations must be
	// safe for concurrent use.
	Publish(ctx context.Context, export model.SessionExport) error
	// Close releases any underlying connection.
	Close() error
}

// LogSink writes exports to the structured log. It is the default sink
// for local development and never fails.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink backed by the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, export model.SessionExport) error {
	s.logger.Info("analytics: session export",
		"session_id", export.SessionID,
		"tier", export.Tier,
		"status", string(export.Status),
		"end_reason", string(export.EndReason),
		"tool_calls", len(export.ToolCalls),
		"total_cost", export.Ledger.TotalCost,
		"duration_seconds", export.DurationSeconds,
	)
	return nil
}

// Close implements Sink.
func (s *LogSink) Close() error { return nil }
