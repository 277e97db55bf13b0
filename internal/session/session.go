// Package session owns the per-conversation orchestration loop: tool
// dispatch through fallback chains, qualification gating, cost
// accounting, and the terminal analytics export.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanashi-ai/hanashi/internal/fallback"
	"github.com/hanashi-ai/hanashi/internal/ledger"
	"github.com/hanashi-ai/hanashi/internal/model"
	"github.com/hanashi-ai/hanashi/internal/qualify"
	"github.com/hanashi-ai/hanashi/internal/telemetry"
)

// ErrUnknownTool means the caller asked for a tool outside the closed
// dispatch set. This is a programming error, not a provider fault, so
// it surfaces as an error instead of a recorded invocation.
var ErrUnknownTool = errors.New("session: unknown tool")

// ErrEnded means the session already produced its terminal export.
var ErrEnded = errors.New("session: already ended")

// DenialCostCeiling is recorded when the cost cap blocks a tool call.
const DenialCostCeiling = "cost_ceiling_reached"

// Exporter receives the terminal export. Satisfied by analytics.Queue.
type Exporter interface {
	Enqueue(export model.SessionExport)
}

// Session is one live conversation. All tool dispatch goes through
// InvokeTool; usage and transcript observations may arrive concurrently
// from the media pipeline.
type Session struct {
	id        uuid.UUID
	userEmail string
	chains    map[model.ToolName]*fallback.Chain
	signals   *qualify.Signals
	ledger    *ledger.Ledger
	exporter  Exporter
	logger    *slog.Logger
	now       func() time.Time

	mu           sync.Mutex
	status       model.SessionStatus
	history      []model.ToolInvocation
	startedAt    time.Time
	lastActivity time.Time

	exportOnce sync.Once
	export     model.SessionExport
}

func newSession(userEmail string, chains map[model.ToolName]*fallback.Chain, signals *qualify.Signals, led *ledger.Ledger, exporter Exporter, logger *slog.Logger, now func() time.Time) *Session {
	id := uuid.New()
	started := now()
	return &Session{
		id:           id,
		userEmail:    userEmail,
		chains:       chains,
		signals:      signals,
		ledger:       led,
		exporter:     exporter,
		logger:       logger.With("session_id", id.String()),
		now:          now,
		status:       model.SessionActive,
		startedAt:    started,
		lastActivity: started,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Tier returns the current qualification tier.
func (s *Session) Tier() qualify.Tier { return s.signals.Tier() }

// Signals exposes the mutable signal record for direct updates from
// the conversation layer.
func (s *Session) Signals() *qualify.Signals { return s.signals }

// ObserveUtterance scans one user utterance for qualification signals.
func (s *Session) ObserveUtterance(text string) {
	s.touch()
	s.signals.Detect(text)
}

// touch marks caller activity for the silence watchdog.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// expired reports whether the session crossed its duration or silence
// limit. A zero limit disables that check.
func (s *Session) expired(now time.Time, maxDuration, silenceTimeout time.Duration) (model.EndReason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == model.SessionEnded {
		return "", false
	}
	if maxDuration > 0 && now.Sub(s.startedAt) >= maxDuration {
		return model.EndReasonTimeLimit, true
	}
	if silenceTimeout > 0 && now.Sub(s.lastActivity) >= silenceTimeout {
		return model.EndReasonSilenceTimeout, true
	}
	return "", false
}

// ObserveUsage records a billable usage event. Crossing the cost
// ceiling moves the session to cost_capped; in-flight work finishes but
// new tool calls are denied.
func (s *Session) ObserveUsage(provider string, unit model.UnitKind, amount float64) {
	s.touch()
	s.ledger.RecordUsage(provider, unit, amount)
	if !s.ledger.Capped() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == model.SessionActive {
		s.status = model.SessionCostCapped
		s.logger.Warn("session: cost ceiling reached",
			"total_cost", s.ledger.TotalCost())
	}
}

// InvokeTool dispatches one tool call. Denials (qualification, cost
// ceiling) resolve as recorded invocations with a nil error; only
// misuse of the API returns an error.
func (s *Session) InvokeTool(ctx context.Context, tool model.ToolName, args map[string]any) (model.ToolInvocation, error) {
	chain, ok := s.chains[tool]
	if !ok {
		return model.ToolInvocation{}, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	s.touch()

	s.mu.Lock()
	if s.status == model.SessionEnded {
		s.mu.Unlock()
		return model.ToolInvocation{}, ErrEnded
	}
	capped := s.status == model.SessionCostCapped
	s.mu.Unlock()

	ctx, span := telemetry.Tracer("hanashi/session").Start(ctx, "session.invoke_tool",
		trace.WithAttributes(attribute.String("hanashi.tool", string(tool))))
	defer span.End()

	inv := model.ToolInvocation{
		ID:               uuid.New(),
		Tool:             tool,
		Arguments:        args,
		IdempotencyToken: uuid.New(),
		StartedAt:        s.now(),
	}

	if capped {
		inv.Outcome = model.OutcomeDeniedByCostCeiling
		inv.DenialReason = DenialCostCeiling
		inv.ResolvedAt = s.now()
		span.SetAttributes(attribute.String("hanashi.outcome", string(inv.Outcome)))
		s.record(inv)
		s.logger.Info("session: tool denied by cost ceiling", "tool", string(tool))
		return inv, nil
	}

	if allowed, reason := s.signals.Authorize(tool); !allowed {
		inv.Outcome = model.OutcomeDeniedByQualification
		inv.DenialReason = string(reason)
		inv.ResolvedAt = s.now()
		span.SetAttributes(attribute.String("hanashi.outcome", string(inv.Outcome)))
		s.record(inv)
		s.logger.Info("session: tool denied by qualification",
			"tool", string(tool), "reason", string(reason), "tier", string(s.signals.Tier()))
		return inv, nil
	}

	// Booking falls back to the trial registration email when the
	// conversation never surfaced one.
	if tool == model.ToolBookMeeting && s.userEmail != "" {
		if v, _ := args["customer_email"].(string); v == "" {
			enriched := make(map[string]any, len(args)+1)
			for k, v := range args {
				enriched[k] = v
			}
			enriched["customer_email"] = s.userEmail
			args = enriched
			inv.Arguments = args
		}
	}

	exec := chain.Execute(ctx, fallback.Request{
		Tool:             tool,
		Arguments:        args,
		IdempotencyToken: inv.IdempotencyToken,
	})

	inv.Outcome = exec.Outcome
	inv.Attempts = exec.Attempts
	inv.Result = exec.Result.Payload
	inv.ResolvedAt = s.now()
	span.SetAttributes(
		attribute.String("hanashi.outcome", string(exec.Outcome)),
		attribute.Int("hanashi.attempts", len(exec.Attempts)),
	)
	s.record(inv)

	s.logger.Info("session: tool resolved",
		"tool", string(tool),
		"outcome", string(exec.Outcome),
		"provider", exec.Provider,
		"attempts", len(exec.Attempts),
	)
	return inv, nil
}

func (s *Session) record(inv model.ToolInvocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, inv)
}

// History returns a copy of the resolved invocations so far.
func (s *Session) History() []model.ToolInvocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ToolInvocation, len(s.history))
	copy(out, s.history)
	return out
}

// End terminates the session and produces its export exactly once. The
// first caller's reason wins; later calls return the same export.
func (s *Session) End(reason model.EndReason) model.SessionExport {
	s.exportOnce.Do(func() {
		s.mu.Lock()
		// A capped session keeps that status in the export; it explains
		// the denial records to analytics.
		if s.status != model.SessionCostCapped {
			s.status = model.SessionEnded
		}
		status := s.status
		history := make([]model.ToolInvocation, len(s.history))
		copy(history, s.history)
		s.mu.Unlock()

		ended := s.now()
		s.export = model.SessionExport{
			SessionID:       s.id.String(),
			UserEmail:       s.userEmail,
			Tier:            string(s.signals.Tier()),
			Signals:         s.signals.Export(),
			ToolCalls:       history,
			Ledger:          s.ledger.Finalize(),
			Status:          status,
			EndReason:       reason,
			StartedAt:       s.startedAt,
			EndedAt:         ended,
			DurationSeconds: ended.Sub(s.startedAt).Seconds(),
		}

		// Terminal status so a late InvokeTool gets ErrEnded.
		s.mu.Lock()
		s.status = model.SessionEnded
		s.mu.Unlock()

		if s.exporter != nil {
			s.exporter.Enqueue(s.export)
		}
		s.logger.Info("session: ended",
			"end_reason", string(reason),
			"tier", s.export.Tier,
			"tool_calls", len(history),
			"total_cost", s.export.Ledger.TotalCost,
			"duration_seconds", s.export.DurationSeconds,
		)
	})
	return s.export
}
