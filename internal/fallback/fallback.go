// Package fallback executes one logical capability against an ordered
// list of concrete providers, returning the first success. Each
// provider call is routed through the resilience layer; all failures
// are recorded and absorbed — the caller only ever sees a resolved
// execution record, never a propagated provider error.
package fallback

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hanashi-ai/hanashi/internal/model"
	"github.com/hanashi-ai/hanashi/internal/resilience"
)

// Request is one capability invocation. The idempotency token is unique
// per ToolInvocation so a provider that succeeded but whose response
// was lost is not double-booked on retry — neither by the resilience
// layer's retries nor by the chain moving on to the next provider.
type Request struct {
	Tool             model.ToolName
	Arguments        map[string]any
	IdempotencyToken uuid.UUID
}

// Result is the normalized success payload of a provider. Via names the
// provider class that produced it ("webhook", "demo", "direct_api",
// "search") so downstream consumers can tell real side effects from
// demo stubs.
type Result struct {
	Payload map[string]any
	Via     string
}

// Provider is one concrete implementation of a capability.
// Implementations classify their errors with the resilience package's
// Transient/Permanent helpers.
type Provider interface {
	// Name is the dependency name used for circuit breaker accounting.
	Name() string
	// Idempotent reports whether the provider honors the request's
	// idempotency token. Non-idempotent providers get at most one
	// attempt inside the resilience layer.
	Idempotent() bool
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Execution is the resolved record of one chain run.
type Execution struct {
	Outcome  model.Outcome
	Provider string
	Result   Result
	Attempts []model.ProviderAttempt
}

// Chain tries providers in configured order. Ordering is configuration,
// not code: providers are added or reordered by changing the slice, not
// the dispatch logic.
type Chain struct {
	capability string
	providers  []Provider
	registry   *resilience.Registry
	policy     resilience.RetryPolicy
	logger     *slog.Logger
}

// NewChain creates a chain for one capability. The policy applies per
// provider; the chain itself never retries a provider that exhausted
// its resilience budget.
func NewChain(capability string, providers []Provider, registry *resilience.Registry, policy resilience.RetryPolicy, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		capability: capability,
		providers:  providers,
		registry:   registry,
		policy:     policy,
		logger:     logger,
	}
}

// Providers returns the configured provider names in order.
func (c *Chain) Providers() []string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}

// Execute runs the chain. Providers are strictly sequential — a
// booking side effect must never be duplicated across providers racing
// in parallel. Any provider error, including an open circuit, records
// an attempt and moves to the next provider. A cancelled context still
// resolves to a terminal all_providers_failed record.
func (c *Chain) Execute(ctx context.Context, req Request) Execution {
	exec := Execution{Outcome: model.OutcomeAllProvidersFailed}

	for _, p := range c.providers {
		policy := c.policy
		if !p.Idempotent() {
			policy.MaxAttempts = 1
		}

		var result Result
		start := time.Now()
		err := c.registry.Call(ctx, p.Name(), policy, func(ctx context.Context) error {
			r, err := p.Invoke(ctx, req)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
		latency := time.Since(start)

		if err == nil {
			exec.Attempts = append(exec.Attempts, model.ProviderAttempt{
				Provider:  p.Name(),
				Succeeded: true,
				Latency:   latency,
			})
			exec.Outcome = model.OutcomeSuccess
			exec.Provider = p.Name()
			exec.Result = result
			c.logger.Info("capability resolved",
				"capability", c.capability,
				"provider", p.Name(),
				"via", result.Via,
				"attempts", len(exec.Attempts),
			)
			return exec
		}

		exec.Attempts = append(exec.Attempts, model.ProviderAttempt{
			Provider:  p.Name(),
			Latency:   latency,
			ErrorKind: resilience.KindOf(err),
			Error:     err.Error(),
		})
		c.logger.Warn("provider failed, falling back",
			"capability", c.capability,
			"provider", p.Name(),
			"error_kind", string(resilience.KindOf(err)),
			"error", err,
		)

		if ctx.Err() != nil {
			// Session ended mid-chain: resolve with what we have rather
			// than leaving the invocation unresolved.
			break
		}
	}

	c.logger.Error("capability exhausted all providers",
		"capability", c.capability,
		"attempts", len(exec.Attempts),
	)
	return exec
}
