package resilience

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Call executes op against the named dependency with circuit breaking
// and retry. Semantics:
//
//   - An open circuit fails immediately with ErrCircuitOpen; no call is
//     attempted and the failure is NOT counted (the breaker caused it).
//   - Each attempt runs under the policy's per-attempt timeout.
//   - Only transient errors are retried; permanent errors fail fast.
//   - One breaker failure is recorded per failed Call (not per attempt),
//     so a burst of retries inside one logical call counts once.
//
// Callers classify op's errors with Transient/Permanent/FromHTTPStatus;
// unclassified deadline and network errors default to transient.
func (r *Registry) Call(ctx context.Context, dep string, policy RetryPolicy, op func(ctx context.Context) error) error {
	b := r.Breaker(dep)
	policy = policy.withDefaults()

	if err := b.Allow(); err != nil {
		r.logger.Warn("circuit open, call rejected", "dependency", dep)
		annotateSpan(ctx, dep, b, 0)
		return err
	}

	var err error
	for attempt := range policy.MaxAttempts {
		err = r.attempt(ctx, policy, op)
		if err == nil {
			b.RecordSuccess()
			annotateSpan(ctx, dep, b, attempt+1)
			return nil
		}
		if !IsRetriable(err) {
			break
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		delay := policy.backoff(attempt)
		r.logger.Warn("dependency call failed, retrying",
			"dependency", dep,
			"attempt", attempt+1,
			"max_attempts", policy.MaxAttempts,
			"backoff", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			b.RecordFailure()
			return Transient(ctx.Err())
		case <-time.After(delay):
		}
	}

	b.RecordFailure()
	r.logger.Error("dependency call exhausted",
		"dependency", dep,
		"circuit_state", string(b.State()),
		"consecutive_failures", b.Failures(),
		"error", err,
	)
	annotateSpan(ctx, dep, b, policy.MaxAttempts)
	return err
}

func (r *Registry) attempt(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, policy.PerAttemptTimeout)
	defer cancel()
	return op(attemptCtx)
}

// annotateSpan attaches dependency health attributes to the caller's
// span, if one is recording. A missing span never affects control flow.
func annotateSpan(ctx context.Context, dep string, b *Breaker, attempts int) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("hanashi.dependency", dep),
		attribute.String("hanashi.circuit_state", string(b.State())),
		attribute.Int("hanashi.attempts", attempts),
	)
}
