package fallback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanashi-ai/hanashi/internal/model"
	"github.com/hanashi-ai/hanashi/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func fastPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:       3,
		BaseDelay:         time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		PerAttemptTimeout: time.Second,
	}
}

// fakeProvider scripts a provider's behavior and records invocations.
// It honors the idempotency token the way a real booking backend does:
// a replayed token returns the stored result without a second side
// effect.
type fakeProvider struct {
	name       string
	idempotent bool
	err        error

	mu       sync.Mutex
	calls    int
	booked   map[uuid.UUID]bool
	bookings int
	result   Result
}

func newFakeProvider(name string, err error) *fakeProvider {
	return &fakeProvider{
		name:       name,
		idempotent: true,
		err:        err,
		booked:     make(map[uuid.UUID]bool),
		result:     Result{Payload: map[string]any{"ok": true}, Via: name},
	}
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) Idempotent() bool { return f.idempotent }

func (f *fakeProvider) Invoke(_ context.Context, req Request) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Result{}, f.err
	}
	if !f.booked[req.IdempotencyToken] {
		f.booked[req.IdempotencyToken] = true
		f.bookings++
	}
	return f.result, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) bookingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookings
}

func newChain(providers ...Provider) *Chain {
	reg := resilience.NewRegistry(resilience.DefaultBreakerConfig(), testLogger())
	return NewChain("test_capability", providers, reg, fastPolicy(), testLogger())
}

func TestExecute_FirstSuccessWins(t *testing.T) {
	a := newFakeProvider("a", resilience.Permanent(errors.New("down")))
	b := newFakeProvider("b", nil)
	c := newFakeProvider("c", nil)

	exec := newChain(a, b, c).Execute(context.Background(), Request{
		Tool:             model.ToolBookMeeting,
		IdempotencyToken: uuid.New(),
	})

	require.Equal(t, model.OutcomeSuccess, exec.Outcome)
	assert.Equal(t, "b", exec.Provider)
	assert.Equal(t, "b", exec.Result.Via)
	assert.Equal(t, 0, c.callCount(), "later providers must not run after a success")

	require.Len(t, exec.Attempts, 2)
	assert.False(t, exec.Attempts[0].Succeeded)
	assert.Equal(t, model.ErrorKindPermanent, exec.Attempts[0].ErrorKind)
	assert.True(t, exec.Attempts[1].Succeeded)
}

func TestExecute_AllFail(t *testing.T) {
	a := newFakeProvider("a", resilience.Transient(errors.New("timeout")))
	b := newFakeProvider("b", resilience.Permanent(errors.New("401")))
	c := newFakeProvider("c", resilience.Transient(errors.New("reset")))

	exec := newChain(a, b, c).Execute(context.Background(), Request{IdempotencyToken: uuid.New()})

	require.Equal(t, model.OutcomeAllProvidersFailed, exec.Outcome)
	require.Len(t, exec.Attempts, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		exec.Attempts[0].Provider, exec.Attempts[1].Provider, exec.Attempts[2].Provider,
	})
	assert.Equal(t, model.ErrorKindTransient, exec.Attempts[0].ErrorKind)
	assert.Equal(t, model.ErrorKindPermanent, exec.Attempts[1].ErrorKind)
}

func TestExecute_ProvidersAreSequential(t *testing.T) {
	var order []string
	var mu sync.Mutex
	mk := func(name string, fail bool) Provider {
		return providerFunc{
			name: name,
			fn: func(ctx context.Context, req Request) (Result, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				if fail {
					return Result{}, resilience.Permanent(errors.New("no"))
				}
				return Result{Via: name}, nil
			},
		}
	}

	exec := newChain(mk("first", true), mk("second", true), mk("third", false)).
		Execute(context.Background(), Request{IdempotencyToken: uuid.New()})

	require.Equal(t, model.OutcomeSuccess, exec.Outcome)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestExecute_CircuitOpenMovesToNextProvider(t *testing.T) {
	reg := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour}, testLogger())
	a := newFakeProvider("a", resilience.Permanent(errors.New("down")))
	b := newFakeProvider("b", nil)
	chain := NewChain("cap", []Provider{a, b}, reg, fastPolicy(), testLogger())

	// First run opens a's circuit.
	exec := chain.Execute(context.Background(), Request{IdempotencyToken: uuid.New()})
	require.Equal(t, model.OutcomeSuccess, exec.Outcome)
	aCalls := a.callCount()

	// Second run: a's circuit is open, no call reaches it.
	exec = chain.Execute(context.Background(), Request{IdempotencyToken: uuid.New()})
	require.Equal(t, model.OutcomeSuccess, exec.Outcome)
	assert.Equal(t, aCalls, a.callCount())
	assert.Equal(t, model.ErrorKindCircuitOpen, exec.Attempts[0].ErrorKind)
	assert.Equal(t, "b", exec.Provider)
}

func TestExecute_NonIdempotentProviderGetsOneAttempt(t *testing.T) {
	p := newFakeProvider("legacy", resilience.Transient(errors.New("timeout")))
	p.idempotent = false

	exec := newChain(p).Execute(context.Background(), Request{IdempotencyToken: uuid.New()})

	assert.Equal(t, model.OutcomeAllProvidersFailed, exec.Outcome)
	assert.Equal(t, 1, p.callCount(), "non-idempotent providers must not be retried internally")
}

func TestExecute_IdempotencyTokenBoundsSideEffects(t *testing.T) {
	p := newFakeProvider("webhook", nil)
	chain := newChain(p)
	token := uuid.New()

	// The same logical invocation replayed with the same token.
	first := chain.Execute(context.Background(), Request{IdempotencyToken: token})
	second := chain.Execute(context.Background(), Request{IdempotencyToken: token})

	assert.Equal(t, model.OutcomeSuccess, first.Outcome)
	assert.Equal(t, model.OutcomeSuccess, second.Outcome)
	assert.Equal(t, 2, p.callCount(), "replay reaches the provider")
	assert.Equal(t, 1, p.bookingCount(), "one token, one side effect")
}

func TestExecute_CancelledContextResolvesTerminally(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := providerFunc{
		name: "slow",
		fn: func(ctx context.Context, req Request) (Result, error) {
			cancel()
			return Result{}, resilience.Transient(context.Canceled)
		},
	}
	second := newFakeProvider("never", nil)

	exec := newChain(first, second).Execute(ctx, Request{IdempotencyToken: uuid.New()})

	assert.Equal(t, model.OutcomeAllProvidersFailed, exec.Outcome)
	require.Len(t, exec.Attempts, 1, "cancellation must not start new providers")
	assert.Equal(t, 0, second.callCount())
}

// providerFunc adapts a closure into a Provider for tests.
type providerFunc struct {
	name string
	fn   func(ctx context.Context, req Request) (Result, error)
}

func (p providerFunc) Name() string     { return p.name }
func (p providerFunc) Idempotent() bool { return true }
func (p providerFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return p.fn(ctx, req)
}
