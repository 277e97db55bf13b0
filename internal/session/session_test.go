package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/hanashi-ai/hanashi/internal/fallback"
	"github.com/hanashi-ai/hanashi/internal/ledger"
	"github.com/hanashi-ai/hanashi/internal/model"
	"github.com/hanashi-ai/hanashi/internal/qualify"
	"github.com/hanashi-ai/hanashi/internal/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider counts invocations and returns a fixed outcome.
type stubProvider struct {
	name string
	err  error

	mu    sync.Mutex
	calls int
}

func (p *stubProvider) Name() string     { return p.name }
func (p *stubProvider) Idempotent() bool { return true }

func (p *stubProvider) Invoke(_ context.Context, _ fallback.Request) (fallback.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return fallback.Result{}, p.err
	}
	return fallback.Result{
		Payload: map[string]any{"booking_status": "confirmed"},
		Via:     "stub",
	}, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// captureExporter records enqueued exports.
type captureExporter struct {
	mu      sync.Mutex
	exports []model.SessionExport
}

func (e *captureExporter) Enqueue(export model.SessionExport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exports = append(e.exports, export)
}

func (e *captureExporter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.exports)
}

func (e *captureExporter) first() model.SessionExport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exports[0]
}

func fastPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:       1,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		PerAttemptTimeout: time.Second,
	}
}

type harness struct {
	manager  *Manager
	exporter *captureExporter
	booking  *stubProvider
	search   *stubProvider
}

func newHarness(t *testing.T, ceiling float64) *harness {
	return newHarnessWithLimits(t, ceiling, 0, 0)
}

func newHarnessWithLimits(t *testing.T, ceiling float64, maxDuration, silence time.Duration) *harness {
	t.Helper()
	logger := testLogger()
	registry := resilience.NewRegistry(resilience.DefaultBreakerConfig(), logger)

	booking := &stubProvider{name: "calendar_stub"}
	search := &stubProvider{name: "search_stub"}
	chains := map[model.ToolName]*fallback.Chain{
		model.ToolBookMeeting: fallback.NewChain("create_booking",
			[]fallback.Provider{booking}, registry, fastPolicy(), logger),
		model.ToolSearchKnowledge: fallback.NewChain("search_knowledge",
			[]fallback.Provider{search}, registry, fastPolicy(), logger),
	}

	exporter := &captureExporter{}
	manager := NewManager(Deps{
		Chains:         chains,
		Policy:         qualify.DefaultPolicy(),
		Prices:         ledger.PriceTable{"llm": {Unit: model.UnitTokens, PerUnit: 0.001}},
		CostCeiling:    ceiling,
		Exporter:       exporter,
		Logger:         logger,
		MaxDuration:    maxDuration,
		SilenceTimeout: silence,
	})
	return &harness{manager: manager, exporter: exporter, booking: booking, search: search}
}

func TestInvokeUnknownToolIsFatal(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")

	_, err := s.InvokeTool(context.Background(), model.ToolName("transfer_money"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.Empty(t, s.History())
}

func TestBookingDeniedUntilQualified(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")
	ctx := context.Background()

	inv, err := s.InvokeTool(ctx, model.ToolBookMeeting, map[string]any{"customer_name": "Taro"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeniedByQualification, inv.Outcome)
	assert.Equal(t, string(qualify.ReasonNotYetQualified), inv.DenialReason)
	assert.Equal(t, 0, h.booking.callCount(), "denied call must not reach a provider")

	s.Signals().SetTeamSize(12)
	require.Equal(t, qualify.TierSalesReady, s.Tier())

	inv, err = s.InvokeTool(ctx, model.ToolBookMeeting, map[string]any{"customer_name": "Taro"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, inv.Outcome)
	assert.Equal(t, 1, h.booking.callCount())
	assert.Equal(t, "confirmed", inv.Result["booking_status"])
}

func TestSearchIsNeverGated(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")

	inv, err := s.InvokeTool(context.Background(), model.ToolSearchKnowledge,
		map[string]any{"query": "pricing"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, inv.Outcome)
	assert.Equal(t, 1, h.search.callCount())
}

func TestUtteranceDetectionUnlocksBooking(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")

	s.ObserveUtterance("we have a team of 8 and need salesforce integration asap")

	assert.Equal(t, qualify.TierSalesReady, s.Tier())
	inv, err := s.InvokeTool(context.Background(), model.ToolBookMeeting,
		map[string]any{"customer_name": "Taro"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, inv.Outcome)
}

func TestCostCeilingDeniesNewToolCalls(t *testing.T) {
	h := newHarness(t, 1.0)
	s := h.manager.Start("taro@example.com")
	s.Signals().SetTeamSize(12)

	// 2000 tokens at 0.001 each crosses the 1.0 ceiling.
	s.ObserveUsage("llm", model.UnitTokens, 2000)
	assert.Equal(t, model.SessionCostCapped, s.Status())

	inv, err := s.InvokeTool(context.Background(), model.ToolBookMeeting,
		map[string]any{"customer_name": "Taro"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDeniedByCostCeiling, inv.Outcome)
	assert.Equal(t, DenialCostCeiling, inv.DenialReason)
	assert.Equal(t, 0, h.booking.callCount())
}

func TestAllProvidersFailedIsRecordedNotReturned(t *testing.T) {
	h := newHarness(t, 0)
	h.search.err = resilience.Permanent(errors.New("index corrupted"))
	s := h.manager.Start("taro@example.com")

	inv, err := s.InvokeTool(context.Background(), model.ToolSearchKnowledge,
		map[string]any{"query": "pricing"})
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAllProvidersFailed, inv.Outcome)
	require.Len(t, inv.Attempts, 1)
	assert.Equal(t, model.ErrorKindPermanent, inv.Attempts[0].ErrorKind)
}

func TestEndProducesExportExactlyOnce(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")
	s.Signals().SetTeamSize(12)
	_, err := s.InvokeTool(context.Background(), model.ToolBookMeeting,
		map[string]any{"customer_name": "Taro"})
	require.NoError(t, err)
	s.ObserveUsage("llm", model.UnitTokens, 500)

	var wg sync.WaitGroup
	exports := make([]model.SessionExport, 8)
	for i := range exports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exports[i] = s.End(model.EndReasonHangup)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.exporter.count(), "exactly one export enqueued")
	for _, export := range exports {
		assert.Equal(t, exports[0], export, "every End call sees the same export")
	}

	export := exports[0]
	assert.Equal(t, s.ID().String(), export.SessionID)
	assert.Equal(t, "taro@example.com", export.UserEmail)
	assert.Equal(t, string(qualify.TierSalesReady), export.Tier)
	require.Len(t, export.ToolCalls, 1)
	assert.InDelta(t, 0.5, export.Ledger.TotalCost, 1e-9)
	assert.Equal(t, model.EndReasonHangup, export.EndReason)
}

func TestInvokeAfterEndFails(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")
	s.End(model.EndReasonHangup)

	_, err := s.InvokeTool(context.Background(), model.ToolSearchKnowledge,
		map[string]any{"query": "pricing"})
	assert.ErrorIs(t, err, ErrEnded)
}

func TestCappedSessionExportKeepsStatus(t *testing.T) {
	h := newHarness(t, 1.0)
	s := h.manager.Start("taro@example.com")
	s.ObserveUsage("llm", model.UnitTokens, 5000)

	export := s.End(model.EndReasonCostLimit)
	assert.Equal(t, model.SessionCostCapped, export.Status)
	assert.True(t, export.Ledger.Capped)
}

func TestUsageAfterEndIsDropped(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")
	export := s.End(model.EndReasonHangup)
	require.Zero(t, export.Ledger.TotalCost)

	s.ObserveUsage("llm", model.UnitTokens, 10_000)
	assert.Zero(t, s.End(model.EndReasonHangup).Ledger.TotalCost)
}

func TestManagerLifecycle(t *testing.T) {
	h := newHarness(t, 0)

	s1 := h.manager.Start("a@example.com")
	s2 := h.manager.Start("b@example.com")
	assert.Equal(t, 2, h.manager.Len())

	got, ok := h.manager.Get(s1.ID())
	require.True(t, ok)
	assert.Same(t, s1, got)

	export, err := h.manager.End(s1.ID(), model.EndReasonHangup)
	require.NoError(t, err)
	assert.Equal(t, s1.ID().String(), export.SessionID)
	assert.Equal(t, 1, h.manager.Len())

	_, err = h.manager.End(s1.ID(), model.EndReasonHangup)
	assert.Error(t, err, "ending twice via the manager fails")

	require.NoError(t, h.manager.EndAll(context.Background(), model.EndReasonTimeLimit))
	assert.Equal(t, 0, h.manager.Len())
	assert.Equal(t, model.SessionEnded, s2.Status())
	assert.Equal(t, 2, h.exporter.count())
}

func TestSilenceTimeoutEndsSession(t *testing.T) {
	h := newHarnessWithLimits(t, 0, 0, 40*time.Millisecond)
	h.manager.Start("taro@example.com")

	require.Eventually(t, func() bool { return h.exporter.count() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.manager.Len())
	assert.Equal(t, model.EndReasonSilenceTimeout, h.exporter.first().EndReason)
}

func TestMaxDurationEndsSession(t *testing.T) {
	h := newHarnessWithLimits(t, 0, 40*time.Millisecond, 0)
	s := h.manager.Start("taro@example.com")

	// Steady activity must not extend the wall-clock limit.
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				s.ObserveUsage("llm", model.UnitTokens, 1)
			}
		}
	}()
	defer close(stop)

	require.Eventually(t, func() bool { return h.exporter.count() == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.manager.Len())
	assert.Equal(t, model.EndReasonTimeLimit, h.exporter.first().EndReason)
}

func TestExplicitEndStopsWatchdog(t *testing.T) {
	h := newHarnessWithLimits(t, 0, 0, 30*time.Millisecond)
	s := h.manager.Start("taro@example.com")

	_, err := h.manager.End(s.ID(), model.EndReasonHangup)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.exporter.count(), "watchdog must not export a second time")
	assert.Equal(t, model.EndReasonHangup, h.exporter.first().EndReason)
}

func TestInvokeToolEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")
	_, err := s.InvokeTool(context.Background(), model.ToolSearchKnowledge,
		map[string]any{"query": "pricing"})
	require.NoError(t, err)

	var span sdktrace.ReadOnlySpan
	for _, sp := range recorder.Ended() {
		if sp.Name() == "session.invoke_tool" {
			span = sp
		}
	}
	require.NotNil(t, span, "tool dispatch records a span")
	assert.Contains(t, span.Attributes(), attribute.String("hanashi.tool", "search_knowledge"))
	assert.Contains(t, span.Attributes(), attribute.String("hanashi.outcome", "success"))
}

func TestConcurrentToolCallsAndUsage(t *testing.T) {
	h := newHarness(t, 0)
	s := h.manager.Start("taro@example.com")
	s.Signals().SetTeamSize(12)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.InvokeTool(context.Background(), model.ToolSearchKnowledge,
				map[string]any{"query": "pricing"})
			assert.NoError(t, err)
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ObserveUsage("llm", model.UnitTokens, 10)
			s.ObserveUtterance("we process 40 documents per week")
		}()
	}
	wg.Wait()

	assert.Len(t, s.History(), 10)
	export := s.End(model.EndReasonHangup)
	assert.InDelta(t, 0.1, export.Ledger.TotalCost, 1e-9)
	require.NotNil(t, export.Signals.MonthlyVolume)
	assert.Equal(t, 160, *export.Signals.MonthlyVolume)
}
