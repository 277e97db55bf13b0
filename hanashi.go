// Package hanashi is the public API for embedding the Hanashi trial
// success agent core: qualification-gated tool orchestration, provider
// fallback chains with circuit breaking, per-session cost accounting,
// and terminal analytics export.
//
// Voice pipeline integrations construct an App and drive it per call:
//
//	app, err := hanashi.New(
//	    hanashi.WithVersion(version),
//	    hanashi.WithLogger(logger),
//	    hanashi.WithSessionHook(myCRMHook{}),
//	)
//	if err != nil { ... }
//	go app.Run(ctx)
//
//	id := app.StartSession("taro@example.com")
//	app.ObserveUtterance(id, transcript)
//	inv, err := app.InvokeTool(ctx, id, hanashi.ToolBookMeeting, args)
//	export, err := app.EndSession(id, hanashi.EndReasonHangup)
//
// The import graph enforces a strict no-cycle rule: hanashi (root)
// imports internal/*, but internal/* never imports hanashi (root).
// Public types (Invocation, Export, etc.) are standalone structs;
// conversion helpers live here because this is the only file that sees
// both sides of the boundary.
package hanashi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hanashi-ai/hanashi/internal/analytics"
	"github.com/hanashi-ai/hanashi/internal/booking"
	"github.com/hanashi-ai/hanashi/internal/config"
	"github.com/hanashi-ai/hanashi/internal/fallback"
	"github.com/hanashi-ai/hanashi/internal/knowledge"
	"github.com/hanashi-ai/hanashi/internal/ledger"
	"github.com/hanashi-ai/hanashi/internal/model"
	"github.com/hanashi-ai/hanashi/internal/qualify"
	"github.com/hanashi-ai/hanashi/internal/resilience"
	"github.com/hanashi-ai/hanashi/internal/session"
	"github.com/hanashi-ai/hanashi/internal/telemetry"
)

// TransientError marks err as retriable for the resilience layer.
// Use from custom ToolProvider implementations.
func TransientError(err error) error { return resilience.Transient(err) }

// PermanentError marks err as non-retriable for the resilience layer.
func PermanentError(err error) error { return resilience.Permanent(err) }

// App is the agent core lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	manager      *session.Manager
	registry     *resilience.Registry
	queue        *analytics.Queue
	sink         analytics.Sink
	spool        *analytics.Spool
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New wires all subsystems and returns a ready-to-run App. It does NOT
// start any goroutines — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.costCeiling != nil {
		cfg.CostCeiling = *o.costCeiling
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("hanashi starting", "version", version,
		"cost_ceiling", cfg.CostCeiling, "nats_configured", cfg.NATSURL != "")

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	registry := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
	}, logger)
	policy := resilience.RetryPolicy{
		MaxAttempts:       cfg.RetryMaxAttempts,
		BaseDelay:         cfg.RetryBaseDelay,
		MaxDelay:          cfg.RetryMaxDelay,
		PerAttemptTimeout: cfg.RetryAttemptTimeout,
	}

	chains := map[model.ToolName]*fallback.Chain{
		model.ToolSearchKnowledge: fallback.NewChain(knowledge.DependencyName,
			searchProviders(cfg, o, logger), registry, policy, logger),
		model.ToolBookMeeting: fallback.NewChain(booking.Capability,
			bookingProviders(cfg, o), registry, policy, logger),
	}

	sink, spool, err := buildSink(cfg, o, logger)
	if err != nil {
		return nil, err
	}
	queue := analytics.NewQueue(sink, spool, logger, cfg.ExportFlushInterval)

	prices := ledger.DefaultPriceTable()
	if o.prices != nil {
		prices = make(ledger.PriceTable, len(o.prices))
		for name, p := range o.prices {
			prices[name] = ledger.Price{Unit: model.UnitKind(p.Unit), PerUnit: p.PerUnit}
		}
	}

	manager := session.NewManager(session.Deps{
		Chains: chains,
		Policy: qualify.Policy{
			MinTeamSize:      cfg.QualifyMinTeamSize,
			MinMonthlyVolume: cfg.QualifyMinMonthlyVolume,
		},
		Prices:         prices,
		CostCeiling:    cfg.CostCeiling,
		Exporter:       &exportFanout{queue: queue, hooks: o.sessionHooks, logger: logger},
		Logger:         logger,
		MaxDuration:    cfg.MaxSessionDuration,
		SilenceTimeout: cfg.SilenceTimeout,
	})

	return &App{
		cfg:          cfg,
		manager:      manager,
		registry:     registry,
		queue:        queue,
		sink:         sink,
		spool:        spool,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

func searchProviders(cfg config.Config, o resolvedOptions, logger *slog.Logger) []fallback.Provider {
	if o.searchProvider != nil {
		return []fallback.Provider{&providerAdapter{inner: o.searchProvider}}
	}
	if cfg.SearchBaseURL == "" {
		logger.Warn("hanashi: knowledge search not configured, searches will fail")
	}
	client := knowledge.NewClient(knowledge.Config{
		BaseURL:     cfg.SearchBaseURL,
		APIKey:      cfg.SearchAPIKey,
		AssistantID: cfg.SearchAssistantID,
		SourceAppID: cfg.SearchSourceApp,
		PageSize:    cfg.SearchPageSize,
		Timeout:     cfg.SearchTimeout,
	})
	return []fallback.Provider{knowledge.NewSearchProvider(client)}
}

// bookingProviders assembles the booking chain in its fixed order:
// webhook, demo stub, direct API, then any registered extensions.
// Unconfigured built-ins are skipped; the demo stub is always present
// so the conversation survives a total provider outage.
func bookingProviders(cfg config.Config, o resolvedOptions) []fallback.Provider {
	var providers []fallback.Provider
	if cfg.BookingWebhookURL != "" {
		providers = append(providers, booking.NewWebhookProvider(booking.WebhookConfig{
			URL:       cfg.BookingWebhookURL,
			AuthToken: cfg.BookingWebhookToken,
			Timeout:   cfg.BookingTimeout,
		}, ""))
	}
	providers = append(providers, booking.NewDemoProvider(""))
	if cfg.CalendarBaseURL != "" {
		providers = append(providers, booking.NewDirectAPIProvider(booking.DirectConfig{
			BaseURL:    cfg.CalendarBaseURL,
			APIKey:     cfg.CalendarAPIKey,
			CalendarID: cfg.CalendarID,
			Timeout:    cfg.BookingTimeout,
		}, ""))
	}
	for _, p := range o.bookingProviders {
		providers = append(providers, &providerAdapter{inner: p})
	}
	return providers
}

func buildSink(cfg config.Config, o resolvedOptions, logger *slog.Logger) (analytics.Sink, *analytics.Spool, error) {
	var sink analytics.Sink
	switch {
	case o.sink != nil:
		sink = &sinkAdapter{inner: o.sink}
	case cfg.NATSURL != "":
		natsSink, err := analytics.NewNATSSink(analytics.NATSConfig{URL: cfg.NATSURL})
		if err != nil {
			return nil, nil, fmt.Errorf("analytics sink: %w", err)
		}
		sink = natsSink
	default:
		sink = analytics.NewLogSink(logger)
	}

	var spool *analytics.Spool
	if cfg.SpoolPath != "" {
		var err error
		spool, err = analytics.OpenSpool(cfg.SpoolPath)
		if err != nil {
			return nil, nil, fmt.Errorf("analytics spool: %w", err)
		}
	}
	return sink, spool, nil
}

// Run starts the export queue and blocks until ctx is cancelled, then
// ends any remaining sessions and drains the export pipeline.
func (a *App) Run(ctx context.Context) error {
	a.queue.Start(context.Background())
	a.logger.Info("hanashi running", "version", a.version)

	<-ctx.Done()
	a.logger.Info("hanashi shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.manager.EndAll(shutdownCtx, model.EndReasonError); err != nil {
		a.logger.Error("end sessions on shutdown", "error", err)
	}
	a.queue.Drain(shutdownCtx)
	if err := a.sink.Close(); err != nil {
		a.logger.Error("close analytics sink", "error", err)
	}
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			a.logger.Error("close analytics spool", "error", err)
		}
	}
	if err := a.otelShutdown(shutdownCtx); err != nil {
		a.logger.Error("telemetry shutdown", "error", err)
	}
	return nil
}

// StartSession opens a new conversation session for the given trial
// user and returns its id.
func (a *App) StartSession(userEmail string) uuid.UUID {
	return a.manager.Start(userEmail).ID()
}

// InvokeTool dispatches one tool call for a live session. Denials
// resolve as recorded invocations with a nil error; an unknown tool or
// session returns an error.
func (a *App) InvokeTool(ctx context.Context, sessionID uuid.UUID, tool string, args map[string]any) (Invocation, error) {
	s, ok := a.manager.Get(sessionID)
	if !ok {
		return Invocation{}, fmt.Errorf("hanashi: session %s not found", sessionID)
	}
	inv, err := s.InvokeTool(ctx, model.ToolName(tool), args)
	if err != nil {
		return Invocation{}, err
	}
	return toPublicInvocation(inv), nil
}

// ObserveUtterance scans one user utterance for qualification signals.
func (a *App) ObserveUtterance(sessionID uuid.UUID, text string) error {
	s, ok := a.manager.Get(sessionID)
	if !ok {
		return fmt.Errorf("hanashi: session %s not found", sessionID)
	}
	s.ObserveUtterance(text)
	return nil
}

// ObserveUsage records one billable usage event against the session's
// cost ledger. unit is one of "tokens", "characters", "seconds",
// "requests".
func (a *App) ObserveUsage(sessionID uuid.UUID, provider, unit string, amount float64) error {
	s, ok := a.manager.Get(sessionID)
	if !ok {
		return fmt.Errorf("hanashi: session %s not found", sessionID)
	}
	s.ObserveUsage(provider, model.UnitKind(unit), amount)
	return nil
}

// SessionTier returns the session's current qualification tier.
func (a *App) SessionTier(sessionID uuid.UUID) (string, error) {
	s, ok := a.manager.Get(sessionID)
	if !ok {
		return "", fmt.Errorf("hanashi: session %s not found", sessionID)
	}
	return string(s.Tier()), nil
}

// EndSession terminates a session and returns its export. Ending an
// unknown or already-ended session returns an error.
func (a *App) EndSession(sessionID uuid.UUID, reason string) (Export, error) {
	export, err := a.manager.End(sessionID, toEndReason(reason))
	if err != nil {
		return Export{}, err
	}
	return toPublicExport(export), nil
}

func toEndReason(reason string) model.EndReason {
	switch r := model.EndReason(reason); r {
	case model.EndReasonHangup, model.EndReasonSilenceTimeout,
		model.EndReasonTimeLimit, model.EndReasonCostLimit, model.EndReasonError:
		return r
	default:
		return model.EndReasonError
	}
}

// providerAdapter lifts a public ToolProvider into the internal chain.
type providerAdapter struct {
	inner ToolProvider
}

func (p *providerAdapter) Name() string     { return p.inner.Name() }
func (p *providerAdapter) Idempotent() bool { return p.inner.Idempotent() }

func (p *providerAdapter) Invoke(ctx context.Context, req fallback.Request) (fallback.Result, error) {
	res, err := p.inner.Invoke(ctx, ToolRequest{
		Tool:             string(req.Tool),
		Arguments:        req.Arguments,
		IdempotencyToken: req.IdempotencyToken,
	})
	if err != nil {
		return fallback.Result{}, err
	}
	return fallback.Result{Payload: res.Payload, Via: res.Via}, nil
}

// sinkAdapter lifts a public Sink into the analytics pipeline.
type sinkAdapter struct {
	inner Sink
}

func (s *sinkAdapter) Publish(ctx context.Context, export model.SessionExport) error {
	payload, err := json.Marshal(export)
	if err != nil {
		return fmt.Errorf("hanashi: marshal export %s: %w", export.SessionID, err)
	}
	return s.inner.Publish(ctx, export.SessionID, payload)
}

func (s *sinkAdapter) Close() error { return s.inner.Close() }

// exportFanout delivers each terminal export to the analytics queue and
// notifies registered session hooks. Hook failures are logged, never
// propagated; a hook cannot block or fail session teardown.
type exportFanout struct {
	queue  *analytics.Queue
	hooks  []SessionHook
	logger *slog.Logger
}

func (f *exportFanout) Enqueue(export model.SessionExport) {
	f.queue.Enqueue(export)
	if len(f.hooks) == 0 {
		return
	}
	public := toPublicExport(export)
	for _, hook := range f.hooks {
		go func(h SessionHook) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := h.OnSessionEnded(ctx, public); err != nil {
				f.logger.Error("hanashi: session hook failed",
					"session_id", public.SessionID, "error", err)
			}
		}(hook)
	}
}

func toPublicInvocation(inv model.ToolInvocation) Invocation {
	attempts := make([]Attempt, len(inv.Attempts))
	for i, a := range inv.Attempts {
		attempts[i] = Attempt{
			Provider:  a.Provider,
			Succeeded: a.Succeeded,
			Latency:   a.Latency,
			ErrorKind: string(a.ErrorKind),
			Error:     a.Error,
		}
	}
	return Invocation{
		ID:           inv.ID,
		Tool:         string(inv.Tool),
		Outcome:      string(inv.Outcome),
		DenialReason: inv.DenialReason,
		Result:       inv.Result,
		Attempts:     attempts,
		StartedAt:    inv.StartedAt,
		ResolvedAt:   inv.ResolvedAt,
	}
}

func toPublicExport(export model.SessionExport) Export {
	calls := make([]Invocation, len(export.ToolCalls))
	for i, inv := range export.ToolCalls {
		calls[i] = toPublicInvocation(inv)
	}
	return Export{
		SessionID: export.SessionID,
		UserEmail: export.UserEmail,
		Tier:      export.Tier,
		ToolCalls: calls,
		Cost: CostSummary{
			TotalCost: export.Ledger.TotalCost,
			Ceiling:   export.Ledger.Ceiling,
			Capped:    export.Ledger.Capped,
		},
		EndReason:       string(export.EndReason),
		StartedAt:       export.StartedAt,
		EndedAt:         export.EndedAt,
		DurationSeconds: export.DurationSeconds,
	}
}
