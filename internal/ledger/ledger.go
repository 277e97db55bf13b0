// Package ledger accumulates per-turn usage events into running
// provider costs for one session, enforces the optional session cost
// ceiling, and produces the terminal cost snapshot for export.
//
// A ledger is owned by exactly one session. The mutex exists because
// the audio/LLM pipeline reports usage concurrently with tool dispatch,
// not because ledgers are shared between sessions.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hanashi-ai/hanashi/internal/model"
)

// Price is the cost of one unit for a provider.
type Price struct {
	Unit    model.UnitKind
	PerUnit float64
}

// PriceTable maps provider name to unit price. Injected configuration;
// usage for a provider missing from the table accumulates at zero cost.
type PriceTable map[string]Price

// DefaultPriceTable mirrors the production voice pipeline pricing:
// LLM tokens, STT audio seconds, TTS characters.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"openai_gpt4_mini_input":  {Unit: model.UnitTokens, PerUnit: 0.150 / 1_000_000},
		"openai_gpt4_mini_output": {Unit: model.UnitTokens, PerUnit: 0.600 / 1_000_000},
		"deepgram_nova2":          {Unit: model.UnitSeconds, PerUnit: 0.0043 / 60},
		"elevenlabs_turbo":        {Unit: model.UnitCharacters, PerUnit: 0.15 / 1_000_000},
		"cartesia_sonic":          {Unit: model.UnitCharacters, PerUnit: 0.06 / 1_000_000},
	}
}

// Ledger is one session's cost accumulator.
type Ledger struct {
	prices  PriceTable
	ceiling float64 // 0 = unlimited
	logger  *slog.Logger

	mu     sync.Mutex
	usage  map[string]model.ProviderUsage
	total  float64
	capped bool

	finalizeOnce sync.Once
	final        model.LedgerSnapshot
}

// New creates a ledger with the given price table and ceiling.
// A zero ceiling disables capping.
func New(prices PriceTable, ceiling float64, logger *slog.Logger) *Ledger {
	if prices == nil {
		prices = DefaultPriceTable()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		prices:  prices,
		ceiling: ceiling,
		logger:  logger,
		usage:   make(map[string]model.ProviderUsage),
	}
}

// RecordUsage accumulates one usage event and recomputes the running
// total. Safe to call multiple times per conversation turn. Events
// arriving after finalization are dropped with a warning; the export
// snapshot is already immutable at that point.
func (l *Ledger) RecordUsage(provider string, unit model.UnitKind, amount float64) {
	if amount <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.finalized() {
		l.logger.Warn("usage event after ledger finalization, dropping",
			"provider", provider, "unit", string(unit), "amount", amount)
		return
	}

	u := l.usage[provider]
	if u.Unit == "" {
		u.Unit = unit
	} else if u.Unit != unit {
		l.logger.Warn("usage unit changed for provider, keeping original unit",
			"provider", provider, "unit", string(unit), "recorded_unit", string(u.Unit))
	}
	u.Amount += amount

	price, ok := l.prices[provider]
	if ok {
		u.Cost = u.Amount * price.PerUnit
	}
	l.usage[provider] = u

	total := 0.0
	for _, pu := range l.usage {
		total += pu.Cost
	}
	l.total = total

	if l.ceiling > 0 && l.total >= l.ceiling && !l.capped {
		l.capped = true
		l.logger.Warn("session cost ceiling reached",
			"total_cost", fmt.Sprintf("%.4f", l.total),
			"ceiling", fmt.Sprintf("%.4f", l.ceiling),
		)
	}
}

// TotalCost returns the running total in dollars.
func (l *Ledger) TotalCost() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// Capped reports whether the session cost ceiling has been reached.
// Capping is a soft stop on spend: the orchestrator denies further
// billable tool use but lets the conversation end gracefully.
func (l *Ledger) Capped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capped
}

// Snapshot returns the current ledger state without finalizing.
func (l *Ledger) Snapshot() model.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Ledger) snapshotLocked() model.LedgerSnapshot {
	by := make(map[string]model.ProviderUsage, len(l.usage))
	for p, u := range l.usage {
		by[p] = u
	}
	return model.LedgerSnapshot{
		ByProvider: by,
		TotalCost:  l.total,
		Ceiling:    l.ceiling,
		Capped:     l.capped,
	}
}

// Finalize freezes the ledger and returns the terminal snapshot.
// Idempotent: session end can be triggered from multiple paths (hangup,
// timeout, error) and repeat calls return the cached snapshot.
func (l *Ledger) Finalize() model.LedgerSnapshot {
	l.finalizeOnce.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.final = l.snapshotLocked()
	})
	return l.final
}

// finalized reports whether Finalize has run. Caller holds l.mu.
func (l *Ledger) finalized() bool {
	// sync.Once has no query API; the final snapshot's non-nil map is
	// the marker.
	return l.final.ByProvider != nil
}
