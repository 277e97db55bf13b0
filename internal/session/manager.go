package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hanashi-ai/hanashi/internal/fallback"
	"github.com/hanashi-ai/hanashi/internal/ledger"
	"github.com/hanashi-ai/hanashi/internal/model"
	"github.com/hanashi-ai/hanashi/internal/qualify"
)

// Deps are the process-wide collaborators shared by all sessions.
// Chains and the breaker registry behind them are shared deliberately:
// a provider that is down is down for everyone.
type Deps struct {
	Chains      map[model.ToolName]*fallback.Chain
	Policy      qualify.Policy
	Prices      ledger.PriceTable
	CostCeiling float64
	Exporter    Exporter
	Logger      *slog.Logger
	Now         func() time.Time

	// MaxDuration bounds a session's wall-clock lifetime and
	// SilenceTimeout its idle gap between observed activity. Zero
	// disables the corresponding limit.
	MaxDuration    time.Duration
	SilenceTimeout time.Duration
}

// Manager tracks live sessions and owns their lifecycle. Each session
// gets its own signal record and cost ledger; everything else is
// shared.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewManager creates a session manager.
func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		deps:     deps,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Start creates and registers a new session for the given caller.
func (m *Manager) Start(userEmail string) *Session {
	signals := qualify.New(m.deps.Policy)
	led := ledger.New(m.deps.Prices, m.deps.CostCeiling, m.deps.Logger)
	s := newSession(userEmail, m.deps.Chains, signals, led, m.deps.Exporter, m.deps.Logger, m.deps.Now)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	if m.deps.MaxDuration > 0 || m.deps.SilenceTimeout > 0 {
		go m.watch(s)
	}

	m.deps.Logger.Info("session: started",
		"session_id", s.ID().String(), "user_email", userEmail)
	return s
}

// watch ends a session that exceeds its duration or silence limit. It
// exits once the session leaves the registry, whether it timed out or
// was ended by its caller.
func (m *Manager) watch(s *Session) {
	ticker := time.NewTicker(watchInterval(m.deps.MaxDuration, m.deps.SilenceTimeout))
	defer ticker.Stop()

	for range ticker.C {
		if _, ok := m.Get(s.ID()); !ok {
			return
		}
		reason, ok := s.expired(m.deps.Now(), m.deps.MaxDuration, m.deps.SilenceTimeout)
		if !ok {
			continue
		}
		m.deps.Logger.Info("session: limit reached",
			"session_id", s.ID().String(), "end_reason", string(reason))
		if _, err := m.End(s.ID(), reason); err != nil {
			// Lost the race with an explicit End; nothing left to do.
			return
		}
		return
	}
}

// watchInterval picks a polling period fine enough to catch the
// shortest configured limit without busy-looping.
func watchInterval(limits ...time.Duration) time.Duration {
	var shortest time.Duration
	for _, l := range limits {
		if l > 0 && (shortest == 0 || l < shortest) {
			shortest = l
		}
	}
	interval := shortest / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}

// Get returns a live session by id.
func (m *Manager) Get(id uuid.UUID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// End terminates one session, deregisters it, and returns its export.
func (m *Manager) End(id uuid.UUID, reason model.EndReason) (model.SessionExport, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return model.SessionExport{}, fmt.Errorf("session: %s not found", id)
	}
	return s.End(reason), nil
}

// EndAll terminates every live session concurrently, used during
// process shutdown. Each session still exports exactly once.
func (m *Manager) EndAll(ctx context.Context, reason model.EndReason) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.sessions = make(map[uuid.UUID]*Session)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, s := range live {
		g.Go(func() error {
			s.End(reason)
			return nil
		})
	}
	return g.Wait()
}
