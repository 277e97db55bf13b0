// Package qualify tracks discovered qualification signals for one
// session and derives the routing decision that gates sales-facing
// tools. Signals only accumulate: a field is never downgraded back to
// unknown, so the derived tier is monotonic for the life of a session.
package qualify

import (
	"sort"
	"strings"
	"sync"

	"github.com/hanashi-ai/hanashi/internal/model"
)

// Tier is the coarse routing classification derived from signals.
type Tier string

const (
	TierUnqualified Tier = "unqualified"
	TierSelfServe   Tier = "self_serve"
	TierSalesReady  Tier = "sales_ready"
)

// Urgency buckets a prospect's stated timeline.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Policy holds the qualification thresholds. These mirror the product's
// stated qualification criteria and are configuration, not invariants.
type Policy struct {
	// MinTeamSize is the team size at which a lead is sales-ready.
	MinTeamSize int
	// MinMonthlyVolume is the monthly document volume at which a lead
	// is sales-ready.
	MinMonthlyVolume int
}

// DefaultPolicy returns the product defaults: 5+ users or 100+
// documents per month.
func DefaultPolicy() Policy {
	return Policy{MinTeamSize: 5, MinMonthlyVolume: 100}
}

// DenialReason explains why a gated tool was refused. This is a
// business decision, never a fault.
type DenialReason string

const (
	// ReasonNotYetQualified means the session has not produced
	// sales-ready signals; the caller should offer self-serve guidance.
	ReasonNotYetQualified DenialReason = "not_yet_qualified"
)

// Signals is the mutable per-session signal record. Safe for use from
// the session's single owning goroutine; a mutex guards against the
// usage pipeline reporting concurrently with tool dispatch.
type Signals struct {
	policy Policy

	mu               sync.Mutex
	teamSize         *int
	monthlyVolume    *int
	integrationNeeds map[string]struct{}
	urgency          Urgency

	// Extended business context, carried to export but not used for gating.
	industry         string
	useCase          string
	currentTool      string
	painPoints       []string
	decisionTimeline string
}

// New creates an empty signal record governed by policy. Zero policy
// fields fall back to defaults.
func New(policy Policy) *Signals {
	def := DefaultPolicy()
	if policy.MinTeamSize <= 0 {
		policy.MinTeamSize = def.MinTeamSize
	}
	if policy.MinMonthlyVolume <= 0 {
		policy.MinMonthlyVolume = def.MinMonthlyVolume
	}
	return &Signals{
		policy:           policy,
		integrationNeeds: make(map[string]struct{}),
	}
}

// SetTeamSize records an observed team size. Negative values are ignored.
func (s *Signals) SetTeamSize(n int) {
	if n < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teamSize = &n
}

// SetMonthlyVolume records an observed monthly document volume.
// Negative values are ignored.
func (s *Signals) SetMonthlyVolume(n int) {
	if n < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monthlyVolume = &n
}

// AddIntegrationNeed merges an integration mention into the set.
// Matching is case-insensitive; blanks are ignored.
func (s *Signals) AddIntegrationNeed(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrationNeeds[name] = struct{}{}
}

// SetUrgency records the prospect's urgency. Unknown values are ignored
// so a garbled update never erases an earlier observation.
func (s *Signals) SetUrgency(u Urgency) {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh:
	default:
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urgency = u
}

// SetContext records extended business context fields. Empty values
// never overwrite previously observed ones.
func (s *Signals) SetContext(field, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch field {
	case "industry":
		s.industry = value
	case "use_case":
		s.useCase = value
	case "current_tool":
		s.currentTool = value
	case "decision_timeline":
		s.decisionTimeline = value
	case "pain_point":
		s.painPoints = append(s.painPoints, value)
	}
}

// Tier derives the qualification tier. It is a pure function of the
// current signal set, recomputed on every read; given the same final
// signals, update order is irrelevant.
func (s *Signals) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tierLocked()
}

func (s *Signals) tierLocked() Tier {
	if s.teamSize != nil && *s.teamSize >= s.policy.MinTeamSize {
		return TierSalesReady
	}
	if s.monthlyVolume != nil && *s.monthlyVolume >= s.policy.MinMonthlyVolume {
		return TierSalesReady
	}
	if len(s.integrationNeeds) > 0 {
		return TierSalesReady
	}
	if s.teamSize != nil || s.monthlyVolume != nil || s.urgency != "" {
		return TierSelfServe
	}
	return TierUnqualified
}

// Authorize gates a tool invocation. Only the booking tool is gated;
// knowledge search is always allowed. A denial carries a structured
// reason for the caller to phrase a self-serve response — it must not
// be treated as a fault.
func (s *Signals) Authorize(tool model.ToolName) (bool, DenialReason) {
	if tool != model.ToolBookMeeting {
		return true, ""
	}
	if s.Tier() != TierSalesReady {
		return false, ReasonNotYetQualified
	}
	return true, ""
}

// Export snapshots the signals for the terminal session record.
func (s *Signals) Export() model.SignalsExport {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := model.SignalsExport{
		Urgency:          string(s.urgency),
		Industry:         s.industry,
		UseCase:          s.useCase,
		CurrentTool:      s.currentTool,
		DecisionTimeline: s.decisionTimeline,
	}
	if s.teamSize != nil {
		v := *s.teamSize
		out.TeamSize = &v
	}
	if s.monthlyVolume != nil {
		v := *s.monthlyVolume
		out.MonthlyVolume = &v
	}
	if len(s.integrationNeeds) > 0 {
		out.IntegrationNeeds = make([]string, 0, len(s.integrationNeeds))
		for name := range s.integrationNeeds {
			out.IntegrationNeeds = append(out.IntegrationNeeds, name)
		}
		sort.Strings(out.IntegrationNeeds)
	}
	if len(s.painPoints) > 0 {
		out.PainPoints = append([]string(nil), s.painPoints...)
	}
	return out
}
