package hanashi

import (
	"time"

	"github.com/google/uuid"
)

// Tool names accepted by InvokeTool. The dispatch set is closed; any
// other name is rejected before reaching a provider.
const (
	ToolSearchKnowledge = "search_knowledge"
	ToolBookMeeting     = "book_meeting"
)

// End reasons accepted by EndSession.
const (
	EndReasonHangup         = "user_hangup"
	EndReasonSilenceTimeout = "silence_timeout"
	EndReasonTimeLimit      = "time_limit"
	EndReasonCostLimit      = "cost_limit"
	EndReasonError          = "error"
)

// ToolRequest is the argument bundle passed to a ToolProvider. It is a
// curated view of the internal chain request — no internal package
// imports, safe for external provider implementations.
type ToolRequest struct {
	Tool             string
	Arguments        map[string]any
	IdempotencyToken uuid.UUID
}

// ToolResult is the normalized success payload of a ToolProvider. Via
// names the provider class ("webhook", "demo", "direct_api", "search")
// so consumers can tell real side effects from stubs.
type ToolResult struct {
	Payload map[string]any
	Via     string
}

// Attempt is one recorded provider call within an invocation.
type Attempt struct {
	Provider  string
	Succeeded bool
	Latency   time.Duration
	ErrorKind string // "transient", "permanent", "circuit_open"
	Error     string
}

// Invocation is the resolved record of one tool call.
type Invocation struct {
	ID           uuid.UUID
	Tool         string
	Outcome      string // "success", "all_providers_failed", "denied_by_qualification", "denied_by_cost_ceiling"
	DenialReason string
	Result       map[string]any
	Attempts     []Attempt
	StartedAt    time.Time
	ResolvedAt   time.Time
}

// Succeeded reports whether the invocation resolved with a provider success.
func (i Invocation) Succeeded() bool { return i.Outcome == "success" }

// ProviderPrice is the cost of one usage unit for a provider.
type ProviderPrice struct {
	Unit    string // "tokens", "characters", "seconds", "requests"
	PerUnit float64
}

// CostSummary is a session's cost position.
type CostSummary struct {
	TotalCost float64
	Ceiling   float64
	Capped    bool
}

// Export is the terminal session snapshot handed to session hooks. The
// full wire payload (signals, per-provider usage) goes to the analytics
// sink; hooks get the fields follow-up automation acts on.
type Export struct {
	SessionID       string
	UserEmail       string
	Tier            string // "unqualified", "self_serve", "sales_ready"
	ToolCalls       []Invocation
	Cost            CostSummary
	EndReason       string
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds float64
}
