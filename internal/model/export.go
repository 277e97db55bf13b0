package model

import "time"

// EndReason explains why a session terminated.
type EndReason string

const (
	EndReasonHangup         EndReason = "user_hangup"
	EndReasonSilenceTimeout EndReason = "silence_timeout"
	EndReasonTimeLimit      EndReason = "time_limit"
	EndReasonCostLimit      EndReason = "cost_limit"
	EndReasonError          EndReason = "error"
)

// SessionExport is the terminal, write-once snapshot delivered to the
// analytics sink. Produced exactly once per session regardless of how
// the session terminated.
type SessionExport struct {
	SessionID       string           `json:"session_id"`
	UserEmail       string           `json:"user_email,omitempty"`
	Tier            string           `json:"qualification_tier"`
	Signals         SignalsExport    `json:"discovered_signals"`
	ToolCalls       []ToolInvocation `json:"tool_calls"`
	Ledger          LedgerSnapshot   `json:"cost_summary"`
	Status          SessionStatus    `json:"status"`
	EndReason       EndReason        `json:"end_reason"`
	StartedAt       time.Time        `json:"start_time"`
	EndedAt         time.Time        `json:"end_time"`
	DurationSeconds float64          `json:"duration_seconds"`
}

// SignalsExport is the serialized view of qualification signals.
// Optional fields use pointers so "never observed" survives the trip to
// analytics as null rather than a zero value.
type SignalsExport struct {
	TeamSize         *int     `json:"team_size,omitempty"`
	MonthlyVolume    *int     `json:"monthly_volume,omitempty"`
	IntegrationNeeds []string `json:"integration_needs,omitempty"`
	Urgency          string   `json:"urgency,omitempty"`
	Industry         string   `json:"industry,omitempty"`
	UseCase          string   `json:"use_case,omitempty"`
	CurrentTool      string   `json:"current_tool,omitempty"`
	PainPoints       []string `json:"pain_points,omitempty"`
	DecisionTimeline string   `json:"decision_timeline,omitempty"`
}
