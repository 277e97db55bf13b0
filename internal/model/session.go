// Package model defines the core domain types for Hanashi.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. The SessionExport payload is the only
// shape that crosses the process boundary; everything else is owned by
// exactly one session for its lifetime.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionEnded      SessionStatus = "ended"
	SessionCostCapped SessionStatus = "cost_capped"
)

// ToolName identifies one of the closed set of dispatchable tools.
type ToolName string

const (
	ToolSearchKnowledge ToolName = "search_knowledge"
	ToolBookMeeting     ToolName = "book_meeting"
)

// Outcome is the terminal result of a tool invocation chain.
type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomeAllProvidersFailed    Outcome = "all_providers_failed"
	OutcomeDeniedByQualification Outcome = "denied_by_qualification"
	OutcomeDeniedByCostCeiling   Outcome = "denied_by_cost_ceiling"
)

// ErrorKind classifies a provider attempt failure.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindPermanent   ErrorKind = "permanent"
	ErrorKindCircuitOpen ErrorKind = "circuit_open"
)

// ProviderAttempt is one recorded call to a concrete provider within a
// fallback chain. Attempts are ordered; a chain never runs providers in
// parallel.
type ProviderAttempt struct {
	Provider  string        `json:"provider"`
	Succeeded bool          `json:"succeeded"`
	Latency   time.Duration `json:"latency_ms"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ToolInvocation records one tool call attempt chain. Immutable once the
// chain resolves.
type ToolInvocation struct {
	ID               uuid.UUID         `json:"id"`
	Tool             ToolName          `json:"tool"`
	Arguments        map[string]any    `json:"arguments,omitempty"`
	IdempotencyToken uuid.UUID         `json:"idempotency_token"`
	Attempts         []ProviderAttempt `json:"provider_attempts,omitempty"`
	Outcome          Outcome           `json:"final_outcome"`
	// DenialReason is set when Outcome is a denial (not a fault).
	DenialReason string         `json:"denial_reason,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}

// Succeeded reports whether the invocation resolved with a provider success.
func (t ToolInvocation) Succeeded() bool { return t.Outcome == OutcomeSuccess }
