package model

// UnitKind is the unit a provider bills in.
type UnitKind string

const (
	UnitTokens     UnitKind = "tokens"
	UnitCharacters UnitKind = "characters"
	UnitSeconds    UnitKind = "seconds"
	UnitRequests   UnitKind = "requests"
)

// ProviderUsage is the accumulated usage for one provider within a session.
type ProviderUsage struct {
	Unit   UnitKind `json:"unit_kind"`
	Amount float64  `json:"amount"`
	Cost   float64  `json:"cost"`
}

// LedgerSnapshot is the read-only view of a session's cost ledger.
type LedgerSnapshot struct {
	ByProvider map[string]ProviderUsage `json:"usage_by_provider"`
	TotalCost  float64                  `json:"total_cost"`
	Ceiling    float64                  `json:"ceiling,omitempty"`
	Capped     bool                     `json:"capped"`
}
