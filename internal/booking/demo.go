package booking

import (
	"context"
	"time"

	"github.com/hanashi-ai/hanashi/internal/fallback"
)

// DemoDependency is the circuit breaker key for the demo provider. It
// never actually fails, but registering it keeps the fallback chain's
// bookkeeping uniform.
const DemoDependency = "calendar_demo"

// DemoProvider is a deterministic stub used in environments without a
// configured calendar backend. It confirms every booking without any
// side effect and tags the result so downstream consumers can tell it
// apart from a real calendar write.
type DemoProvider struct {
	defaultEmail string
	now          func() time.Time
}

// NewDemoProvider creates the stub provider.
func NewDemoProvider(defaultEmail string) *DemoProvider {
	return &DemoProvider{defaultEmail: defaultEmail, now: time.Now}
}

// Name implements fallback.Provider.
func (p *DemoProvider) Name() string { return DemoDependency }

// Idempotent implements fallback.Provider.
func (p *DemoProvider) Idempotent() bool { return true }

// Invoke implements fallback.Provider. Malformed arguments are still
// rejected so the stub exercises the same validation path as the real
// providers.
func (p *DemoProvider) Invoke(_ context.Context, req fallback.Request) (fallback.Result, error) {
	booking, err := ParseRequest(req, p.defaultEmail, p.now)
	if err != nil {
		return fallback.Result{}, err
	}
	return confirmed("", booking.StartTime, ViaDemo), nil
}
