package qualify

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanashi-ai/hanashi/internal/model"
)

func TestTier_NoSignals(t *testing.T) {
	s := New(DefaultPolicy())
	assert.Equal(t, TierUnqualified, s.Tier())
}

func TestTier_Thresholds(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Signals)
		want  Tier
	}{
		{"team at threshold", func(s *Signals) { s.SetTeamSize(5) }, TierSalesReady},
		{"team below threshold", func(s *Signals) { s.SetTeamSize(4) }, TierSelfServe},
		{"team zero observed", func(s *Signals) { s.SetTeamSize(0) }, TierSelfServe},
		{"volume at threshold", func(s *Signals) { s.SetMonthlyVolume(100) }, TierSalesReady},
		{"volume below threshold", func(s *Signals) { s.SetMonthlyVolume(99) }, TierSelfServe},
		{"any integration", func(s *Signals) { s.AddIntegrationNeed("salesforce") }, TierSalesReady},
		{"urgency only", func(s *Signals) { s.SetUrgency(UrgencyHigh) }, TierSelfServe},
		{
			"small team small volume",
			func(s *Signals) { s.SetTeamSize(2); s.SetMonthlyVolume(10) },
			TierSelfServe,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(DefaultPolicy())
			tt.setup(s)
			assert.Equal(t, tt.want, s.Tier())
		})
	}
}

func TestTier_CustomPolicy(t *testing.T) {
	s := New(Policy{MinTeamSize: 10, MinMonthlyVolume: 500})

	s.SetTeamSize(7)
	assert.Equal(t, TierSelfServe, s.Tier())

	s.SetTeamSize(10)
	assert.Equal(t, TierSalesReady, s.Tier())
}

// Tier must be a pure function of the final signal set: random update
// orderings of the same signals converge to the same tier.
func TestTier_OrderIndependent(t *testing.T) {
	updates := []func(*Signals){
		func(s *Signals) { s.SetTeamSize(8) },
		func(s *Signals) { s.SetMonthlyVolume(40) },
		func(s *Signals) { s.AddIntegrationNeed("hubspot") },
		func(s *Signals) { s.SetUrgency(UrgencyMedium) },
	}

	for range 50 {
		s := New(DefaultPolicy())
		perm := rand.Perm(len(updates))
		for _, i := range perm {
			updates[i](s)
		}
		assert.Equal(t, TierSalesReady, s.Tier())
	}
}

func TestSignals_NeverDowngraded(t *testing.T) {
	s := New(DefaultPolicy())

	s.SetTeamSize(8)
	require.Equal(t, TierSalesReady, s.Tier())

	// Negative and unknown updates are ignored; the tier never regresses.
	s.SetTeamSize(-1)
	s.SetUrgency("whenever")
	s.AddIntegrationNeed("  ")
	assert.Equal(t, TierSalesReady, s.Tier())

	exp := s.Export()
	require.NotNil(t, exp.TeamSize)
	assert.Equal(t, 8, *exp.TeamSize)
}

func TestSignals_LastWriteWins(t *testing.T) {
	s := New(DefaultPolicy())

	s.SetTeamSize(3)
	s.SetTeamSize(12)

	exp := s.Export()
	require.NotNil(t, exp.TeamSize)
	assert.Equal(t, 12, *exp.TeamSize)
}

func TestAuthorize(t *testing.T) {
	s := New(DefaultPolicy())

	ok, reason := s.Authorize(model.ToolSearchKnowledge)
	assert.True(t, ok, "search is never gated")
	assert.Empty(t, reason)

	ok, reason = s.Authorize(model.ToolBookMeeting)
	assert.False(t, ok)
	assert.Equal(t, ReasonNotYetQualified, reason)

	s.SetMonthlyVolume(150)
	ok, _ = s.Authorize(model.ToolBookMeeting)
	assert.True(t, ok)
}

func TestExport_IntegrationsSortedAndDeduplicated(t *testing.T) {
	s := New(DefaultPolicy())

	s.AddIntegrationNeed("Salesforce")
	s.AddIntegrationNeed("api")
	s.AddIntegrationNeed("salesforce")

	exp := s.Export()
	assert.Equal(t, []string{"api", "salesforce"}, exp.IntegrationNeeds)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		check     func(*testing.T, model.SignalsExport)
	}{
		{
			"team size phrase",
			"we have a team of 12 spread across two offices",
			func(t *testing.T, e model.SignalsExport) {
				require.NotNil(t, e.TeamSize)
				assert.Equal(t, 12, *e.TeamSize)
			},
		},
		{
			"people count",
			"about 8 people touch every proposal",
			func(t *testing.T, e model.SignalsExport) {
				require.NotNil(t, e.TeamSize)
				assert.Equal(t, 8, *e.TeamSize)
			},
		},
		{
			"weekly volume normalized to monthly",
			"we send 30 contracts per week",
			func(t *testing.T, e model.SignalsExport) {
				require.NotNil(t, e.MonthlyVolume)
				assert.Equal(t, 120, *e.MonthlyVolume)
			},
		},
		{
			"daily volume normalized to monthly",
			"roughly 10 docs a day go out",
			func(t *testing.T, e model.SignalsExport) {
				require.NotNil(t, e.MonthlyVolume)
				assert.Equal(t, 200, *e.MonthlyVolume)
			},
		},
		{
			"integration keywords",
			"once signed it needs to land in Salesforce via the API",
			func(t *testing.T, e model.SignalsExport) {
				assert.Equal(t, []string{"api", "salesforce"}, e.IntegrationNeeds)
			},
		},
		{
			"api does not match inside words",
			"we move rapidly on approvals",
			func(t *testing.T, e model.SignalsExport) {
				assert.Empty(t, e.IntegrationNeeds)
			},
		},
		{
			"high urgency",
			"we need this running asap",
			func(t *testing.T, e model.SignalsExport) {
				assert.Equal(t, string(UrgencyHigh), e.Urgency)
			},
		},
		{
			"low urgency",
			"maybe sometime down the road",
			func(t *testing.T, e model.SignalsExport) {
				assert.Equal(t, string(UrgencyLow), e.Urgency)
			},
		},
		{
			"nothing detected",
			"thanks, that was helpful",
			func(t *testing.T, e model.SignalsExport) {
				assert.Nil(t, e.TeamSize)
				assert.Nil(t, e.MonthlyVolume)
				assert.Empty(t, e.IntegrationNeeds)
				assert.Empty(t, e.Urgency)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(DefaultPolicy())
			s.Detect(tt.utterance)
			tt.check(t, s.Export())
		})
	}
}
