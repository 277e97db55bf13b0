package qualify

import (
	"regexp"
	"strconv"
	"strings"
)

// Lightweight signal extraction from transcript text. Pattern matching
// only — anything heavier belongs in the downstream analytics pipeline.

var teamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d+)\s*(?:people|users|team|employees|members)\b`),
	regexp.MustCompile(`\bteam\s+of\s+(\d+)\b`),
	regexp.MustCompile(`\b(\d+)\s+person\s+team\b`),
}

var volumePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d+)\s*(?:documents?|docs?|contracts?|proposals?)\s*(?:per|a|every)?\s*(?:month|week|day)\b`),
	regexp.MustCompile(`\b(?:send|create|process)\s*about\s*(\d+)\b`),
}

var integrationKeywords = []string{
	"salesforce", "hubspot", "zapier", "api", "crm", "embedded", "webhook",
}

// urgencyKeywords maps urgency levels to trigger phrases, checked from
// most to least urgent so "this week" wins over "this month".
var urgencyKeywords = []struct {
	level    Urgency
	keywords []string
}{
	{UrgencyHigh, []string{"urgent", "asap", "immediately", "this week", "right away"}},
	{UrgencyMedium, []string{"soon", "this month", "next week"}},
	{UrgencyLow, []string{"eventually", "sometime", "future", "down the road"}},
}

// Detect scans one user utterance for qualification signals and merges
// anything found into s. It never clears existing signals.
func (s *Signals) Detect(utterance string) {
	text := strings.ToLower(utterance)

	for _, re := range teamPatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				s.SetTeamSize(n)
			}
			break
		}
	}

	for _, re := range volumePatterns {
		if m := re.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				break
			}
			// Normalize weekly and daily mentions to a monthly figure
			// (roughly 20 business days per month).
			if strings.Contains(text, "week") {
				n *= 4
			} else if strings.Contains(text, "day") {
				n *= 20
			}
			s.SetMonthlyVolume(n)
			break
		}
	}

	for _, kw := range integrationKeywords {
		if containsWord(text, kw) {
			s.AddIntegrationNeed(kw)
		}
	}

	for _, bucket := range urgencyKeywords {
		matched := false
		for _, kw := range bucket.keywords {
			if strings.Contains(text, kw) {
				s.SetUrgency(bucket.level)
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
}

// containsWord matches kw on word boundaries so "api" does not fire on
// "rapid".
func containsWord(text, kw string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
