// Package booking implements the calendar-booking capability behind
// the sales-meeting tool. Three providers are chained in configured
// order: an outbound webhook, a deterministic demo stub, and a direct
// calendar API. Their differing response schemas are normalized into
// one result shape before anything reaches the conversation loop.
package booking

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hanashi-ai/hanashi/internal/fallback"
	"github.com/hanashi-ai/hanashi/internal/resilience"
)

// Capability is the chain name for booking.
const Capability = "create_booking"

// MeetingDuration is the standard sales consultation slot.
const MeetingDuration = 30 * time.Minute

// Via markers distinguish real bookings from demo stubs in analytics
// and sales follow-up.
const (
	ViaWebhook   = "webhook"
	ViaDemo      = "demo"
	ViaDirectAPI = "direct_api"
)

// Request is a parsed, validated booking request.
type Request struct {
	CustomerName  string    `validate:"required,min=2"`
	CustomerEmail string    `validate:"required,email"`
	StartTime     time.Time `validate:"required"`
	EndTime       time.Time `validate:"required,gtfield=StartTime"`
	Description   string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseRequest extracts and validates booking arguments from a chain
// request. defaultEmail fills in the registration email when the
// arguments omit one. Validation failures are permanent: retrying a
// malformed request cannot succeed.
func ParseRequest(req fallback.Request, defaultEmail string, now func() time.Time) (Request, error) {
	name, _ := req.Arguments["customer_name"].(string)
	email, _ := req.Arguments["customer_email"].(string)
	if email == "" {
		email = defaultEmail
	}
	description, _ := req.Arguments["description"].(string)

	start := NextSlot(now())
	if raw, ok := req.Arguments["start_time"].(string); ok && raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Request{}, resilience.Permanent(fmt.Errorf("booking: invalid start_time %q: %w", raw, err))
		}
		start = parsed
	}

	out := Request{
		CustomerName:  name,
		CustomerEmail: email,
		StartTime:     start,
		EndTime:       start.Add(MeetingDuration),
		Description:   description,
	}
	if err := validate.Struct(out); err != nil {
		return Request{}, resilience.Permanent(fmt.Errorf("booking: invalid request: %w", err))
	}
	return out, nil
}

// NextSlot returns the default meeting time: the next business day at
// 10:00 local time, skipping weekends.
func NextSlot(now time.Time) time.Time {
	day := now.AddDate(0, 0, 1)
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 10, 0, 0, 0, now.Location())
}

// confirmed builds the normalized success payload shared by all
// providers.
func confirmed(meetingLink string, start time.Time, via string) fallback.Result {
	payload := map[string]any{
		"booking_status": "confirmed",
		"meeting_time":   start.Format(time.RFC3339),
		"via":            via,
	}
	if meetingLink != "" {
		payload["meeting_link"] = meetingLink
	}
	return fallback.Result{Payload: payload, Via: via}
}
