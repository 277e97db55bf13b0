package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hanashi-ai/hanashi/internal/fallback"
	"github.com/hanashi-ai/hanashi/internal/resilience"
)

// DirectDependency is the circuit breaker key for the direct calendar
// API provider.
const DirectDependency = "calendar_direct"

// DirectConfig holds settings for the direct calendar API path.
type DirectConfig struct {
	BaseURL    string
	APIKey     string
	CalendarID string // defaults to "primary"
	Timeout    time.Duration
}

// DirectAPIProvider writes a structured calendar event straight to the
// provider's events endpoint, bypassing the webhook workflow. It is the
// last resort in the chain: same end result, but no CRM enrichment.
type DirectAPIProvider struct {
	cfg          DirectConfig
	httpClient   *http.Client
	defaultEmail string
	now          func() time.Time
}

// NewDirectAPIProvider creates the direct calendar provider.
func NewDirectAPIProvider(cfg DirectConfig, defaultEmail string) *DirectAPIProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	return &DirectAPIProvider{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		defaultEmail: defaultEmail,
		now:          time.Now,
	}
}

// Name implements fallback.Provider.
func (p *DirectAPIProvider) Name() string { return DirectDependency }

// Idempotent implements fallback.Provider: the conference request id is
// derived from the idempotency token, so a retried create resolves to
// the same event.
func (p *DirectAPIProvider) Idempotent() bool { return true }

type calendarEvent struct {
	Summary     string             `json:"summary"`
	Description string             `json:"description,omitempty"`
	Start       calendarEventTime  `json:"start"`
	End         calendarEventTime  `json:"end"`
	Attendees   []calendarAttendee `json:"attendees"`
	Conference  *conferenceRequest `json:"conferenceData,omitempty"`
}

type calendarEventTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type calendarAttendee struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

type conferenceRequest struct {
	CreateRequest struct {
		RequestID string `json:"requestId"`
	} `json:"createRequest"`
}

type calendarEventResponse struct {
	ID       string `json:"id"`
	HTMLLink string `json:"htmlLink"`
	Hangout  string `json:"hangoutLink"`
	Status   string `json:"status"`
}

// Invoke implements fallback.Provider.
func (p *DirectAPIProvider) Invoke(ctx context.Context, req fallback.Request) (fallback.Result, error) {
	booking, err := ParseRequest(req, p.defaultEmail, p.now)
	if err != nil {
		return fallback.Result{}, err
	}

	event := calendarEvent{
		Summary:     fmt.Sprintf("Sales consultation: %s", booking.CustomerName),
		Description: booking.Description,
		Start:       calendarEventTime{DateTime: booking.StartTime.Format(time.RFC3339), TimeZone: "UTC"},
		End:         calendarEventTime{DateTime: booking.EndTime.Format(time.RFC3339), TimeZone: "UTC"},
		Attendees: []calendarAttendee{
			{Email: booking.CustomerEmail, DisplayName: booking.CustomerName},
		},
	}
	conf := &conferenceRequest{}
	conf.CreateRequest.RequestID = req.IdempotencyToken.String()
	event.Conference = conf

	body, err := json.Marshal(event)
	if err != nil {
		return fallback.Result{}, resilience.Permanent(fmt.Errorf("booking: marshal calendar event: %w", err))
	}

	url := fmt.Sprintf("%s/calendars/%s/events", p.cfg.BaseURL, p.cfg.CalendarID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fallback.Result{}, resilience.Permanent(fmt.Errorf("booking: create calendar request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fallback.Result{}, resilience.Transient(fmt.Errorf("booking: calendar request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fallback.Result{}, resilience.FromHTTPStatus(resp.StatusCode,
			fmt.Errorf("booking: calendar status %d: %s", resp.StatusCode, string(respBody)))
	}

	var created calendarEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fallback.Result{}, resilience.Permanent(fmt.Errorf("booking: decode calendar response: %w", err))
	}

	link := created.Hangout
	if link == "" {
		link = created.HTMLLink
	}
	return confirmed(link, booking.StartTime, ViaDirectAPI), nil
}
