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

// WebhookDependency is the circuit breaker key for the booking webhook.
const WebhookDependency = "calendar_webhook"

// WebhookConfig holds the outbound webhook settings.
type WebhookConfig struct {
	URL       string
	AuthToken string // optional bearer token
	Timeout   time.Duration
}

// WebhookProvider delivers bookings to an automation webhook (the
// primary path in production: the receiving workflow owns the actual
// calendar write). The response schema is a generic key-value
// acknowledgment; anything 2xx with no explicit failure status counts
// as confirmed.
type WebhookProvider struct {
	cfg          WebhookConfig
	httpClient   *http.Client
	defaultEmail string
	now          func() time.Time
}

// NewWebhookProvider creates the webhook provider. defaultEmail backs
// bookings whose arguments omit a customer email.
func NewWebhookProvider(cfg WebhookConfig, defaultEmail string) *WebhookProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &WebhookProvider{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		defaultEmail: defaultEmail,
		now:          time.Now,
	}
}

// Name implements fallback.Provider.
func (p *WebhookProvider) Name() string { return WebhookDependency }

// Idempotent implements fallback.Provider: the idempotency token rides
// the Idempotency-Key header and the receiving workflow deduplicates
// on it, so internal retries are safe.
func (p *WebhookProvider) Idempotent() bool { return true }

type webhookPayload struct {
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	Description    string `json:"description,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Invoke implements fallback.Provider.
func (p *WebhookProvider) Invoke(ctx context.Context, req fallback.Request) (fallback.Result, error) {
	booking, err := ParseRequest(req, p.defaultEmail, p.now)
	if err != nil {
		return fallback.Result{}, err
	}

	body, err := json.Marshal(webhookPayload{
		CustomerName:   booking.CustomerName,
		CustomerEmail:  booking.CustomerEmail,
		StartTime:      booking.StartTime.Format(time.RFC3339),
		EndTime:        booking.EndTime.Format(time.RFC3339),
		Description:    booking.Description,
		IdempotencyKey: req.IdempotencyToken.String(),
	})
	if err != nil {
		return fallback.Result{}, resilience.Permanent(fmt.Errorf("booking: marshal webhook payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fallback.Result{}, resilience.Permanent(fmt.Errorf("booking: create webhook request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken.String())
	if p.cfg.AuthToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.AuthToken)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fallback.Result{}, resilience.Transient(fmt.Errorf("booking: webhook request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fallback.Result{}, resilience.FromHTTPStatus(resp.StatusCode,
			fmt.Errorf("booking: webhook status %d: %s", resp.StatusCode, string(respBody)))
	}

	// Generic key-value acknowledgment. An unparseable or empty body on
	// 2xx still counts as accepted.
	var ack map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&ack)

	if status, ok := ack["status"].(string); ok && status == "rejected" {
		return fallback.Result{}, resilience.Permanent(fmt.Errorf("booking: webhook rejected the booking"))
	}

	link, _ := ack["meeting_link"].(string)
	return confirmed(link, booking.StartTime, ViaWebhook), nil
}
