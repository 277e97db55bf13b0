// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Knowledge search provider settings.
	SearchBaseURL     string
	SearchAPIKey      string
	SearchAssistantID string
	SearchSourceApp   string
	SearchPageSize    int
	SearchTimeout     time.Duration

	// Booking provider settings.
	BookingWebhookURL   string
	BookingWebhookToken string
	CalendarBaseURL     string
	CalendarAPIKey      string
	CalendarID          string
	BookingTimeout      time.Duration

	// Resilience settings shared by all providers.
	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	RetryMaxAttempts        int
	RetryBaseDelay          time.Duration
	RetryMaxDelay           time.Duration
	RetryAttemptTimeout     time.Duration

	// Session limits.
	CostCeiling        float64 // USD; 0 disables the cap
	MaxSessionDuration time.Duration
	SilenceTimeout     time.Duration

	// Qualification thresholds.
	QualifyMinTeamSize      int
	QualifyMinMonthlyVolume int

	// Analytics delivery.
	NATSURL             string
	SpoolPath           string
	ExportFlushInterval time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		SearchBaseURL:     envStr("HANASHI_SEARCH_BASE_URL", ""),
		SearchAPIKey:      envStr("HANASHI_SEARCH_API_KEY", ""),
		SearchAssistantID: envStr("HANASHI_SEARCH_ASSISTANT_ID", ""),
		SearchSourceApp:   envStr("HANASHI_SEARCH_SOURCE_APP", "intercom"),
		SearchPageSize:    envInt("HANASHI_SEARCH_PAGE_SIZE", 3),
		SearchTimeout:     envDuration("HANASHI_SEARCH_TIMEOUT", 10*time.Second),

		BookingWebhookURL:   envStr("HANASHI_BOOKING_WEBHOOK_URL", ""),
		BookingWebhookToken: envStr("HANASHI_BOOKING_WEBHOOK_TOKEN", ""),
		CalendarBaseURL:     envStr("HANASHI_CALENDAR_BASE_URL", ""),
		CalendarAPIKey:      envStr("HANASHI_CALENDAR_API_KEY", ""),
		CalendarID:          envStr("HANASHI_CALENDAR_ID", "primary"),
		BookingTimeout:      envDuration("HANASHI_BOOKING_TIMEOUT", 5*time.Second),

		BreakerFailureThreshold: envInt("HANASHI_BREAKER_FAILURE_THRESHOLD", 3),
		BreakerRecoveryTimeout:  envDuration("HANASHI_BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
		RetryMaxAttempts:        envInt("HANASHI_RETRY_MAX_ATTEMPTS", 3),
		RetryBaseDelay:          envDuration("HANASHI_RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:           envDuration("HANASHI_RETRY_MAX_DELAY", 10*time.Second),
		RetryAttemptTimeout:     envDuration("HANASHI_RETRY_ATTEMPT_TIMEOUT", 5*time.Second),

		CostCeiling:        envFloat("HANASHI_COST_CEILING", 5.0),
		MaxSessionDuration: envDuration("HANASHI_MAX_SESSION_DURATION", 20*time.Minute),
		SilenceTimeout:     envDuration("HANASHI_SILENCE_TIMEOUT", 90*time.Second),

		QualifyMinTeamSize:      envInt("HANASHI_QUALIFY_MIN_TEAM_SIZE", 5),
		QualifyMinMonthlyVolume: envInt("HANASHI_QUALIFY_MIN_MONTHLY_VOLUME", 100),

		NATSURL:             envStr("HANASHI_NATS_URL", ""),
		SpoolPath:           envStr("HANASHI_SPOOL_PATH", "hanashi-spool.db"),
		ExportFlushInterval: envDuration("HANASHI_EXPORT_FLUSH_INTERVAL", 5*time.Second),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "hanashi"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the loaded configuration is internally coherent.
// Provider endpoints may stay empty; the session layer substitutes demo
// providers for unconfigured capabilities.
func (c Config) Validate() error {
	if c.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("config: HANASHI_BREAKER_FAILURE_THRESHOLD must be positive")
	}
	if c.BreakerRecoveryTimeout <= 0 {
		return fmt.Errorf("config: HANASHI_BREAKER_RECOVERY_TIMEOUT must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("config: HANASHI_RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry delays must satisfy 0 < base <= max")
	}
	if c.CostCeiling < 0 {
		return fmt.Errorf("config: HANASHI_COST_CEILING must not be negative")
	}
	if c.SearchPageSize <= 0 {
		return fmt.Errorf("config: HANASHI_SEARCH_PAGE_SIZE must be positive")
	}
	if c.QualifyMinTeamSize <= 0 || c.QualifyMinMonthlyVolume <= 0 {
		return fmt.Errorf("config: qualification thresholds must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
