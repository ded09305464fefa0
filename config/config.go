// Package config loads service configuration from CARDAUTH_* environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// External configures one upstream service client.
type External struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
	BackoffMS   int
}

// Limits carries the fallback limits applied when neither the card nor its
// product defines one.
type Limits struct {
	Transaction decimal.Decimal
	Daily       decimal.Decimal
	Monthly     decimal.Decimal
	ATMDaily    decimal.Decimal
	Contactless decimal.Decimal
	Online      decimal.Decimal
}

// ChannelMultipliers scale the effective transaction and daily limits per
// acquiring channel.
type ChannelMultipliers struct {
	ATM       float64
	ECommerce float64
	POS       float64
}

// Config is the full service configuration.
type Config struct {
	Env        string
	ListenAddr string
	DatabaseDSN string

	HoldExpiry       time.Duration
	ChallengeExpiry  time.Duration
	AuthorizeTimeout time.Duration
	SweepInterval    time.Duration

	ChallengeThreshold int
	DeclineThreshold   int

	DefaultLimits      Limits
	ChannelMultipliers ChannelMultipliers

	HighRiskMCCs      []string
	HighRiskCountries []string

	CardService  External
	Ledger       External
	FXService    External
	Notification External
}

// FromEnv reads configuration from the environment, applying documented
// defaults for anything unset.
func FromEnv() (Config, error) {
	cfg := Config{
		Env:         getEnvDefault("CARDAUTH_ENV", "dev"),
		ListenAddr:  getEnvDefault("CARDAUTH_LISTEN", ":8080"),
		DatabaseDSN: getEnvDefault("CARDAUTH_DATABASE_URL", ""),

		HoldExpiry:       time.Duration(parseIntEnv("CARDAUTH_HOLD_EXPIRY_HOURS", 168)) * time.Hour,
		ChallengeExpiry:  time.Duration(parseIntEnv("CARDAUTH_CHALLENGE_EXPIRY_MINUTES", 15)) * time.Minute,
		AuthorizeTimeout: time.Duration(parseIntEnv("CARDAUTH_AUTHORIZE_TIMEOUT_SECONDS", 10)) * time.Second,
		SweepInterval:    time.Duration(parseIntEnv("CARDAUTH_SWEEP_INTERVAL_SECONDS", 3600)) * time.Second,

		ChallengeThreshold: parseIntEnv("CARDAUTH_CHALLENGE_THRESHOLD", 70),
		DeclineThreshold:   parseIntEnv("CARDAUTH_DECLINE_THRESHOLD", 90),

		DefaultLimits: Limits{
			Transaction: parseDecimalEnv("CARDAUTH_DEFAULT_TRANSACTION_LIMIT", "2000"),
			Daily:       parseDecimalEnv("CARDAUTH_DEFAULT_DAILY_LIMIT", "5000"),
			Monthly:     parseDecimalEnv("CARDAUTH_DEFAULT_MONTHLY_LIMIT", "20000"),
			ATMDaily:    parseDecimalEnv("CARDAUTH_DEFAULT_ATM_DAILY_LIMIT", "1000"),
			Contactless: parseDecimalEnv("CARDAUTH_DEFAULT_CONTACTLESS_LIMIT", "100"),
			Online:      parseDecimalEnv("CARDAUTH_DEFAULT_ONLINE_LIMIT", "3000"),
		},
		ChannelMultipliers: ChannelMultipliers{
			ATM:       parseFloatEnv("CARDAUTH_CHANNEL_MULTIPLIER_ATM", 0.5),
			ECommerce: parseFloatEnv("CARDAUTH_CHANNEL_MULTIPLIER_ECOMMERCE", 0.75),
			POS:       parseFloatEnv("CARDAUTH_CHANNEL_MULTIPLIER_POS", 1.0),
		},

		HighRiskMCCs:      parseCSVEnv("CARDAUTH_HIGH_RISK_MCCS", "7995,5993,5921,7273,7994,5816,5967"),
		HighRiskCountries: parseCSVEnv("CARDAUTH_HIGH_RISK_COUNTRIES", ""),

		CardService:  externalFromEnv("CARD_SERVICE"),
		Ledger:       externalFromEnv("LEDGER"),
		FXService:    externalFromEnv("FX"),
		Notification: externalFromEnv("NOTIFICATION"),
	}
	if cfg.ChallengeThreshold < 0 || cfg.ChallengeThreshold > 100 {
		return Config{}, fmt.Errorf("config: challenge threshold %d out of range", cfg.ChallengeThreshold)
	}
	if cfg.DeclineThreshold < cfg.ChallengeThreshold || cfg.DeclineThreshold > 100 {
		return Config{}, fmt.Errorf("config: decline threshold %d out of range", cfg.DeclineThreshold)
	}
	return cfg, nil
}

func externalFromEnv(name string) External {
	prefix := "CARDAUTH_" + name
	return External{
		BaseURL:     getEnvDefault(prefix+"_BASE_URL", ""),
		APIKey:      getEnvDefault(prefix+"_API_KEY", ""),
		Timeout:     time.Duration(parseIntEnv(prefix+"_TIMEOUT_SECONDS", 5)) * time.Second,
		MaxAttempts: parseIntEnv(prefix+"_RETRY_MAX_ATTEMPTS", 3),
		BackoffMS:   parseIntEnv(prefix+"_RETRY_BACKOFF_MS", 500),
	}
}

func getEnvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloatEnv(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDecimalEnv(key, fallback string) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		v = fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.RequireFromString(fallback)
	}
	return d
}

func parseCSVEnv(key, fallback string) []string {
	raw := getEnvDefault(key, fallback)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
