// Package config loads billing engine configuration from environment
// variables. A .env file is loaded if present but never required;
// explicit environment always wins.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing engine.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int

	// BaseURL is the externally reachable address; payment callbacks
	// and checkout redirects are built from it.
	BaseURL string

	// AdminKey authenticates the admin surface before any admin user
	// exists. Required.
	AdminKey string

	// TokenSecret signs tenant and admin access tokens.
	TokenSecret string
	TokenTTL    time.Duration

	// PaystackSecretKey enables the live gateway; when empty the
	// log-only gateway serves development setups.
	PaystackSecretKey string
	// PaystackWebhookSecret verifies webhook signatures. Defaults to
	// the secret key, which is what Paystack signs with.
	PaystackWebhookSecret string

	TrialDays          int
	GraceDays          int
	SweepInterval      time.Duration
	PendingTxTTL       time.Duration
	AuditRetentionDays int

	LogLevel  string
	LogFormat string
	LogFile   string
}

// RegistryDir returns the directory holding the billing database.
func (c *Config) RegistryDir() string {
	return filepath.Join(c.DataDir, "registry")
}

// PricingOverridesPath returns the operator-editable price override
// file watched at runtime.
func (c *Config) PricingOverridesPath() string {
	return filepath.Join(c.DataDir, "pricing-overrides.json")
}

// CallbackURL is where the gateway sends customers after checkout.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/payment/callback"
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("DUKA_PORT", 8090)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("DUKA_TRIAL_DAYS", 14)
	if err != nil {
		return nil, err
	}
	graceDays, err := envOrDefaultInt("DUKA_GRACE_DAYS", 30)
	if err != nil {
		return nil, err
	}
	retentionDays, err := envOrDefaultInt("DUKA_AUDIT_RETENTION_DAYS", 365)
	if err != nil {
		return nil, err
	}
	tokenTTL, err := envOrDefaultDuration("DUKA_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("DUKA_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	pendingTTL, err := envOrDefaultDuration("DUKA_PENDING_TX_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	secretKey := strings.TrimSpace(os.Getenv("PAYSTACK_SECRET_KEY"))
	cfg := &Config{
		DataDir:               envOrDefault("DUKA_DATA_DIR", "/var/lib/duka-billing"),
		BindAddress:           envOrDefault("DUKA_BIND_ADDRESS", "0.0.0.0"),
		Port:                  port,
		BaseURL:               strings.TrimSpace(os.Getenv("DUKA_BASE_URL")),
		AdminKey:              strings.TrimSpace(os.Getenv("DUKA_ADMIN_KEY")),
		TokenSecret:           strings.TrimSpace(os.Getenv("DUKA_TOKEN_SECRET")),
		TokenTTL:              tokenTTL,
		PaystackSecretKey:     secretKey,
		PaystackWebhookSecret: envOrDefault("PAYSTACK_WEBHOOK_SECRET", secretKey),
		TrialDays:             trialDays,
		GraceDays:             graceDays,
		SweepInterval:         sweepInterval,
		PendingTxTTL:          pendingTTL,
		AuditRetentionDays:    retentionDays,
		LogLevel:              envOrDefault("DUKA_LOG_LEVEL", "info"),
		LogFormat:             envOrDefault("DUKA_LOG_FORMAT", "auto"),
		LogFile:               strings.TrimSpace(os.Getenv("DUKA_LOG_FILE")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "DUKA_BASE_URL")
	}
	if c.AdminKey == "" {
		missing = append(missing, "DUKA_ADMIN_KEY")
	}
	if c.TokenSecret == "" {
		missing = append(missing, "DUKA_TOKEN_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("DUKA_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays < 1 {
		return fmt.Errorf("DUKA_TRIAL_DAYS must be at least 1, got %d", c.TrialDays)
	}
	if c.GraceDays < 0 {
		return fmt.Errorf("DUKA_GRACE_DAYS must not be negative, got %d", c.GraceDays)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("DUKA_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.PendingTxTTL <= 0 {
		return fmt.Errorf("DUKA_PENDING_TX_TTL must be positive, got %s", c.PendingTxTTL)
	}

	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("DUKA_BASE_URL must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("DUKA_BASE_URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("DUKA_BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
