// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in spec.md §6.5 plus the ambient
// connection settings needed to actually run the service.
type Config struct {
	// Reconciliation tuning (spec.md §6.5)
	PollIntervalSeconds               int
	TimeoutSeconds                    int
	MaxIndividualLookups              int
	OverlapSeconds                    int
	SubmittedUnconfirmedGraceSeconds  int
	FillsBackfillEnabled              bool
	FillsBackfillInitialLookbackHours int
	FillsBackfillPageSize             int
	FillsBackfillMaxPages             int
	DryRun                            bool

	// Connections
	DatabaseURL   string
	RedisAddr     string
	HTTPAddr      string
	BrokerBaseURL string
	BrokerTimeout time.Duration

	// Metrics
	PodLabel string

	Debug bool
}

// Load reads configuration from the environment, applying the defaults
// enumerated in spec.md §6.5 / SPEC_FULL.md §6.5.
func Load() (*Config, error) {
	cfg := &Config{
		PollIntervalSeconds:               getEnvInt("RECON_POLL_INTERVAL_SECONDS", 300),
		TimeoutSeconds:                    getEnvInt("RECON_TIMEOUT_SECONDS", 300),
		MaxIndividualLookups:              getEnvInt("RECON_MAX_INDIVIDUAL_LOOKUPS", 100),
		OverlapSeconds:                    getEnvInt("RECON_OVERLAP_SECONDS", 60),
		SubmittedUnconfirmedGraceSeconds:  getEnvInt("RECON_SUBMITTED_UNCONFIRMED_GRACE_SECONDS", 300),
		FillsBackfillEnabled:              getEnvBool("RECON_FILLS_BACKFILL_ENABLED", false),
		FillsBackfillInitialLookbackHours: getEnvInt("RECON_FILLS_BACKFILL_INITIAL_LOOKBACK_HOURS", 24),
		FillsBackfillPageSize:             getEnvInt("RECON_FILLS_BACKFILL_PAGE_SIZE", 100),
		FillsBackfillMaxPages:             getEnvInt("RECON_FILLS_BACKFILL_MAX_PAGES", 5),
		DryRun:                            getEnvBool("RECON_DRY_RUN", false),

		DatabaseURL:   getEnv("RECON_DATABASE_URL", "data/reconciliation.db"),
		RedisAddr:     getEnv("RECON_REDIS_ADDR", ""),
		HTTPAddr:      getEnv("RECON_HTTP_ADDR", ":8090"),
		BrokerBaseURL: os.Getenv("RECON_BROKER_BASE_URL"),
		BrokerTimeout: getEnvDuration("RECON_BROKER_TIMEOUT_SECONDS", 10*time.Second),

		PodLabel: firstNonEmpty(os.Getenv("POD_NAME"), os.Getenv("HOSTNAME"), "unknown"),
		Debug:    getEnvBool("DEBUG", false),
	}

	if cfg.BrokerBaseURL == "" && !cfg.DryRun {
		return nil, fmt.Errorf("RECON_BROKER_BASE_URL is required unless RECON_DRY_RUN is set")
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultSeconds time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultSeconds
}
