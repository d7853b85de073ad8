// Package config loads the orchestrator's runtime configuration from
// environment variables, in the teacher's GetEnv/GetEnvInt/GetEnvBool
// style (the Marble-secret indirection it layers on top has no analogue
// here and is dropped).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the orchestrator's full runtime configuration, loaded once in
// cmd/orchestrator/main.go.
type Config struct {
	// HTTPAddr is the bind address for the Command Gateway's HTTP front door.
	HTTPAddr string

	// DatabaseDSN is the Postgres connection string for the State Store
	// Adapter. Empty selects the in-memory store instead.
	DatabaseDSN string
	// RunMigrations applies pending goose migrations at startup when the
	// Postgres store is selected.
	RunMigrations bool

	// LogLevel/LogFormat configure internal/logging.
	LogLevel  string
	LogFormat string

	// WaveConcurrencyLimit bounds per-(account,region) concurrent
	// Start-Recovery fan-out (spec.md §4.3, default 10).
	WaveConcurrencyLimit int
	// WaveSizeLimit rejects waves with more servers than this (§4.3,
	// default 100).
	WaveSizeLimit int

	// PollInitialDelay is the delay after launch before the first poll
	// (§4.4, default 10s).
	PollInitialDelay time.Duration
	// PollBackoffBase/Factor/Cap parameterize the geometric backoff
	// between polls (§4.4: base 10s, factor 1.5, cap 60s).
	PollBackoffBase   time.Duration
	PollBackoffFactor float64
	PollBackoffCap    time.Duration
	// PollJitter is the fractional jitter applied to each poll delay
	// (§4.4: ±20%).
	PollJitter float64
	// PollMaxLifetime bounds how long a job may be polled before it is
	// marked FAILED with POLL_TIMEOUT (§4.4, default 2h).
	PollMaxLifetime time.Duration

	// AuthFailureThreshold is the number of consecutive Auth-class errors
	// before a credential refresh is forced (§4.4/§7, default 3).
	AuthFailureThreshold int

	// RateLimitPerSecond/Burst configure the per-(account,region) DRS/EC2
	// call rate limiter.
	RateLimitPerSecond float64
	RateLimitBurst     int

	// AWSRegion is the control-plane region used to resolve the STS
	// endpoint when assuming roles (the DRS/EC2 calls themselves use the
	// target account's region from TargetAccount).
	AWSRegion string
}

// FromEnv loads a Config from the process environment, applying the
// documented defaults for anything unset.
func FromEnv() Config {
	return Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseDSN:   getEnv("DATABASE_DSN", ""),
		RunMigrations: getEnvBool("RUN_MIGRATIONS", true),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		WaveConcurrencyLimit: getEnvInt("WAVE_CONCURRENCY_LIMIT", 10),
		WaveSizeLimit:        getEnvInt("WAVE_SIZE_LIMIT", 100),

		PollInitialDelay:  parseEnvDurationOrDefault("POLL_INITIAL_DELAY", 10*time.Second),
		PollBackoffBase:   parseEnvDurationOrDefault("POLL_BACKOFF_BASE", 10*time.Second),
		PollBackoffFactor: getEnvFloat("POLL_BACKOFF_FACTOR", 1.5),
		PollBackoffCap:    parseEnvDurationOrDefault("POLL_BACKOFF_CAP", 60*time.Second),
		PollJitter:        getEnvFloat("POLL_JITTER", 0.2),
		PollMaxLifetime:   parseEnvDurationOrDefault("POLL_MAX_LIFETIME", 2*time.Hour),

		AuthFailureThreshold: getEnvInt("AUTH_FAILURE_THRESHOLD", 3),

		RateLimitPerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 5),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 10),

		AWSRegion: getEnv("AWS_REGION", "us-east-1"),
	}
}

// Validate rejects configurations that would make the engine unable to
// honor its own invariants (e.g. a non-positive backoff would violate the
// poll-backoff bound, invariant 8).
func (c Config) Validate() error {
	if c.WaveConcurrencyLimit <= 0 {
		return fmt.Errorf("WAVE_CONCURRENCY_LIMIT must be positive")
	}
	if c.WaveSizeLimit <= 0 {
		return fmt.Errorf("WAVE_SIZE_LIMIT must be positive")
	}
	if c.PollBackoffBase <= 0 || c.PollBackoffCap <= 0 || c.PollBackoffCap < c.PollBackoffBase {
		return fmt.Errorf("POLL_BACKOFF_BASE/POLL_BACKOFF_CAP misconfigured")
	}
	if c.PollBackoffFactor <= 1 {
		return fmt.Errorf("POLL_BACKOFF_FACTOR must be greater than 1")
	}
	if c.PollJitter < 0 || c.PollJitter >= 1 {
		return fmt.Errorf("POLL_JITTER must be in [0,1)")
	}
	if c.AuthFailureThreshold <= 0 {
		return fmt.Errorf("AUTH_FAILURE_THRESHOLD must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	lower := strings.ToLower(v)
	return lower == "true" || lower == "1" || lower == "yes" || lower == "y"
}

func getEnvInt(key string, defaultValue int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return parsed
}
