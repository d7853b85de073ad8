package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.WaveConcurrencyLimit != 10 {
		t.Fatalf("expected default wave concurrency 10, got %d", cfg.WaveConcurrencyLimit)
	}
	if cfg.WaveSizeLimit != 100 {
		t.Fatalf("expected default wave size limit 100, got %d", cfg.WaveSizeLimit)
	}
	if cfg.AuthFailureThreshold != 3 {
		t.Fatalf("expected default auth failure threshold 3, got %d", cfg.AuthFailureThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to validate, got %v", err)
	}
}

func TestConfigValidateRejectsBadBackoff(t *testing.T) {
	cfg := FromEnv()
	cfg.PollBackoffCap = cfg.PollBackoffBase - 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for backoff cap below base")
	}
}

func TestConfigValidateRejectsBadJitter(t *testing.T) {
	cfg := FromEnv()
	cfg.PollJitter = 1.5
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range jitter")
	}
}
