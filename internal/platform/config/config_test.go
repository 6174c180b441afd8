package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("PULLPUSH_TEST_STR", "value")
	if got := GetEnv("PULLPUSH_TEST_STR", "fallback"); got != "value" {
		t.Errorf("expected value, got %s", got)
	}
	if got := GetEnv("PULLPUSH_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("PULLPUSH_TEST_INT", "42")
	if got := GetEnvInt("PULLPUSH_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("PULLPUSH_TEST_INT", "not a number")
	if got := GetEnvInt("PULLPUSH_TEST_INT", 7); got != 7 {
		t.Errorf("expected fallback 7, got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("PULLPUSH_TEST_MS", "2500")
	if got := GetEnvDuration("PULLPUSH_TEST_MS", time.Second); got != 2500*time.Millisecond {
		t.Errorf("expected 2.5s, got %v", got)
	}
	t.Setenv("PULLPUSH_TEST_MS", "-1")
	if got := GetEnvDuration("PULLPUSH_TEST_MS", time.Second); got != time.Second {
		t.Errorf("expected fallback for non-positive value, got %v", got)
	}
}

func TestFromEnv_defaults(t *testing.T) {
	for _, key := range []string{"PORT", "DEFAULT_UPLOAD_CONCURRENCY", "FETCH_TIMEOUT_MS", "LOG_LEVEL", "LOG_FORMAT"} {
		t.Setenv(key, "")
	}
	cfg := FromEnv(16)
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.DefaultUploadConcurrency != 16 {
		t.Errorf("expected passed-through concurrency default, got %d", cfg.DefaultUploadConcurrency)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("expected default fetch timeout 5s, got %v", cfg.FetchTimeout)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Errorf("unexpected log defaults: %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
}
