// Package config assembles the relay's runtime configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Service is the full runtime configuration of the relay process.
type Service struct {
	Port                     string
	DefaultUploadConcurrency int
	FetchTimeout             time.Duration
	LogLevel                 string
	LogFormat                string
}

// FromEnv loads .env when present (a missing file is not an error) and reads
// the service configuration. defaultConcurrency is used when
// DEFAULT_UPLOAD_CONCURRENCY is unset.
func FromEnv(defaultConcurrency int) Service {
	_ = godotenv.Load()
	return Service{
		Port:                     GetEnv("PORT", "8080"),
		DefaultUploadConcurrency: GetEnvInt("DEFAULT_UPLOAD_CONCURRENCY", defaultConcurrency),
		FetchTimeout:             GetEnvDuration("FETCH_TIMEOUT_MS", 5*time.Second),
		LogLevel:                 GetEnv("LOG_LEVEL", "info"),
		LogFormat:                GetEnv("LOG_FORMAT", "json"),
	}
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by
// key, or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration reads the environment variable named by key as a positive
// millisecond count, or returns fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}
