// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//   - TENANTS_FILE: path to the tenant configuration JSON file.
//   - FLAG_STORE_URL: base URL of the downstream feature-flag store.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - FLAG_STORE_TOKEN: bearer token for the downstream flag store.
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
)

// Config holds the runtime configuration for the flightz server.
type Config struct {
	DatabaseURL     string
	TenantsFile     string
	FlagStoreURL    string
	FlagStoreToken  string
	HTTPAddr        string
	LogLevel        string
	MaxJSONBodySize int64
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	tenantsFile := strings.TrimSpace(os.Getenv("TENANTS_FILE"))
	if tenantsFile == "" {
		return Config{}, errors.New("TENANTS_FILE is required")
	}

	flagStoreURL := strings.TrimSpace(os.Getenv("FLAG_STORE_URL"))
	if flagStoreURL == "" {
		return Config{}, errors.New("FLAG_STORE_URL is required")
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	return Config{
		DatabaseURL:     databaseURL,
		TenantsFile:     tenantsFile,
		FlagStoreURL:    flagStoreURL,
		FlagStoreToken:  os.Getenv("FLAG_STORE_TOKEN"),
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		MaxJSONBodySize: maxJSONBodySize,
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
