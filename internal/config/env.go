// Package config provides environment variable configuration for the proxy.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvInt returns an environment variable as int, or the default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvInt64 returns an environment variable as int64, or the default value.
func GetEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvFloat returns an environment variable as float64, or the default value.
func GetEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool returns an environment variable as bool, or the default value.
// Accepts: true, 1, yes (case insensitive) as true values.
// Accepts: false, 0, no (case insensitive) as false values.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		switch lower {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// GetEnvDuration returns an environment variable as time.Duration, or the default value.
// Accepts Go duration strings like "10s", "5m", "2h".
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvString returns an environment variable, or the default value.
func GetEnvString(key string, defaultValue string) string {
	return getEnvOrDefault(key, defaultValue)
}

// GetPort returns the server port from PORT env var or default.
func GetPort() int {
	return GetEnvInt("PORT", DefaultPort)
}

// GetBindAddress returns the bind address from BIND_ADDRESS env var or default.
func GetBindAddress() string {
	return getEnvOrDefault("BIND_ADDRESS", "0.0.0.0")
}

// GetProxyAPIKey returns the proxy API key from PROXY_API_KEY env var.
// Returns empty string if not set.
func GetProxyAPIKey() string {
	return os.Getenv("PROXY_API_KEY")
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	Enabled      bool
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
	MaxAge       string
}

// GetCORSConfig returns the CORS configuration from environment variables.
func GetCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:      GetEnvBool("CORS_ENABLED", true),
		AllowOrigin:  getEnvOrDefault("CORS_ALLOW_ORIGIN", "*"),
		AllowMethods: getEnvOrDefault("CORS_ALLOW_METHODS", "GET, POST, PUT, DELETE, OPTIONS"),
		AllowHeaders: getEnvOrDefault("CORS_ALLOW_HEADERS", "Content-Type, Authorization, X-API-Key, x-session-id"),
		MaxAge:       getEnvOrDefault("CORS_MAX_AGE", "86400"),
	}
}

// ServerTimeouts holds server timeout configuration.
type ServerTimeouts struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// GetServerTimeouts returns server timeout configuration from environment variables.
func GetServerTimeouts() ServerTimeouts {
	return ServerTimeouts{
		ReadTimeout:  time.Duration(GetEnvInt("READ_TIMEOUT_SEC", 30)) * time.Second,
		WriteTimeout: time.Duration(GetEnvInt("WRITE_TIMEOUT_SEC", 300)) * time.Second,
		IdleTimeout:  time.Duration(GetEnvInt("IDLE_TIMEOUT_SEC", 120)) * time.Second,
	}
}

// GetDebugEnabled returns whether debug mode is enabled.
func GetDebugEnabled() bool {
	return GetEnvBool("DEBUG", false)
}
