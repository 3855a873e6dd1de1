// Package config contains configuration constants for multi-codex-proxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// Server configuration
const (
	DefaultPort      = 8080
	RequestBodyLimit = 50 * 1024 * 1024 // 50MB
)

// Retry and timeout configuration
const (
	MaxAccounts             = 10 // Maximum number of accounts allowed
	DefaultCooldownDuration = 60 * time.Second
	TokenRefreshSkew        = 60 * time.Second // Refresh tokens this early
	ShortRetryThresholdMs   = 5000             // "balance" mode waits for delays at or below this

	// Post-wait buffer after an all-accounts-limited sleep
	PostRateLimitBuffer = 500 * time.Millisecond
	NetworkRetryDelay   = 1 * time.Second
)

// Account store configuration
const (
	StoreVersion        = 3
	AccountStoreFile    = "openai-codex-accounts.json"
	QuotaSnapshotFile   = "codex-quota-snapshots.json"
	ConfigFileName      = "config.json"
	QuarantineRetention = 20 // Newest quarantine files kept per store

	LockTimeout       = 10 * time.Second
	LockRetryInterval = 100 * time.Millisecond
)

// Telemetry configuration
const (
	SnapshotStaleAfter = 15 * time.Minute
	SnapshotRetention  = 7 * 24 * time.Hour
	TelemetryHeaderPrefix = "x-codex-"

	// SSE tap buffer bounds: cap growth at 1 MiB, keep the newest 512 KiB on overflow.
	TapBufferCeiling = 1 << 20
	TapBufferRetain  = 512 << 10
)

// OAuth configuration
const (
	OAuthCallbackPort = 1455
)

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// OAuthConfig contains the ChatGPT OAuth 2.0 configuration.
var OAuthConfig = struct {
	ClientID     string
	AuthURL      string
	TokenURL     string
	CallbackPort int
	Scopes       []string
	RedirectURI  string
}{
	ClientID:     getEnvOrDefault("CODEX_OAUTH_CLIENT_ID", "app_EMoamEEZ73f0CkXaXp7hrann"),
	AuthURL:      "https://auth.openai.com/oauth/authorize",
	TokenURL:     "https://auth.openai.com/oauth/token",
	CallbackPort: OAuthCallbackPort,
	Scopes:       []string{"openid", "profile", "email", "offline_access"},
	RedirectURI:  fmt.Sprintf("http://localhost:%d/auth/callback", OAuthCallbackPort),
}

// AuthClaimNamespace is the JWT claim namespace carrying account identity.
const AuthClaimNamespace = "https://api.openai.com/auth"

// Upstream Codex backend configuration
var (
	// CodexBaseURL is the vendor chat-completions backend.
	CodexBaseURL = getEnvOrDefault("CODEX_BASE_URL", "https://chatgpt.com/backend-api/codex")

	// AccountIDHeader carries the upstream account identity on every request.
	AccountIDHeader = "chatgpt-account-id"
)

// GetCodexHeaders returns the header overlay for Codex backend requests.
func GetCodexHeaders() map[string]string {
	return map[string]string{
		"originator":  "codex_cli_go",
		"OpenAI-Beta": "responses=experimental",
		"User-Agent":  fmt.Sprintf("codex-proxy/0.4.0 %s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// ConfigDir returns the proxy's configuration directory, XDG-compatible.
// Can be overridden with CODEX_PROXY_CONFIG_DIR (used by tests).
func ConfigDir() string {
	if envDir := os.Getenv("CODEX_PROXY_CONFIG_DIR"); envDir != "" {
		return envDir
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "multi-codex-proxy")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "multi-codex-proxy")
}

// GetAccountStorePath returns the path to the account store file.
func GetAccountStorePath() string {
	return filepath.Join(ConfigDir(), AccountStoreFile)
}

// GetLegacyAccountStorePath returns the pre-XDG store location, migrated on first read.
func GetLegacyAccountStorePath() string {
	if envPath := os.Getenv("CODEX_PROXY_LEGACY_STORE"); envPath != "" {
		return envPath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".opencode", AccountStoreFile)
}

// GetQuotaSnapshotPath returns the path to the persisted quota snapshot file.
func GetQuotaSnapshotPath() string {
	return filepath.Join(ConfigDir(), QuotaSnapshotFile)
}

// GetConfigFilePath returns the path to the JSON config file.
func GetConfigFilePath() string {
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// gptVersionRegex matches a "gpt-X" or "gpt-X.Y" model prefix.
var gptVersionRegex = regexp.MustCompile(`^(gpt-\d+(?:\.\d+)?)`)

// GetModelFamily returns the coarse model family for a model name.
// Codex-tuned models all share the "codex" family; other GPT models group
// by version prefix (e.g. "gpt-5.1"). Selection state and quota keys are
// maintained per family.
func GetModelFamily(modelName string) string {
	lower := strings.ToLower(strings.TrimSpace(modelName))
	if lower == "" {
		return "codex"
	}
	if strings.Contains(lower, "codex") {
		return "codex"
	}
	if matches := gptVersionRegex.FindStringSubmatch(lower); len(matches) == 2 {
		return matches[1]
	}
	return lower
}
