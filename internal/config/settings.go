package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

// Selection strategies.
const (
	StrategySticky     = "sticky"
	StrategyRoundRobin = "round-robin"
	StrategyHybrid     = "hybrid"
)

// Scheduling modes for the switch-vs-wait decision.
const (
	SchedulingPerformanceFirst = "performance_first"
	SchedulingCacheFirst       = "cache_first"
	SchedulingBalance          = "balance"
)

// Settings holds the runtime options of the dispatch core. Values come from
// defaults, overridden by the JSON config file, overridden by environment
// variables (env wins).
type Settings struct {
	CodexMode                   bool   `json:"codex_mode"`
	AccountSelectionStrategy    string `json:"account_selection_strategy"`
	PIDOffsetEnabled            bool   `json:"pid_offset_enabled"`
	QuietMode                   bool   `json:"quiet_mode"`
	TokenRefreshSkewMs          int64  `json:"token_refresh_skew_ms"`
	ProactiveTokenRefresh       bool   `json:"proactive_token_refresh"`
	RateLimitToastDebounceMs    int64  `json:"rate_limit_toast_debounce_ms"`
	RetryAllAccountsRateLimited bool   `json:"retry_all_accounts_rate_limited"`
	RetryAllAccountsMaxWaitMs   int64  `json:"retry_all_accounts_max_wait_ms"`
	RetryAllAccountsMaxRetries  int    `json:"retry_all_accounts_max_retries"`
	SchedulingMode              string `json:"scheduling_mode"`
	MaxCacheFirstWaitSeconds    int    `json:"max_cache_first_wait_seconds"`
	SwitchOnFirstRateLimit      bool   `json:"switch_on_first_rate_limit"`
	RateLimitDedupWindowMs      int64  `json:"rate_limit_dedup_window_ms"`
	RateLimitStateResetMs       int64  `json:"rate_limit_state_reset_ms"`
	DefaultRetryAfterMs         int64  `json:"default_retry_after_ms"`
	MaxBackoffMs                int64  `json:"max_backoff_ms"`
	RequestJitterMaxMs          int64  `json:"request_jitter_max_ms"`
	RequestTimeoutMs            int64  `json:"request_timeout_ms"`
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	return Settings{
		CodexMode:                   true,
		AccountSelectionStrategy:    StrategySticky,
		PIDOffsetEnabled:            true,
		QuietMode:                   false,
		TokenRefreshSkewMs:          60000,
		ProactiveTokenRefresh:       false,
		RateLimitToastDebounceMs:    60000,
		RetryAllAccountsRateLimited: false,
		RetryAllAccountsMaxWaitMs:   30000,
		RetryAllAccountsMaxRetries:  1,
		SchedulingMode:              SchedulingCacheFirst,
		MaxCacheFirstWaitSeconds:    60,
		SwitchOnFirstRateLimit:      true,
		RateLimitDedupWindowMs:      2000,
		RateLimitStateResetMs:       120000,
		DefaultRetryAfterMs:         60000,
		MaxBackoffMs:                120000,
		RequestJitterMaxMs:          1000,
		RequestTimeoutMs:            600000,
	}
}

// LoadSettings layers defaults, the config file at path (if present), and
// environment overrides. An empty path uses the default config location.
func LoadSettings(path string) Settings {
	s := DefaultSettings()
	if path == "" {
		path = GetConfigFilePath()
	}

	// Unmarshal into the defaults: keys absent from the file keep their values.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &s); err != nil {
			utils.Warn("[Config] Ignoring malformed config file %s: %v", path, err)
		}
	}

	s.applyEnv()
	s.normalize()
	return s
}

// applyEnv overrides every option from its upper-snake environment variable.
func (s *Settings) applyEnv() {
	s.CodexMode = GetEnvBool("CODEX_MODE", s.CodexMode)
	s.AccountSelectionStrategy = GetEnvString("ACCOUNT_SELECTION_STRATEGY", s.AccountSelectionStrategy)
	s.PIDOffsetEnabled = GetEnvBool("PID_OFFSET_ENABLED", s.PIDOffsetEnabled)
	s.QuietMode = GetEnvBool("QUIET_MODE", s.QuietMode)
	s.TokenRefreshSkewMs = GetEnvInt64("TOKEN_REFRESH_SKEW_MS", s.TokenRefreshSkewMs)
	s.ProactiveTokenRefresh = GetEnvBool("PROACTIVE_TOKEN_REFRESH", s.ProactiveTokenRefresh)
	s.RateLimitToastDebounceMs = GetEnvInt64("RATE_LIMIT_TOAST_DEBOUNCE_MS", s.RateLimitToastDebounceMs)
	s.RetryAllAccountsRateLimited = GetEnvBool("RETRY_ALL_ACCOUNTS_RATE_LIMITED", s.RetryAllAccountsRateLimited)
	s.RetryAllAccountsMaxWaitMs = GetEnvInt64("RETRY_ALL_ACCOUNTS_MAX_WAIT_MS", s.RetryAllAccountsMaxWaitMs)
	s.RetryAllAccountsMaxRetries = GetEnvInt("RETRY_ALL_ACCOUNTS_MAX_RETRIES", s.RetryAllAccountsMaxRetries)
	s.SchedulingMode = GetEnvString("SCHEDULING_MODE", s.SchedulingMode)
	s.MaxCacheFirstWaitSeconds = GetEnvInt("MAX_CACHE_FIRST_WAIT_SECONDS", s.MaxCacheFirstWaitSeconds)
	s.SwitchOnFirstRateLimit = GetEnvBool("SWITCH_ON_FIRST_RATE_LIMIT", s.SwitchOnFirstRateLimit)
	s.RateLimitDedupWindowMs = GetEnvInt64("RATE_LIMIT_DEDUP_WINDOW_MS", s.RateLimitDedupWindowMs)
	s.RateLimitStateResetMs = GetEnvInt64("RATE_LIMIT_STATE_RESET_MS", s.RateLimitStateResetMs)
	s.DefaultRetryAfterMs = GetEnvInt64("DEFAULT_RETRY_AFTER_MS", s.DefaultRetryAfterMs)
	s.MaxBackoffMs = GetEnvInt64("MAX_BACKOFF_MS", s.MaxBackoffMs)
	s.RequestJitterMaxMs = GetEnvInt64("REQUEST_JITTER_MAX_MS", s.RequestJitterMaxMs)
	s.RequestTimeoutMs = GetEnvInt64("REQUEST_TIMEOUT_MS", s.RequestTimeoutMs)
}

// normalize clamps enum-valued options back to known values.
func (s *Settings) normalize() {
	switch strings.ToLower(s.AccountSelectionStrategy) {
	case StrategySticky, StrategyRoundRobin, StrategyHybrid:
		s.AccountSelectionStrategy = strings.ToLower(s.AccountSelectionStrategy)
	default:
		utils.Warn("[Config] Unknown account_selection_strategy %q, using %q", s.AccountSelectionStrategy, StrategySticky)
		s.AccountSelectionStrategy = StrategySticky
	}

	switch strings.ToLower(s.SchedulingMode) {
	case SchedulingPerformanceFirst, SchedulingCacheFirst, SchedulingBalance:
		s.SchedulingMode = strings.ToLower(s.SchedulingMode)
	default:
		utils.Warn("[Config] Unknown scheduling_mode %q, using %q", s.SchedulingMode, SchedulingCacheFirst)
		s.SchedulingMode = SchedulingCacheFirst
	}
}
