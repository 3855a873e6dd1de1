// Package types defines the status payloads served by the proxy's
// monitoring endpoints. The completion endpoints are a transparent relay,
// so the upstream OpenAI shapes are never modeled here.
package types

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status   string        `json:"status"` // "ok" or "degraded"
	Accounts AccountCounts `json:"accounts"`
}

// AccountCounts summarizes pool availability.
type AccountCounts struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	RateLimited int `json:"rateLimited"`
	Disabled    int `json:"disabled"`
}

// AccountStatus is one row of the /account-limits payload.
type AccountStatus struct {
	Index           int               `json:"index"` // 1-based, matching the CLI
	Email           string            `json:"email,omitempty"`
	Plan            string            `json:"plan,omitempty"`
	Active          bool              `json:"active"`
	Enabled         bool              `json:"enabled"`
	Status          string            `json:"status"`
	LastUsed        string            `json:"lastUsed,omitempty"` // RFC 3339
	RateLimitResets map[string]string `json:"rateLimitResets,omitempty"`
	Quota           *QuotaStatus      `json:"quota,omitempty"`
}

// QuotaStatus carries the most recent usage snapshot for an account.
type QuotaStatus struct {
	Stale     bool           `json:"stale"`
	UpdatedAt string         `json:"updatedAt"` // RFC 3339
	Primary   *WindowStatus  `json:"primary,omitempty"`
	Secondary *WindowStatus  `json:"secondary,omitempty"`
	Credits   *CreditsStatus `json:"credits,omitempty"`
}

// WindowStatus describes one rolling usage window.
type WindowStatus struct {
	UsedPercent   float64 `json:"usedPercent"`
	WindowMinutes int64   `json:"windowMinutes,omitempty"`
	ResetAt       string  `json:"resetAt,omitempty"` // RFC 3339
}

// CreditsStatus describes pay-as-you-go credit state.
type CreditsStatus struct {
	HasCredits bool    `json:"hasCredits"`
	Unlimited  bool    `json:"unlimited"`
	Balance    float64 `json:"balance"`
}
