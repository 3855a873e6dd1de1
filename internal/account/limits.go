package account

import (
	"time"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
)

// QuotaKeys returns the keys under which a limit for this family and model
// is recorded. The family key always applies; a distinct model adds a
// second, narrower key.
func QuotaKeys(family, model string) []string {
	if model == "" || model == family {
		return []string{family}
	}
	return []string{family, family + ":" + model}
}

// ResetTimeFor returns the latest recorded reset time across the quota keys
// for this family and model, or 0 when none is recorded.
func ResetTimeFor(r *Record, family, model string) int64 {
	var latest int64
	for _, key := range QuotaKeys(family, model) {
		if resetAt, ok := r.RateLimitResetTimes[key]; ok && resetAt > latest {
			latest = resetAt
		}
	}
	return latest
}

// RecordResetTime stores a reset time under every quota key for this family
// and model, keeping the per-key maximum.
func RecordResetTime(r *Record, family, model string, resetAtMs int64) {
	if r.RateLimitResetTimes == nil {
		r.RateLimitResetTimes = make(map[string]int64)
	}
	for _, key := range QuotaKeys(family, model) {
		if resetAtMs > r.RateLimitResetTimes[key] {
			r.RateLimitResetTimes[key] = resetAtMs
		}
	}
}

// IsEligible reports whether the account can serve a request for this
// family and model right now: hydrated, enabled, not cooling down, and no
// pending rate-limit reset. Non-hydrated records stay on disk but never
// serve traffic.
func IsEligible(r *Record, family, model string, nowMs int64) bool {
	if !r.Hydrated() || !r.IsEnabled() {
		return false
	}
	if r.CoolingDownUntil > nowMs {
		return false
	}
	return ResetTimeFor(r, family, model) <= nowMs
}

// WaitMs returns how long until the account becomes eligible for this
// family and model. Zero means eligible now; -1 means the account cannot
// become eligible on its own (disabled or not hydrated).
func WaitMs(r *Record, family, model string, nowMs int64) int64 {
	if !r.Hydrated() || !r.IsEnabled() {
		return -1
	}
	var until int64
	if r.CoolingDownUntil > nowMs {
		until = r.CoolingDownUntil
	}
	if resetAt := ResetTimeFor(r, family, model); resetAt > until && resetAt > nowMs {
		until = resetAt
	}
	if until == 0 {
		return 0
	}
	return until - nowMs
}

// MinWaitMs returns the shortest wait across all accounts for this family
// and model, or -1 when no account can ever become eligible (all disabled
// or no accounts). A zero result means at least one account is eligible now.
func MinWaitMs(accounts []Record, family, model string, nowMs int64) int64 {
	min := int64(-1)
	for i := range accounts {
		wait := WaitMs(&accounts[i], family, model, nowMs)
		if wait < 0 {
			continue
		}
		if min < 0 || wait < min {
			min = wait
		}
	}
	return min
}

// MarkCoolingDown puts the account on the fixed cooldown with a reason.
func MarkCoolingDown(r *Record, reason string, nowMs int64) {
	r.CoolingDownUntil = nowMs + config.DefaultCooldownDuration.Milliseconds()
	r.CooldownReason = reason
}

// FormatWait renders a wait for user-facing messages.
func FormatWait(waitMs int64) string {
	if waitMs <= 0 {
		return "0s"
	}
	d := time.Duration(waitMs) * time.Millisecond
	if d < time.Second {
		d = time.Second
	}
	return d.Round(time.Second).String()
}
