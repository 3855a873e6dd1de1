package codex

import (
	"github.com/kuzerno1/multi-codex-proxy/internal/config"
)

// Action is the outcome of the switch-or-wait decision after a rate limit.
type Action int

const (
	// ActionWait keeps the current account and sleeps out the delay,
	// preserving its prompt cache.
	ActionWait Action = iota
	// ActionSwitch rotates to another account immediately.
	ActionSwitch
)

func (a Action) String() string {
	if a == ActionSwitch {
		return "switch"
	}
	return "wait"
}

// decide picks between waiting out a rate limit and switching accounts.
// With one account there is nothing to switch to. The first rate limit on a
// request switches eagerly when configured, since the first hit usually
// means the account's window just closed. Otherwise the scheduling mode
// weighs cache warmth against latency.
func decide(settings config.Settings, accountCount, attempt int, delayMs int64) Action {
	if accountCount <= 1 {
		return ActionWait
	}

	if settings.SwitchOnFirstRateLimit && attempt <= 1 {
		return ActionSwitch
	}

	switch settings.SchedulingMode {
	case config.SchedulingPerformanceFirst:
		return ActionSwitch
	case config.SchedulingBalance:
		if delayMs <= config.ShortRetryThresholdMs {
			return ActionWait
		}
		return ActionSwitch
	default: // cache_first
		if delayMs <= int64(settings.MaxCacheFirstWaitSeconds)*1000 {
			return ActionWait
		}
		return ActionSwitch
	}
}
