package account

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Tools renders account state as text for the CLI and the management API.
// Every function returns a string so callers decide where it goes.

// RenderList renders a one-line-per-account listing.
func RenderList(accounts []Record, activeIndex int) string {
	if len(accounts) == 0 {
		return "No accounts configured. Run 'accounts add' to authenticate one."
	}

	var b strings.Builder
	nowMs := time.Now().UnixMilli()
	for i := range accounts {
		rec := &accounts[i]

		marker := " "
		if i == activeIndex {
			marker = "*"
		}

		state := "ready"
		switch {
		case !rec.IsEnabled():
			state = "disabled"
		case rec.CoolingDownUntil > nowMs:
			state = fmt.Sprintf("cooling down (%s, %s left)", rec.CooldownReason, FormatWait(rec.CoolingDownUntil-nowMs))
		case len(rec.RateLimitResetTimes) > 0:
			state = fmt.Sprintf("rate limited (%s)", renderResetTimes(rec.RateLimitResetTimes, nowMs))
		}

		fmt.Fprintf(&b, "%s %d. %s [%s]\n", marker, i+1, rec.Display(i), state)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderResetTimes(times map[string]int64, nowMs int64) string {
	keys := make([]string, 0, len(times))
	for key := range times {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s resets in %s", key, FormatWait(times[key]-nowMs)))
	}
	return strings.Join(parts, ", ")
}

// RenderStatus renders a multi-line detail view of one account.
func RenderStatus(rec *Record, index int, activeIndex int) string {
	var b strings.Builder
	nowMs := time.Now().UnixMilli()

	fmt.Fprintf(&b, "Account %d: %s\n", index+1, rec.Display(index))
	if rec.AccountID != "" {
		fmt.Fprintf(&b, "  account id: %s\n", rec.AccountID)
	}
	if rec.Plan != "" {
		fmt.Fprintf(&b, "  plan: %s\n", rec.Plan)
	}
	fmt.Fprintf(&b, "  enabled: %v\n", rec.IsEnabled())
	fmt.Fprintf(&b, "  active: %v\n", index == activeIndex)
	if rec.AddedAt > 0 {
		fmt.Fprintf(&b, "  added: %s\n", time.UnixMilli(rec.AddedAt).Format(time.RFC3339))
	}
	if rec.LastUsed > 0 {
		fmt.Fprintf(&b, "  last used: %s\n", time.UnixMilli(rec.LastUsed).Format(time.RFC3339))
	}
	if rec.LastSwitchReason != "" {
		fmt.Fprintf(&b, "  last switch reason: %s\n", rec.LastSwitchReason)
	}
	if rec.CoolingDownUntil > nowMs {
		fmt.Fprintf(&b, "  cooldown: %s (%s left)\n", rec.CooldownReason, FormatWait(rec.CoolingDownUntil-nowMs))
	}
	if len(rec.RateLimitResetTimes) > 0 {
		fmt.Fprintf(&b, "  rate limits: %s\n", renderResetTimes(rec.RateLimitResetTimes, nowMs))
	}
	return strings.TrimRight(b.String(), "\n")
}

// SwitchTool switches the active account and reports the result.
func SwitchTool(m *Manager, oneBased int) (string, error) {
	index := oneBased - 1
	if err := m.SwitchActive(index); err != nil {
		return "", err
	}
	accounts := m.Snapshot()
	return fmt.Sprintf("Switched active account to %d (%s)", oneBased, accounts[index].Display(index)), nil
}

// ToggleTool flips an account's enabled flag and reports the result.
func ToggleTool(m *Manager, oneBased int) (string, error) {
	index := oneBased - 1
	enabled, err := m.ToggleEnabled(index)
	if err != nil {
		return "", err
	}
	accounts := m.Snapshot()
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return fmt.Sprintf("Account %d (%s) is now %s", oneBased, accounts[index].Display(index), state), nil
}

// RemoveTool removes an account and reports the result.
func RemoveTool(m *Manager, oneBased int) (string, error) {
	index := oneBased - 1
	accounts := m.Snapshot()
	if index < 0 || index >= len(accounts) {
		return "", indexRangeError(index, len(accounts))
	}
	label := accounts[index].Display(index)
	if err := m.RemoveAccount(index); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed account %d (%s)", oneBased, label), nil
}

// ListTool renders the current account list.
func ListTool(m *Manager) string {
	return RenderList(m.Snapshot(), m.ActiveIndexForFamily("codex"))
}

// StatusTool renders the detail view for one account.
func StatusTool(m *Manager, oneBased int) (string, error) {
	index := oneBased - 1
	accounts := m.Snapshot()
	if index < 0 || index >= len(accounts) {
		return "", indexRangeError(index, len(accounts))
	}
	return RenderStatus(&accounts[index], index, m.ActiveIndexForFamily("codex")), nil
}
