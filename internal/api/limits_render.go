package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kuzerno1/multi-codex-proxy/internal/account"
	"github.com/kuzerno1/multi-codex-proxy/internal/telemetry"
	"github.com/kuzerno1/multi-codex-proxy/pkg/types"
)

// Table column widths for the account status table.
const (
	accColWidth      = 25
	planColWidth     = 12
	statusColWidth   = 22
	lastUsedColWidth = 25
)

// handleAccountLimits reports per-account quota state. Plain text by
// default, JSON with ?format=json.
func (s *Server) handleAccountLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}

	accounts := s.manager.Snapshot()
	activeIndex := s.manager.ActiveIndexForFamily("codex")

	if r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(renderAccountLimitsJSON(accounts, activeIndex, s.snapshotFor))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, renderAccountLimitsTable(time.Now(), accounts, activeIndex, s.snapshotFor))
}

func (s *Server) snapshotFor(rec *account.Record, index int) *telemetry.Snapshot {
	if s.telemetry == nil {
		return nil
	}
	snap, ok := s.telemetry.Get(rec.Key(index))
	if !ok {
		return nil
	}
	return snap
}

type snapshotLookup func(rec *account.Record, index int) *telemetry.Snapshot

// renderAccountLimitsJSON formats account quota data for the JSON response.
func renderAccountLimitsJSON(accounts []account.Record, activeIndex int, lookup snapshotLookup) []types.AccountStatus {
	nowMs := time.Now().UnixMilli()
	out := make([]types.AccountStatus, 0, len(accounts))

	for i := range accounts {
		rec := &accounts[i]
		entry := types.AccountStatus{
			Index:   i + 1,
			Email:   rec.Email,
			Plan:    rec.Plan,
			Active:  i == activeIndex,
			Enabled: rec.IsEnabled(),
			Status:  accountStateString(rec, nowMs),
		}
		if rec.LastUsed > 0 {
			entry.LastUsed = time.UnixMilli(rec.LastUsed).UTC().Format(time.RFC3339)
		}
		if len(rec.RateLimitResetTimes) > 0 {
			resets := make(map[string]string, len(rec.RateLimitResetTimes))
			for key, at := range rec.RateLimitResetTimes {
				resets[key] = time.UnixMilli(at).UTC().Format(time.RFC3339)
			}
			entry.RateLimitResets = resets
		}
		if snap := lookup(rec, i); snap != nil {
			entry.Quota = quotaStatus(snap)
		}
		out = append(out, entry)
	}
	return out
}

func quotaStatus(snap *telemetry.Snapshot) *types.QuotaStatus {
	quota := &types.QuotaStatus{
		Stale:     snap.Stale(),
		UpdatedAt: time.UnixMilli(snap.UpdatedAt).UTC().Format(time.RFC3339),
	}
	if snap.Primary != nil {
		quota.Primary = windowStatus(snap.Primary)
	}
	if snap.Secondary != nil {
		quota.Secondary = windowStatus(snap.Secondary)
	}
	if snap.Credits != nil {
		quota.Credits = &types.CreditsStatus{
			HasCredits: snap.Credits.HasCredits,
			Unlimited:  snap.Credits.Unlimited,
			Balance:    snap.Credits.Balance,
		}
	}
	return quota
}

func windowStatus(w *telemetry.Window) *types.WindowStatus {
	out := &types.WindowStatus{
		UsedPercent:   w.UsedPercent,
		WindowMinutes: w.WindowMinutes,
	}
	if w.ResetAt > 0 {
		out.ResetAt = time.UnixMilli(w.ResetAt).UTC().Format(time.RFC3339)
	}
	return out
}

// renderAccountLimitsTable formats account quota data as a text table.
func renderAccountLimitsTable(now time.Time, accounts []account.Record, activeIndex int, lookup snapshotLookup) string {
	lines := make([]string, 0, len(accounts)+8)

	timestamp := now.In(time.Local).Format("1/2/2006, 3:04:05 PM")
	lines = append(lines, fmt.Sprintf("Account Limits (%s)", timestamp))

	nowMs := now.UnixMilli()
	available, limited, disabled := 0, 0, 0
	for i := range accounts {
		switch {
		case !accounts[i].IsEnabled():
			disabled++
		case account.IsEligible(&accounts[i], "codex", "", nowMs):
			available++
		default:
			limited++
		}
	}
	lines = append(lines, fmt.Sprintf("Accounts: %d total, %d available, %d rate-limited, %d disabled",
		len(accounts), available, limited, disabled))
	lines = append(lines, "")

	lines = append(lines, padRight("Account", accColWidth)+padRight("Plan", planColWidth)+
		padRight("Status", statusColWidth)+padRight("Last Used", lastUsedColWidth)+"Quota (5h / weekly)")
	lines = append(lines, strings.Repeat("─", accColWidth+planColWidth+statusColWidth+lastUsedColWidth+24))

	for i := range accounts {
		rec := &accounts[i]
		name := truncateEmail(rec.Email, 22)
		if name == "" {
			name = fmt.Sprintf("account #%d", i+1)
		}
		if i == activeIndex {
			name = "* " + name
		}

		row := padRight(name, accColWidth) +
			padRight(rec.Plan, planColWidth) +
			padRight(accountStateString(rec, nowMs), statusColWidth) +
			padRight(formatLastUsed(rec.LastUsed), lastUsedColWidth) +
			formatQuotaCell(lookup(rec, i))
		lines = append(lines, row)
	}

	return strings.Join(lines, "\n")
}

func accountStateString(rec *account.Record, nowMs int64) string {
	switch {
	case !rec.IsEnabled():
		return "disabled"
	case rec.CoolingDownUntil > nowMs:
		return fmt.Sprintf("cooldown (%s)", rec.CooldownReason)
	default:
		var soonest int64
		for _, at := range rec.RateLimitResetTimes {
			if at > nowMs && (soonest == 0 || at < soonest) {
				soonest = at
			}
		}
		if soonest > 0 {
			return fmt.Sprintf("limited (wait %s)", formatDurationMs(soonest-nowMs))
		}
		return "ok"
	}
}

// formatQuotaCell renders the snapshot windows, or a dash without one.
func formatQuotaCell(snap *telemetry.Snapshot) string {
	if snap == nil {
		return "-"
	}

	parts := make([]string, 0, 3)
	if snap.Primary != nil {
		parts = append(parts, fmt.Sprintf("%d%% used", int64(snap.Primary.UsedPercent+0.5)))
	}
	if snap.Secondary != nil {
		parts = append(parts, fmt.Sprintf("%d%% used", int64(snap.Secondary.UsedPercent+0.5)))
	}
	if len(parts) == 0 {
		return "-"
	}

	cell := strings.Join(parts, " / ")
	if snap.Stale() {
		cell += " (stale)"
	}
	return cell
}

// truncateEmail extracts and truncates the email prefix (before @).
func truncateEmail(email string, maxLen int) string {
	shortEmail := strings.Split(email, "@")[0]
	if len(shortEmail) > maxLen {
		return shortEmail[:maxLen]
	}
	return shortEmail
}

// formatLastUsed formats the last used time, returning "never" when unset.
func formatLastUsed(lastUsedMs int64) string {
	if lastUsedMs == 0 {
		return "never"
	}
	return time.UnixMilli(lastUsedMs).In(time.Local).Format("1/2/2006, 3:04:05 PM")
}

// padRight pads a string to the specified width with spaces.
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// formatDurationMs formats a duration in milliseconds to a human-readable string.
func formatDurationMs(ms int64) string {
	seconds := ms / 1000
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return strconv.FormatInt(hours, 10) + "h" + strconv.FormatInt(minutes, 10) + "m" + strconv.FormatInt(secs, 10) + "s"
	}
	if minutes > 0 {
		return strconv.FormatInt(minutes, 10) + "m" + strconv.FormatInt(secs, 10) + "s"
	}
	return strconv.FormatInt(secs, 10) + "s"
}
