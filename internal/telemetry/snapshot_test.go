package telemetry

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestApplyHeaders_Windows(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))

	h := http.Header{}
	h.Set("x-codex-primary-used-percent", "42.5")
	h.Set("x-codex-primary-window-minutes", "300")
	h.Set("x-codex-primary-reset-after-seconds", "120")
	h.Set("x-codex-secondary-used-percent", "150") // clamped
	st.ApplyHeaders("acct", h)

	snap, ok := st.Get("acct")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Primary == nil || snap.Primary.UsedPercent != 42.5 || snap.Primary.WindowMinutes != 300 {
		t.Errorf("primary: %+v", snap.Primary)
	}
	wantReset := time.Now().UnixMilli() + 120000
	if snap.Primary.ResetAt < wantReset-2000 || snap.Primary.ResetAt > wantReset+2000 {
		t.Errorf("reset at: got %d, want ~%d", snap.Primary.ResetAt, wantReset)
	}
	if snap.Secondary == nil || snap.Secondary.UsedPercent != 100 {
		t.Errorf("secondary clamp: %+v", snap.Secondary)
	}
}

func TestApplyHeaders_Credits(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))

	h := http.Header{}
	h.Set("x-codex-credits-balance", "12.5")
	st.ApplyHeaders("acct", h)

	snap, _ := st.Get("acct")
	if snap.Credits == nil || !snap.Credits.HasCredits || snap.Credits.Balance != 12.5 {
		t.Errorf("credits: %+v", snap.Credits)
	}

	h = http.Header{}
	h.Set("x-codex-credits-unlimited", "true")
	st.ApplyHeaders("acct", h)
	snap, _ = st.Get("acct")
	if !snap.Credits.Unlimited || !snap.Credits.HasCredits {
		t.Errorf("unlimited: %+v", snap.Credits)
	}

	// The has-credits flag is a snapshot on its own and overrides the
	// balance-derived value.
	h = http.Header{}
	h.Set("x-codex-credits-has-credits", "true")
	st.ApplyHeaders("acct2", h)
	snap, ok := st.Get("acct2")
	if !ok || snap.Credits == nil || !snap.Credits.HasCredits {
		t.Errorf("has-credits alone: ok=%v snap=%+v", ok, snap)
	}

	h = http.Header{}
	h.Set("x-codex-credits-balance", "7.5")
	h.Set("x-codex-credits-has-credits", "false")
	st.ApplyHeaders("acct3", h)
	snap, _ = st.Get("acct3")
	if snap.Credits.HasCredits || snap.Credits.Balance != 7.5 {
		t.Errorf("explicit false: %+v", snap.Credits)
	}
}

func TestApplyHeaders_Idempotent(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))

	h := http.Header{}
	h.Set("x-codex-primary-used-percent", "42.5")
	h.Set("x-codex-primary-window-minutes", "300")
	st.ApplyHeaders("acct", h)
	first, _ := st.Get("acct")

	st.ApplyHeaders("acct", h)
	second, _ := st.Get("acct")

	if *second.Primary != *first.Primary {
		t.Errorf("repeat apply changed the window: %+v vs %+v", second.Primary, first.Primary)
	}
}

func TestApplyHeaders_NoTelemetryIsNoOp(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	st.ApplyHeaders("acct", h)

	if _, ok := st.Get("acct"); ok {
		t.Error("expected no snapshot for non-telemetry headers")
	}
}

func TestMerge_KeepsUnmentionedFields(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))

	h := http.Header{}
	h.Set("x-codex-primary-used-percent", "10")
	st.ApplyHeaders("acct", h)

	h = http.Header{}
	h.Set("x-codex-secondary-used-percent", "20")
	st.ApplyHeaders("acct", h)

	snap, _ := st.Get("acct")
	if snap.Primary == nil || snap.Primary.UsedPercent != 10 {
		t.Errorf("primary lost in merge: %+v", snap.Primary)
	}
	if snap.Secondary == nil || snap.Secondary.UsedPercent != 20 {
		t.Errorf("secondary: %+v", snap.Secondary)
	}
}

func TestApplyRateLimits_WireShape(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))

	raw := []byte(`{
		"rate_limits": {
			"primary": {"used_percent": 33.3, "window_minutes": 300, "resets_in_seconds": 900},
			"secondary": {"used_percent": 5, "resets_at": 1900000000}
		},
		"credits": {"has_available_credits": true, "balance": 3.25}
	}`)
	st.ApplyRateLimits("acct", raw)

	snap, ok := st.Get("acct")
	if !ok {
		t.Fatal("snapshot missing")
	}
	if snap.Primary.UsedPercent != 33.3 || snap.Primary.WindowMinutes != 300 {
		t.Errorf("primary: %+v", snap.Primary)
	}
	// resets_at below the cutoff is epoch seconds, promoted to ms.
	if snap.Secondary.ResetAt != 1_900_000_000_000 {
		t.Errorf("secondary reset: got %d", snap.Secondary.ResetAt)
	}
	if snap.Credits == nil || !snap.Credits.HasCredits || snap.Credits.Balance != 3.25 {
		t.Errorf("credits: %+v", snap.Credits)
	}
}

func TestApplyRateLimits_GarbageIgnored(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))
	st.ApplyRateLimits("acct", []byte("not json"))
	st.ApplyRateLimits("acct", []byte(`{"type": "token_count"}`))
	if _, ok := st.Get("acct"); ok {
		t.Error("expected no snapshot")
	}
}

func TestNormalizeEpochMs(t *testing.T) {
	if got := normalizeEpochMs(1_700_000_000); got != 1_700_000_000_000 {
		t.Errorf("seconds: got %d", got)
	}
	if got := normalizeEpochMs(1_700_000_000_000); got != 1_700_000_000_000 {
		t.Errorf("ms passthrough: got %d", got)
	}
	if got := normalizeEpochMs(0); got != 0 {
		t.Errorf("zero: got %d", got)
	}
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	st := NewStore(path)

	h := http.Header{}
	h.Set("x-codex-primary-used-percent", "55")
	st.ApplyHeaders("acct-1", h)

	if err := st.Save(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode: got %v", info.Mode().Perm())
	}

	reloaded := NewStore(path)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap, ok := reloaded.Get("acct-1")
	if !ok || snap.Primary == nil || snap.Primary.UsedPercent != 55 {
		t.Errorf("round trip: ok=%v snap=%+v", ok, snap)
	}
}

func TestLoad_DropsExpiredSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	old := time.Now().Add(-8 * 24 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()
	data := `[
		["stale", {"primary": {"used_percent": 1}, "updated_at": ` + itoa(old) + `}],
		["fresh", {"primary": {"used_percent": 2}, "updated_at": ` + itoa(fresh) + `}]
	]`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	st := NewStore(path)
	if err := st.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := st.Get("stale"); ok {
		t.Error("stale snapshot should have been dropped")
	}
	if _, ok := st.Get("fresh"); !ok {
		t.Error("fresh snapshot missing")
	}
}

func TestLoad_UnreadableFileIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots.json")
	if err := os.WriteFile(path, []byte("{{{"), 0600); err != nil {
		t.Fatal(err)
	}
	st := NewStore(path)
	if err := st.Load(); err != nil {
		t.Errorf("corrupt file should not error: %v", err)
	}
}

func TestSnapshot_Stale(t *testing.T) {
	fresh := &Snapshot{UpdatedAt: time.Now().UnixMilli()}
	if fresh.Stale() {
		t.Error("fresh snapshot reported stale")
	}
	old := &Snapshot{UpdatedAt: time.Now().Add(-time.Hour).UnixMilli()}
	if !old.Stale() {
		t.Error("hour-old snapshot should be stale")
	}
}

func TestRemove(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "snapshots.json"))
	h := http.Header{}
	h.Set("x-codex-primary-used-percent", "5")
	st.ApplyHeaders("acct", h)
	st.Remove("acct")
	if _, ok := st.Get("acct"); ok {
		t.Error("snapshot should be gone")
	}
}
