// Package telemetry maintains per-account quota snapshots gathered from
// upstream response headers and SSE token_count events.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

// epochCutoff separates epoch seconds from epoch milliseconds. Anything
// below it is seconds.
const epochCutoff = 2_000_000_000

// Window describes one usage window (e.g. the 5-hour primary window).
type Window struct {
	UsedPercent   float64 `json:"used_percent"`
	WindowMinutes int64   `json:"window_minutes,omitempty"`
	ResetAt       int64   `json:"reset_at,omitempty"` // epoch ms
}

// Credits describes the account's credit balance.
type Credits struct {
	HasCredits bool    `json:"has_credits"`
	Unlimited  bool    `json:"unlimited"`
	Balance    float64 `json:"balance,omitempty"`
}

// Snapshot is the latest known quota state for one account.
type Snapshot struct {
	Primary   *Window  `json:"primary,omitempty"`
	Secondary *Window  `json:"secondary,omitempty"`
	Credits   *Credits `json:"credits,omitempty"`
	UpdatedAt int64    `json:"updated_at"` // epoch ms
}

// Stale reports whether the snapshot is older than the staleness window.
func (s *Snapshot) Stale() bool {
	age := time.Now().UnixMilli() - s.UpdatedAt
	return age > config.SnapshotStaleAfter.Milliseconds()
}

// Store holds quota snapshots keyed by account key and persists them across
// restarts. Persistence shares the flock discipline of the account store.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	path      string
}

// NewStore creates a Store persisting to path. An empty path uses the
// default snapshot location.
func NewStore(path string) *Store {
	if path == "" {
		path = config.GetQuotaSnapshotPath()
	}
	return &Store{
		snapshots: make(map[string]*Snapshot),
		path:      path,
	}
}

// Load reads persisted snapshots, dropping any past the retention window.
func (st *Store) Load() error {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	pairs, err := decodePairs(data)
	if err != nil {
		utils.Warn("[Telemetry] Ignoring unreadable snapshot file: %v", err)
		return nil
	}

	cutoff := time.Now().UnixMilli() - config.SnapshotRetention.Milliseconds()

	st.mu.Lock()
	defer st.mu.Unlock()
	for key, snap := range pairs {
		if snap.UpdatedAt >= cutoff {
			st.snapshots[key] = snap
		}
	}
	return nil
}

// decodePairs parses the [[key, snapshot], ...] persistence format.
func decodePairs(data []byte) (map[string]*Snapshot, error) {
	var raw [][]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	out := make(map[string]*Snapshot, len(raw))
	for _, pair := range raw {
		if len(pair) != 2 {
			continue
		}
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal(pair[1], &snap); err != nil {
			continue
		}
		out[key] = &snap
	}
	return out, nil
}

// Get returns the snapshot for an account key.
func (st *Store) Get(key string) (*Snapshot, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	snap, ok := st.snapshots[key]
	if !ok {
		return nil, false
	}
	copied := *snap
	return &copied, true
}

// All returns a copy of every snapshot.
func (st *Store) All() map[string]Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make(map[string]Snapshot, len(st.snapshots))
	for key, snap := range st.snapshots {
		out[key] = *snap
	}
	return out
}

// ApplyHeaders folds the x-codex-* telemetry headers of one upstream
// response into the account's snapshot. Applying the same headers twice is
// a no-op apart from the update timestamp.
func (st *Store) ApplyHeaders(key string, h http.Header) {
	primary := windowFromHeaders(h, "primary")
	secondary := windowFromHeaders(h, "secondary")
	credits := creditsFromHeaders(h)
	if primary == nil && secondary == nil && credits == nil {
		return
	}
	st.merge(key, primary, secondary, credits)
}

func windowFromHeaders(h http.Header, name string) *Window {
	prefix := config.TelemetryHeaderPrefix + name + "-"

	used, hasUsed := headerFloat(h, prefix+"used-percent")
	if !hasUsed {
		return nil
	}

	w := &Window{UsedPercent: clampPercent(used)}
	if minutes, ok := headerFloat(h, prefix+"window-minutes"); ok {
		w.WindowMinutes = int64(minutes)
	}
	if resetAt, ok := headerFloat(h, prefix+"reset-at"); ok {
		w.ResetAt = normalizeEpochMs(int64(resetAt))
	} else if after, ok := headerFloat(h, prefix+"reset-after-seconds"); ok {
		w.ResetAt = time.Now().UnixMilli() + int64(after*1000)
	}
	return w
}

func creditsFromHeaders(h http.Header) *Credits {
	balance, hasBalance := headerFloat(h, config.TelemetryHeaderPrefix+"credits-balance")
	unlimitedStr := h.Get(config.TelemetryHeaderPrefix + "credits-unlimited")
	hasCreditsStr := h.Get(config.TelemetryHeaderPrefix + "credits-has-credits")
	if !hasBalance && unlimitedStr == "" && hasCreditsStr == "" {
		return nil
	}

	c := &Credits{}
	if hasBalance {
		c.Balance = balance
		c.HasCredits = balance > 0
	}
	if unlimitedStr != "" {
		c.Unlimited = strings.EqualFold(unlimitedStr, "true")
		if c.Unlimited {
			c.HasCredits = true
		}
	}
	if hasCreditsStr != "" {
		c.HasCredits = strings.EqualFold(hasCreditsStr, "true")
	}
	return c
}

func headerFloat(h http.Header, name string) (float64, bool) {
	raw := h.Get(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// rateLimitsEvent is the shape of SSE token_count telemetry.
type rateLimitsEvent struct {
	RateLimits *struct {
		Primary   *wireWindow `json:"primary"`
		Secondary *wireWindow `json:"secondary"`
	} `json:"rate_limits"`
	Credits *struct {
		HasAvailableCredits bool    `json:"has_available_credits"`
		Unlimited           bool    `json:"unlimited"`
		Balance             float64 `json:"balance"`
	} `json:"credits"`
}

type wireWindow struct {
	UsedPercent     float64 `json:"used_percent"`
	WindowMinutes   int64   `json:"window_minutes"`
	ResetsInSeconds int64   `json:"resets_in_seconds"`
	ResetsAt        int64   `json:"resets_at"`
}

// ApplyRateLimits folds one token_count SSE event into the snapshot.
func (st *Store) ApplyRateLimits(key string, raw []byte) {
	var event rateLimitsEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return
	}

	var primary, secondary *Window
	if event.RateLimits != nil {
		primary = windowFromWire(event.RateLimits.Primary)
		secondary = windowFromWire(event.RateLimits.Secondary)
	}

	var credits *Credits
	if event.Credits != nil {
		credits = &Credits{
			HasCredits: event.Credits.HasAvailableCredits || event.Credits.Unlimited,
			Unlimited:  event.Credits.Unlimited,
			Balance:    event.Credits.Balance,
		}
	}

	if primary == nil && secondary == nil && credits == nil {
		return
	}
	st.merge(key, primary, secondary, credits)
}

func windowFromWire(w *wireWindow) *Window {
	if w == nil {
		return nil
	}
	out := &Window{
		UsedPercent:   clampPercent(w.UsedPercent),
		WindowMinutes: w.WindowMinutes,
	}
	switch {
	case w.ResetsAt > 0:
		out.ResetAt = normalizeEpochMs(w.ResetsAt)
	case w.ResetsInSeconds > 0:
		out.ResetAt = time.Now().UnixMilli() + w.ResetsInSeconds*1000
	}
	return out
}

// merge updates the snapshot for key, keeping existing fields the new data
// does not mention.
func (st *Store) merge(key string, primary, secondary *Window, credits *Credits) {
	st.mu.Lock()
	defer st.mu.Unlock()

	snap, ok := st.snapshots[key]
	if !ok {
		snap = &Snapshot{}
		st.snapshots[key] = snap
	}
	if primary != nil {
		snap.Primary = primary
	}
	if secondary != nil {
		snap.Secondary = secondary
	}
	if credits != nil {
		snap.Credits = credits
	}
	snap.UpdatedAt = time.Now().UnixMilli()
}

// Remove drops the snapshot for key.
func (st *Store) Remove(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.snapshots, key)
}

// Save persists all snapshots under the advisory lock, merging with other
// writers and dropping entries past retention.
func (st *Store) Save(ctx context.Context) error {
	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	fl := flock.New(st.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, config.LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, config.LockRetryInterval)
	if err != nil || !locked {
		if err == nil {
			err = context.DeadlineExceeded
		}
		return err
	}
	defer fl.Unlock()

	merged := make(map[string]*Snapshot)
	if data, err := os.ReadFile(st.path); err == nil {
		if onDisk, err := decodePairs(data); err == nil {
			merged = onDisk
		}
	}

	st.mu.RLock()
	for key, snap := range st.snapshots {
		if existing, ok := merged[key]; !ok || snap.UpdatedAt >= existing.UpdatedAt {
			copied := *snap
			merged[key] = &copied
		}
	}
	st.mu.RUnlock()

	cutoff := time.Now().UnixMilli() - config.SnapshotRetention.Milliseconds()
	pairs := make([][]interface{}, 0, len(merged))
	for key, snap := range merged {
		if snap.UpdatedAt < cutoff {
			continue
		}
		pairs = append(pairs, []interface{}{key, snap})
	}

	data, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".snapshots-*.tmp")
	if err != nil {
		return err
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tempPath, 0600); err != nil {
		return err
	}
	if err := os.Rename(tempPath, st.path); err != nil {
		return err
	}

	success = true
	return nil
}

func normalizeEpochMs(v int64) int64 {
	if v > 0 && v < epochCutoff {
		return v * 1000
	}
	return v
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
