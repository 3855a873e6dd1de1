// Package account handles multi-account management with scheduling and failover.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/identity"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

// Record is one stored account. Timestamps are epoch milliseconds.
type Record struct {
	RefreshToken        string           `json:"refresh_token"`
	AccountID           string           `json:"account_id,omitempty"`
	Email               string           `json:"email,omitempty"`
	Plan                string           `json:"plan,omitempty"`
	Enabled             *bool            `json:"enabled,omitempty"` // nil means enabled
	AddedAt             int64            `json:"added_at,omitempty"`
	LastUsed            int64            `json:"last_used,omitempty"`
	LastSwitchReason    string           `json:"last_switch_reason,omitempty"`
	RateLimitResetTimes map[string]int64 `json:"rate_limit_reset_times,omitempty"` // quota key -> reset epoch ms
	CoolingDownUntil    int64            `json:"cooling_down_until,omitempty"`
	CooldownReason      string           `json:"cooldown_reason,omitempty"`

	// OriginalRefreshToken is the refresh token as last read from disk.
	// Never persisted; a live token differing from it proves this process
	// rotated the credential, which merge conflict resolution relies on.
	OriginalRefreshToken string `json:"-"`
}

// IsEnabled reports whether the account may be scheduled. A missing flag
// means enabled, so files written before the flag existed keep working.
func (r *Record) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// SetEnabled sets the enabled flag explicitly.
func (r *Record) SetEnabled(enabled bool) {
	r.Enabled = &enabled
}

// Identity returns the identity triple stored on the record.
func (r *Record) Identity() identity.Identity {
	return identity.Identity{AccountID: r.AccountID, Email: r.Email, Plan: r.Plan}
}

// Hydrated reports whether the identity triple is fully known.
func (r *Record) Hydrated() bool {
	return r.Identity().Hydrated()
}

// Key returns the stable account key for tracker and snapshot maps.
func (r *Record) Key(index int) string {
	return identity.AccountKey(r.Identity(), r.RefreshToken, index)
}

// Display returns a short human label for logs and CLI output.
func (r *Record) Display(index int) string {
	if r.Email != "" {
		if r.Plan != "" {
			return fmt.Sprintf("%s (%s)", r.Email, r.Plan)
		}
		return r.Email
	}
	return fmt.Sprintf("account #%d", index+1)
}

// StoreFile is the on-disk account store.
type StoreFile struct {
	Version             int            `json:"version"`
	Accounts            []Record       `json:"accounts"`
	ActiveIndex         int            `json:"active_index"`
	ActiveIndexByFamily map[string]int `json:"active_index_by_family,omitempty"`
}

// NewStoreFile returns an empty store at the current version.
func NewStoreFile() *StoreFile {
	return &StoreFile{
		Version:             config.StoreVersion,
		Accounts:            []Record{},
		ActiveIndexByFamily: map[string]int{},
	}
}

// Storage handles loading and saving the account store. Cross-process
// writers coordinate through an advisory lock next to the store file.
type Storage struct {
	path       string
	legacyPath string
}

// NewStorage creates a Storage for the given path. An empty path uses the
// default store location.
func NewStorage(path string) *Storage {
	if path == "" {
		path = config.GetAccountStorePath()
	}
	return &Storage{
		path:       path,
		legacyPath: config.GetLegacyAccountStorePath(),
	}
}

// Path returns the store file path.
func (s *Storage) Path() string {
	return s.path
}

// Load reads and normalizes the store. Returns nil when the file does not
// exist. Corrupt files are quarantined and reported as an error.
func (s *Storage) Load() (*StoreFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read account store: %w", err)
	}

	sf, err := decodeStore(data)
	if err != nil {
		if qpath, qerr := s.Quarantine(); qerr == nil {
			utils.Warn("[Storage] Corrupt account store quarantined to %s: %v", qpath, err)
		} else {
			utils.Error("[Storage] Corrupt account store and quarantine failed: %v / %v", err, qerr)
		}
		return nil, fmt.Errorf("decode account store: %w", err)
	}

	normalizeStore(sf)
	for i := range sf.Accounts {
		sf.Accounts[i].OriginalRefreshToken = sf.Accounts[i].RefreshToken
	}
	return sf, nil
}

// decodeStore accepts the three shapes the store has had over time: the
// current versioned object, the versionless object, and the original bare
// array of records.
func decodeStore(data []byte) (*StoreFile, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return NewStoreFile(), nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var accounts []Record
		if err := json.Unmarshal(data, &accounts); err != nil {
			return nil, err
		}
		sf := NewStoreFile()
		sf.Accounts = accounts
		return sf, nil
	}

	var sf StoreFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, err
	}
	if sf.Version == 0 {
		sf.Version = config.StoreVersion
	}
	return &sf, nil
}

// normalizeStore deduplicates records, drops expired reset times, and
// remaps active indices so they stay valid after dedup.
func normalizeStore(sf *StoreFile) {
	if sf.Accounts == nil {
		sf.Accounts = []Record{}
	}
	if sf.ActiveIndexByFamily == nil {
		sf.ActiveIndexByFamily = map[string]int{}
	}
	sf.Version = config.StoreVersion

	nowMs := time.Now().UnixMilli()
	for i := range sf.Accounts {
		clearExpiredResetTimes(&sf.Accounts[i], nowMs)
	}

	deduped, remap := dedupRecords(sf.Accounts)
	sf.Accounts = deduped
	sf.ActiveIndex = remapIndex(sf.ActiveIndex, remap, len(deduped))
	for family, idx := range sf.ActiveIndexByFamily {
		sf.ActiveIndexByFamily[family] = remapIndex(idx, remap, len(deduped))
	}
}

// clearExpiredResetTimes removes reset entries that are already in the past.
func clearExpiredResetTimes(r *Record, nowMs int64) {
	for key, resetAt := range r.RateLimitResetTimes {
		if resetAt <= nowMs {
			delete(r.RateLimitResetTimes, key)
		}
	}
	if len(r.RateLimitResetTimes) == 0 {
		r.RateLimitResetTimes = nil
	}
	if r.CoolingDownUntil != 0 && r.CoolingDownUntil <= nowMs {
		r.CoolingDownUntil = 0
		r.CooldownReason = ""
	}
}

// dedupRecords collapses records that share a hydrated identity triple or,
// failing that, a refresh token. Later duplicates merge into the first
// occurrence. The returned remap translates old indices to new ones.
func dedupRecords(accounts []Record) ([]Record, []int) {
	deduped := make([]Record, 0, len(accounts))
	remap := make([]int, len(accounts))
	byIdentity := make(map[string]int)
	byRefresh := make(map[string]int)

	for i := range accounts {
		rec := accounts[i]

		target := -1
		if rec.Hydrated() {
			key := identity.AccountKey(rec.Identity(), "", -1)
			if idx, ok := byIdentity[key]; ok {
				target = idx
			}
		}
		if target < 0 && rec.RefreshToken != "" {
			if idx, ok := byRefresh[rec.RefreshToken]; ok {
				target = idx
			}
		}

		if target >= 0 {
			merged := mergeRecords(deduped[target], rec)
			deduped[target] = merged
			remap[i] = target
		} else {
			deduped = append(deduped, rec)
			target = len(deduped) - 1
			remap[i] = target
		}

		kept := deduped[target]
		if kept.Hydrated() {
			byIdentity[identity.AccountKey(kept.Identity(), "", -1)] = target
		}
		if kept.RefreshToken != "" {
			byRefresh[kept.RefreshToken] = target
		}
	}

	return deduped, remap
}

// mergeRecords combines two records for the same account. Earliest added_at
// and latest last_used win, reset times take the per-key maximum, the later
// cooldown wins, and missing fields fill from the other side.
func mergeRecords(a, b Record) Record {
	out := a

	out.RefreshToken, out.OriginalRefreshToken = pickRefreshToken(a, b)
	if out.AccountID == "" {
		out.AccountID = b.AccountID
	}
	if out.Email == "" {
		out.Email = b.Email
	}
	if out.Plan == "" {
		out.Plan = b.Plan
	}
	if out.Enabled == nil {
		out.Enabled = b.Enabled
	}

	if b.AddedAt != 0 && (out.AddedAt == 0 || b.AddedAt < out.AddedAt) {
		out.AddedAt = b.AddedAt
	}
	if b.LastUsed > out.LastUsed {
		out.LastUsed = b.LastUsed
		if b.LastSwitchReason != "" {
			out.LastSwitchReason = b.LastSwitchReason
		}
	}
	if out.LastSwitchReason == "" {
		out.LastSwitchReason = b.LastSwitchReason
	}

	if len(b.RateLimitResetTimes) > 0 {
		if out.RateLimitResetTimes == nil {
			out.RateLimitResetTimes = make(map[string]int64, len(b.RateLimitResetTimes))
		}
		for key, resetAt := range b.RateLimitResetTimes {
			if resetAt > out.RateLimitResetTimes[key] {
				out.RateLimitResetTimes[key] = resetAt
			}
		}
	}

	if b.CoolingDownUntil > out.CoolingDownUntil {
		out.CoolingDownUntil = b.CoolingDownUntil
		out.CooldownReason = b.CooldownReason
	}

	return out
}

// pickRefreshToken decides which side's refresh token survives a merge.
// Refresh tokens are single-use, so a side that rotated its token away from
// what it read off disk holds the only still-valid credential; its claim
// wins unless the other side has used the account more recently. Absent
// rotation evidence, the newer last_used wins, and a dead tie keeps the
// second (on-disk) side.
func pickRefreshToken(a, b Record) (token, original string) {
	if a.RefreshToken == "" {
		return b.RefreshToken, b.OriginalRefreshToken
	}
	if b.RefreshToken == "" || a.RefreshToken == b.RefreshToken {
		return a.RefreshToken, a.OriginalRefreshToken
	}

	aRotated := a.OriginalRefreshToken != "" && a.RefreshToken != a.OriginalRefreshToken
	bRotated := b.OriginalRefreshToken != "" && b.RefreshToken != b.OriginalRefreshToken
	switch {
	case aRotated && a.LastUsed >= b.LastUsed:
		return a.RefreshToken, a.OriginalRefreshToken
	case bRotated && b.LastUsed >= a.LastUsed:
		return b.RefreshToken, b.OriginalRefreshToken
	case a.LastUsed > b.LastUsed:
		return a.RefreshToken, a.OriginalRefreshToken
	default:
		return b.RefreshToken, b.OriginalRefreshToken
	}
}

// remapIndex translates an index through the dedup remap and clamps it into
// range. An empty store has no valid index and yields -1.
func remapIndex(idx int, remap []int, length int) int {
	if idx >= 0 && idx < len(remap) {
		idx = remap[idx]
	}
	if length == 0 {
		return -1
	}
	if idx >= length {
		idx = length - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// MergeStores merges a writer's view into the latest on-disk state so
// concurrent writers do not clobber each other. Records match by identity
// triple first, refresh token second; unmatched records from either side
// are kept. The writer's record is the dominant side of each merge, so its
// deliberate changes (rotated tokens, enabled flags) survive, while
// timestamps and reset times still combine under the usual rules.
func MergeStores(latest, mine *StoreFile) *StoreFile {
	if latest == nil || len(latest.Accounts) == 0 {
		out := *mine
		normalizeStore(&out)
		return &out
	}

	combined := NewStoreFile()
	combined.Accounts = append(combined.Accounts, mine.Accounts...)
	combined.Accounts = append(combined.Accounts, latest.Accounts...)

	deduped, remap := dedupRecords(combined.Accounts)
	combined.Accounts = deduped

	// The on-disk indices live in the appended half of the combined slice.
	offset := len(mine.Accounts)
	combined.ActiveIndex = remapIndex(mine.ActiveIndex, remap, len(deduped))
	for family, idx := range latest.ActiveIndexByFamily {
		combined.ActiveIndexByFamily[family] = remapIndex(idx+offset, remap, len(deduped))
	}
	for family, idx := range mine.ActiveIndexByFamily {
		combined.ActiveIndexByFamily[family] = remapIndex(idx, remap, len(deduped))
	}

	nowMs := time.Now().UnixMilli()
	for i := range combined.Accounts {
		clearExpiredResetTimes(&combined.Accounts[i], nowMs)
	}

	return combined
}

// SaveWithLock applies transform to the latest on-disk state under the
// advisory lock and writes the result atomically. A nil result from
// transform means no change and nothing is written. Legacy stores are
// migrated in while the lock is held, so migration happens exactly once
// even with concurrent processes.
func (s *Storage) SaveWithLock(ctx context.Context, transform func(latest *StoreFile) *StoreFile) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	fl := flock.New(s.path + ".lock")
	lockCtx, cancel := context.WithTimeout(ctx, config.LockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, config.LockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("acquire store lock: timed out after %s", config.LockTimeout)
	}
	defer fl.Unlock()

	s.migrateLegacyLocked()

	latest, err := s.Load()
	if err != nil {
		// Load already quarantined the corrupt file; start fresh.
		latest = nil
	}
	if latest == nil {
		latest = NewStoreFile()
	}

	updated := transform(latest)
	if updated == nil {
		return nil
	}
	normalizeStore(updated)

	return s.writeAtomic(updated)
}

// Save replaces the on-disk state with a merge of the latest state and sf.
func (s *Storage) Save(ctx context.Context, sf *StoreFile) error {
	return s.SaveWithLock(ctx, func(latest *StoreFile) *StoreFile {
		return MergeStores(latest, sf)
	})
}

// migrateLegacyLocked imports accounts from the legacy store location once.
// The caller must hold the advisory lock. The legacy file is renamed after
// import so it is never read again.
func (s *Storage) migrateLegacyLocked() {
	if s.legacyPath == "" || s.legacyPath == s.path {
		return
	}

	data, err := os.ReadFile(s.legacyPath)
	if err != nil {
		return
	}

	legacy, err := decodeStore(data)
	if err != nil {
		utils.Warn("[Storage] Legacy store at %s is unreadable, skipping migration: %v", s.legacyPath, err)
		return
	}
	normalizeStore(legacy)

	if len(legacy.Accounts) > 0 {
		current, _ := s.Load()
		if current == nil {
			current = NewStoreFile()
		}
		merged := MergeStores(current, legacy)
		if err := s.writeAtomic(merged); err != nil {
			utils.Error("[Storage] Legacy store migration failed: %v", err)
			return
		}
		utils.Info("[Storage] Migrated %d account(s) from legacy store %s", len(legacy.Accounts), s.legacyPath)
	}

	if err := os.Rename(s.legacyPath, s.legacyPath+".migrated"); err != nil {
		utils.Warn("[Storage] Could not rename migrated legacy store: %v", err)
	}
}

// writeAtomic writes sf with the temp-file-then-rename pattern so readers
// never observe a partial file.
func (s *Storage) writeAtomic(sf *StoreFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tempFile, err := os.CreateTemp(dir, ".accounts-*.tmp")
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

	// Tokens live in this file.
	if err := os.Chmod(tempPath, 0600); err != nil {
		return err
	}
	if err := os.Rename(tempPath, s.path); err != nil {
		return err
	}

	success = true
	return nil
}

// Quarantine moves the current store aside with a timestamped name and
// prunes old quarantine files beyond the retention limit. Returns the
// quarantine path.
func (s *Storage) Quarantine() (string, error) {
	qpath := fmt.Sprintf("%s.quarantine-%d.json", s.path, time.Now().UnixMilli())
	if err := os.Rename(s.path, qpath); err != nil {
		return "", err
	}
	s.pruneQuarantine()
	return qpath, nil
}

// QuarantineRecords writes dead account records to a timestamped quarantine
// sibling of the store, so a rejected credential is preserved for inspection
// instead of silently lost. Returns the quarantine path; an empty record
// list is a no-op.
func (s *Storage) QuarantineRecords(records []Record, reason string) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	payload := struct {
		Reason        string   `json:"reason"`
		QuarantinedAt int64    `json:"quarantined_at"`
		Accounts      []Record `json:"accounts"`
	}{
		Reason:        reason,
		QuarantinedAt: time.Now().UnixMilli(),
		Accounts:      records,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return "", err
	}
	qpath := fmt.Sprintf("%s.quarantine-%d.json", s.path, payload.QuarantinedAt)
	if err := os.WriteFile(qpath, data, 0600); err != nil {
		return "", err
	}
	s.pruneQuarantine()
	return qpath, nil
}

// pruneQuarantine keeps only the most recent quarantine files.
func (s *Storage) pruneQuarantine() {
	matches, err := filepath.Glob(s.path + ".quarantine-*.json")
	if err != nil || len(matches) <= config.QuarantineRetention {
		return
	}
	// Timestamped names sort chronologically until the epoch gains a digit.
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-config.QuarantineRetention] {
		os.Remove(old)
	}
}

// Inspect reports the store shape and account count without normalizing,
// for the accounts verify command.
func (s *Storage) Inspect() (shape string, count int, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "missing", 0, nil
		}
		return "", 0, err
	}

	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "":
		return "empty", 0, nil
	case strings.HasPrefix(trimmed, "["):
		shape = "array"
	default:
		shape = "object"
	}

	sf, err := decodeStore(data)
	if err != nil {
		return shape, 0, err
	}
	if shape == "object" && sf.Version == config.StoreVersion {
		shape = fmt.Sprintf("v%d", sf.Version)
	}
	return shape, len(sf.Accounts), nil
}
