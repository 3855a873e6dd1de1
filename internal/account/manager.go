package account

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kuzerno1/multi-codex-proxy/internal/account/trackers"
	"github.com/kuzerno1/multi-codex-proxy/internal/auth"
	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/identity"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

// ErrRefreshFailed means the refresh grant was rejected even after falling
// back to the latest on-disk refresh token. The account needs
// re-authentication.
var ErrRefreshFailed = errors.New("refresh token rejected")

// tokenEntry caches an access token for one account slot.
type tokenEntry struct {
	Access    string
	IDToken   string
	ExpiresAt int64  // epoch ms
	Source    string // refresh token that produced this access token
}

// Managed is a point-in-time view of one account handed to the dispatcher.
type Managed struct {
	Record
	Index     int
	Access    string
	ExpiresAt int64
	Switched  bool
}

type inflight struct {
	done chan struct{}
	err  error
}

// Manager owns the in-memory account pool: selection state, cached access
// tokens, and the soft-metric trackers. All persistence goes through
// Storage under the cross-process lock.
type Manager struct {
	mu                  sync.RWMutex
	accounts            []Record
	activeIndex         int
	activeIndexByFamily map[string]int
	pidOffsetDone       map[string]bool

	tokens     map[int]tokenEntry
	refreshing map[int]*inflight

	noticeMu        sync.Mutex
	lastLimitNotice map[string]int64

	settings  config.Settings
	storage   *Storage
	health    *trackers.HealthTracker
	bucket    *trackers.TokenBucket
	refreshFn auth.RefreshFunc

	initialized bool
	lastRepair  time.Time
}

// NewManager creates a Manager. A nil refreshFn falls back to the real
// OAuth endpoint.
func NewManager(storage *Storage, settings config.Settings, refreshFn auth.RefreshFunc) *Manager {
	if storage == nil {
		storage = NewStorage("")
	}
	if refreshFn == nil {
		refreshFn = auth.RefreshAccessToken
	}
	return &Manager{
		activeIndexByFamily: make(map[string]int),
		pidOffsetDone:       make(map[string]bool),
		tokens:              make(map[int]tokenEntry),
		refreshing:          make(map[int]*inflight),
		lastLimitNotice:     make(map[string]int64),
		settings:            settings,
		storage:             storage,
		health:              trackers.NewHealthTracker(trackers.HealthConfig{}),
		bucket:              trackers.NewTokenBucket(trackers.BucketConfig{}),
		refreshFn:           refreshFn,
	}
}

// Initialize loads the account store. A missing store is not an error; the
// proxy starts empty and reports it per request.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}

	// Take the write path once so a legacy store migrates before first read.
	if err := m.storage.SaveWithLock(context.Background(), func(latest *StoreFile) *StoreFile {
		return nil
	}); err != nil {
		utils.Warn("[AccountManager] Store lock unavailable during init: %v", err)
	}

	sf, err := m.storage.Load()
	if err != nil {
		// Load quarantined the corrupt file; continue with an empty pool.
		utils.Warn("[AccountManager] Starting with empty account pool: %v", err)
		sf = nil
	}
	if sf == nil {
		sf = NewStoreFile()
		utils.Info("[AccountManager] No account store found. Add an account with 'accounts add'")
	}

	m.accounts = sf.Accounts
	m.activeIndex = sf.ActiveIndex
	for family, idx := range sf.ActiveIndexByFamily {
		m.activeIndexByFamily[family] = idx
	}

	utils.Info("[AccountManager] Loaded %d account(s)", len(m.accounts))
	m.initialized = true
	return nil
}

// AccountCount returns the number of usable accounts: hydrated and enabled.
// Records awaiting repair or toggled off stay in the pool but do not count.
func (m *Manager) AccountCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for i := range m.accounts {
		if m.accounts[i].Hydrated() && m.accounts[i].IsEnabled() {
			count++
		}
	}
	return count
}

// TotalAccounts returns the raw pool size, including non-hydrated and
// disabled records.
func (m *Manager) TotalAccounts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.accounts)
}

// Settings returns the manager's settings.
func (m *Manager) Settings() config.Settings {
	return m.settings
}

// Health returns the health tracker.
func (m *Manager) Health() *trackers.HealthTracker {
	return m.health
}

// Bucket returns the token bucket tracker.
func (m *Manager) Bucket() *trackers.TokenBucket {
	return m.bucket
}

// Storage returns the backing store.
func (m *Manager) Storage() *Storage {
	return m.storage
}

// Snapshot returns a deep copy of all records for status rendering.
func (m *Manager) Snapshot() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyRecords(m.accounts)
}

func copyRecords(accounts []Record) []Record {
	out := make([]Record, len(accounts))
	for i := range accounts {
		rec := accounts[i]
		if rec.RateLimitResetTimes != nil {
			times := make(map[string]int64, len(rec.RateLimitResetTimes))
			for k, v := range rec.RateLimitResetTimes {
				times[k] = v
			}
			rec.RateLimitResetTimes = times
		}
		if rec.Enabled != nil {
			enabled := *rec.Enabled
			rec.Enabled = &enabled
		}
		out[i] = rec
	}
	return out
}

// ActiveIndexForFamily returns the selection cursor for a model family.
func (m *Manager) ActiveIndexForFamily(family string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeIndexForFamilyLocked(family)
}

func (m *Manager) activeIndexForFamilyLocked(family string) int {
	if idx, ok := m.activeIndexByFamily[family]; ok {
		return clampIndex(idx, len(m.accounts))
	}
	return clampIndex(m.activeIndex, len(m.accounts))
}

// CurrentOrNextForFamily picks the account to try for a family and model
// according to the configured strategy. Returns false when no account is
// eligible right now.
func (m *Manager) CurrentOrNextForFamily(family, model string) (Managed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.accounts) == 0 {
		return Managed{Index: -1}, false
	}

	index := m.activeIndexForFamilyLocked(family)
	index = m.applyPIDOffsetLocked(family, index)

	nowMs := time.Now().UnixMilli()
	var res SelectionResult
	switch m.settings.AccountSelectionStrategy {
	case config.StrategyRoundRobin:
		res = PickRoundRobin(m.accounts, index, family, model, nowMs)
	case config.StrategyHybrid:
		res = PickHybrid(m.accounts, index, family, model, nowMs, m.health, m.bucket)
	default:
		res = PickSticky(m.accounts, index, family, model, nowMs)
	}

	if !res.OK {
		return Managed{Index: index}, false
	}

	m.activeIndexByFamily[family] = res.Index
	m.activeIndex = res.Index
	return m.managedLocked(res.Index, res.Switched), true
}

// NextAfter picks the next eligible account strictly after index, for
// failover after a rate limit. Returns false when nothing else can serve.
func (m *Manager) NextAfter(index int, family, model string) (Managed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.accounts) == 0 {
		return Managed{Index: -1}, false
	}

	res := PickRoundRobin(m.accounts, clampIndex(index, len(m.accounts)), family, model, time.Now().UnixMilli())
	if !res.OK || res.Index == clampIndex(index, len(m.accounts)) {
		return Managed{Index: index}, false
	}

	m.activeIndexByFamily[family] = res.Index
	m.activeIndex = res.Index
	return m.managedLocked(res.Index, true), true
}

// applyPIDOffsetLocked staggers the starting cursor across processes so
// several proxies sharing one store do not all hammer the same account.
// Applied once per family per process; hybrid scoring replaces it entirely.
func (m *Manager) applyPIDOffsetLocked(family string, index int) int {
	if !m.settings.PIDOffsetEnabled || m.pidOffsetDone[family] {
		return index
	}
	m.pidOffsetDone[family] = true
	if m.settings.AccountSelectionStrategy == config.StrategyHybrid || len(m.accounts) < 2 {
		return index
	}
	offset := os.Getpid() % len(m.accounts)
	return (index + offset) % len(m.accounts)
}

func (m *Manager) managedLocked(index int, switched bool) Managed {
	rec := copyRecords(m.accounts[index : index+1])[0]
	mg := Managed{Record: rec, Index: index, Switched: switched}
	if tok, ok := m.tokens[index]; ok && tok.Source == rec.RefreshToken {
		mg.Access = tok.Access
		mg.ExpiresAt = tok.ExpiresAt
	}
	return mg
}

// TokenExpiry reports the cached access token expiry for an account slot.
func (m *Manager) TokenExpiry(index int) (expiresAt int64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.accounts) {
		return 0, false
	}
	tok, has := m.tokens[index]
	if !has || tok.Source != m.accounts[index].RefreshToken {
		return 0, false
	}
	return tok.ExpiresAt, true
}

// EnsureFresh returns a Managed view with a valid access token, refreshing
// synchronously when the cached token is missing or inside the skew window.
func (m *Manager) EnsureFresh(ctx context.Context, index int) (Managed, error) {
	m.mu.RLock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.RUnlock()
		return Managed{Index: index}, fmt.Errorf("account index %d out of range", index)
	}
	tok, has := m.tokens[index]
	source := m.accounts[index].RefreshToken
	m.mu.RUnlock()

	skew := m.settings.TokenRefreshSkewMs
	if has && tok.Source == source && tok.Access != "" && tok.ExpiresAt-time.Now().UnixMilli() > skew {
		m.mu.RLock()
		mg := m.managedLocked(index, false)
		m.mu.RUnlock()
		return mg, nil
	}

	return m.RefreshWithFallback(ctx, index)
}

// RefreshWithFallback refreshes the access token for an account slot.
// Concurrent callers for the same slot share one upstream refresh. When the
// grant is rejected, the store is reloaded and the latest on-disk refresh
// token gets one retry, which covers another process having rotated the
// token first.
func (m *Manager) RefreshWithFallback(ctx context.Context, index int) (Managed, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		m.mu.Unlock()
		return Managed{Index: index}, fmt.Errorf("account index %d out of range", index)
	}

	if fl, ok := m.refreshing[index]; ok {
		m.mu.Unlock()
		select {
		case <-fl.done:
		case <-ctx.Done():
			return Managed{Index: index}, ctx.Err()
		}
		if fl.err != nil {
			return Managed{Index: index}, fl.err
		}
		m.mu.RLock()
		mg := m.managedLocked(index, false)
		m.mu.RUnlock()
		return mg, nil
	}

	fl := &inflight{done: make(chan struct{})}
	m.refreshing[index] = fl
	refreshToken := m.accounts[index].RefreshToken
	m.mu.Unlock()

	mg, err := m.doRefresh(ctx, index, refreshToken)

	m.mu.Lock()
	fl.err = err
	delete(m.refreshing, index)
	m.mu.Unlock()
	close(fl.done)

	return mg, err
}

func (m *Manager) doRefresh(ctx context.Context, index int, refreshToken string) (Managed, error) {
	if refreshToken == "" {
		return Managed{Index: index}, fmt.Errorf("account %d has no refresh token", index)
	}

	result, err := m.refreshFn(ctx, refreshToken)
	if err != nil {
		return Managed{Index: index}, fmt.Errorf("token refresh: %w", err)
	}

	if !result.Succeeded() {
		// Another process may have rotated the token; retry once with
		// whatever is on disk now.
		latest := m.latestDiskToken(index, refreshToken)
		if latest != "" && latest != refreshToken {
			utils.Info("[AccountManager] Retrying refresh with rotated on-disk token for account %d", index+1)
			result, err = m.refreshFn(ctx, latest)
			if err != nil {
				return Managed{Index: index}, fmt.Errorf("token refresh: %w", err)
			}
			refreshToken = latest
		}
	}
	if !result.Succeeded() {
		return Managed{Index: index}, ErrRefreshFailed
	}

	return m.adoptTokens(index, refreshToken, result), nil
}

// latestDiskToken reloads the store and returns the refresh token currently
// recorded for the account matching this slot.
func (m *Manager) latestDiskToken(index int, usedToken string) string {
	sf, err := m.storage.Load()
	if err != nil || sf == nil {
		return ""
	}

	m.mu.RLock()
	var want identity.Identity
	hydrated := false
	if index < len(m.accounts) {
		want = m.accounts[index].Identity()
		hydrated = want.Hydrated()
	}
	m.mu.RUnlock()

	if hydrated {
		wantKey := identity.AccountKey(want, "", -1)
		for i := range sf.Accounts {
			rec := &sf.Accounts[i]
			if rec.Hydrated() && identity.AccountKey(rec.Identity(), "", -1) == wantKey {
				return rec.RefreshToken
			}
		}
	}
	if index < len(sf.Accounts) && sf.Accounts[index].RefreshToken != usedToken {
		return sf.Accounts[index].RefreshToken
	}
	return ""
}

// adoptTokens stores the refreshed tokens, rotates the refresh token when
// the endpoint issued a new one, and hydrates identity from the id token.
func (m *Manager) adoptTokens(index int, usedToken string, result *auth.TokenResult) Managed {
	m.mu.Lock()

	changed := false
	if index < len(m.accounts) {
		rec := &m.accounts[index]

		if result.Refresh != "" && result.Refresh != rec.RefreshToken {
			rec.RefreshToken = result.Refresh
			changed = true
		} else if usedToken != rec.RefreshToken {
			rec.RefreshToken = usedToken
			changed = true
		}

		id := identity.FromAccessToken(result.IDToken)
		if !id.Hydrated() {
			id = identity.FromAccessToken(result.Access)
		}
		if id.AccountID != "" && rec.AccountID != id.AccountID {
			rec.AccountID = id.AccountID
			changed = true
		}
		if id.Email != "" && rec.Email != id.Email {
			rec.Email = id.Email
			changed = true
		}
		if id.Plan != "" && rec.Plan != id.Plan {
			rec.Plan = id.Plan
			changed = true
		}

		m.tokens[index] = tokenEntry{
			Access:    result.Access,
			IDToken:   result.IDToken,
			ExpiresAt: result.Expires,
			Source:    rec.RefreshToken,
		}
	}

	mg := m.managedLocked(index, false)
	m.mu.Unlock()

	utils.Success("[AccountManager] Refreshed token for %s", mg.Display(index))
	if changed {
		go m.saveToDiskAsync()
	}
	return mg
}

// MarkUsed records a successful use of the account.
func (m *Manager) MarkUsed(index int, family string) {
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		m.accounts[index].LastUsed = time.Now().UnixMilli()
		m.activeIndexByFamily[family] = index
		m.activeIndex = index
	}
	m.mu.Unlock()
	go m.saveToDiskAsync()
}

// MarkSwitched moves the selection cursor to index and records why.
func (m *Manager) MarkSwitched(index int, family, reason string) {
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		m.accounts[index].LastSwitchReason = reason
		m.activeIndexByFamily[family] = index
		m.activeIndex = index
	}
	m.mu.Unlock()
	go m.saveToDiskAsync()
}

// MarkRateLimited records a rate-limit reset time for the account under
// every quota key for this family and model. The warning is debounced per
// account so retry storms do not flood the log, and suppressed entirely in
// quiet mode.
func (m *Manager) MarkRateLimited(index int, family, model string, resetAtMs int64) {
	nowMs := time.Now().UnixMilli()

	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		RecordResetTime(&m.accounts[index], family, model, resetAtMs)
		rec := &m.accounts[index]
		if !m.settings.QuietMode && m.rateLimitNoticeDue(rec.Key(index), nowMs) {
			utils.Warn("[AccountManager] Rate limited: %s (family %s). Available in %s",
				rec.Display(index), family, FormatWait(resetAtMs-nowMs))
		}
	}
	m.mu.Unlock()

	m.health.RecordRateLimit(m.keyFor(index))
	go m.saveToDiskAsync()
}

// rateLimitNoticeDue reports whether the debounce window for this account's
// rate-limit warning has elapsed, and stamps it when so.
func (m *Manager) rateLimitNoticeDue(key string, nowMs int64) bool {
	window := m.settings.RateLimitToastDebounceMs
	if window <= 0 {
		return true
	}

	m.noticeMu.Lock()
	defer m.noticeMu.Unlock()
	if last, ok := m.lastLimitNotice[key]; ok && nowMs-last < window {
		return false
	}
	m.lastLimitNotice[key] = nowMs
	return true
}

// MarkCoolingDown puts the account on the fixed cooldown.
func (m *Manager) MarkCoolingDown(index int, reason string) {
	m.mu.Lock()
	if index >= 0 && index < len(m.accounts) {
		MarkCoolingDown(&m.accounts[index], reason, time.Now().UnixMilli())
		utils.Warn("[AccountManager] Cooling down %s: %s", m.accounts[index].Display(index), reason)
	}
	m.mu.Unlock()

	m.health.RecordFailure(m.keyFor(index))
	go m.saveToDiskAsync()
}

// RecordSuccess feeds the health tracker after a request succeeds.
func (m *Manager) RecordSuccess(index int) {
	m.health.RecordSuccess(m.keyFor(index))
}

// RecordFailure feeds the health tracker after a non-429 failure.
func (m *Manager) RecordFailure(index int) {
	m.health.RecordFailure(m.keyFor(index))
}

// ConsumeBucket takes one token from the account's bucket. Returns false
// when the bucket is empty and nothing was taken.
func (m *Manager) ConsumeBucket(index int) bool {
	return m.bucket.Consume(m.keyFor(index))
}

// RefundBucket returns one token after an attempt that never counted.
func (m *Manager) RefundBucket(index int) {
	m.bucket.Refund(m.keyFor(index), 1)
}

func (m *Manager) keyFor(index int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.accounts) {
		return "unknown"
	}
	return m.accounts[index].Key(index)
}

// MinWaitMsForFamily returns the shortest wait until any account can serve
// this family and model. Zero means one is eligible now; -1 means never.
func (m *Manager) MinWaitMsForFamily(family, model string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MinWaitMs(m.accounts, family, model, time.Now().UnixMilli())
}

// RepairLegacy hydrates identity on records that predate identity tracking
// by refreshing them once. A record whose refresh grant is rejected is dead
// and gets quarantined out of the live pool; transient failures are left in
// place for the next pass. Throttled so a burst of requests does not stack
// repairs.
func (m *Manager) RepairLegacy(ctx context.Context) {
	m.mu.Lock()
	if time.Since(m.lastRepair) < time.Minute {
		m.mu.Unlock()
		return
	}
	m.lastRepair = time.Now()

	var pending []int
	for i := range m.accounts {
		if m.accounts[i].IsEnabled() && !m.accounts[i].Hydrated() && m.accounts[i].RefreshToken != "" {
			pending = append(pending, i)
		}
	}
	m.mu.Unlock()

	var dead []int
	for _, idx := range pending {
		_, err := m.RefreshWithFallback(ctx, idx)
		switch {
		case errors.Is(err, ErrRefreshFailed):
			dead = append(dead, idx)
		case err != nil:
			utils.Warn("[AccountManager] Legacy repair failed for account %d: %v", idx+1, err)
		default:
			m.mu.RLock()
			hydrated := idx < len(m.accounts) && m.accounts[idx].Hydrated()
			m.mu.RUnlock()
			if !hydrated {
				// Refresh went through but yielded no identity claims; the
				// record cannot be repaired.
				dead = append(dead, idx)
			}
		}
	}

	if len(dead) > 0 {
		m.quarantineAccounts(dead, "legacy repair: refresh rejected")
	}
}

// quarantineAccounts removes the given slots from the live pool, writes
// their records to a quarantine sibling file, and deletes them from the
// on-disk store so a merge cannot resurrect them.
func (m *Manager) quarantineAccounts(indices []int, reason string) {
	victim := make(map[int]bool, len(indices))
	for _, idx := range indices {
		victim[idx] = true
	}

	m.mu.Lock()

	var removed []Record
	newIndex := make(map[int]int, len(m.accounts))
	kept := m.accounts[:0]
	for i := range m.accounts {
		if victim[i] {
			removed = append(removed, m.accounts[i])
			continue
		}
		newIndex[i] = len(kept)
		kept = append(kept, m.accounts[i])
	}
	if len(removed) == 0 {
		m.mu.Unlock()
		return
	}
	m.accounts = kept

	tokens := make(map[int]tokenEntry, len(m.tokens))
	for i, tok := range m.tokens {
		if ni, ok := newIndex[i]; ok {
			tokens[ni] = tok
		}
	}
	m.tokens = tokens

	if ni, ok := newIndex[m.activeIndex]; ok {
		m.activeIndex = ni
	} else if len(m.accounts) == 0 {
		m.activeIndex = -1
	} else {
		m.activeIndex = 0
	}
	for family, idx := range m.activeIndexByFamily {
		if ni, ok := newIndex[idx]; ok {
			m.activeIndexByFamily[family] = ni
		} else {
			delete(m.activeIndexByFamily, family)
		}
	}
	m.mu.Unlock()

	path, err := m.storage.QuarantineRecords(removed, reason)
	if err != nil {
		utils.Error("[AccountManager] Failed to write quarantine file: %v", err)
	} else {
		utils.Warn("[AccountManager] Quarantined %d dead account(s) to %s", len(removed), path)
	}

	// A merge-based save would resurrect the records from disk, so edit the
	// latest on-disk state directly.
	deadTokens := make(map[string]bool, len(removed)*2)
	for i := range removed {
		if removed[i].RefreshToken != "" {
			deadTokens[removed[i].RefreshToken] = true
		}
		if removed[i].OriginalRefreshToken != "" {
			deadTokens[removed[i].OriginalRefreshToken] = true
		}
	}
	err = m.storage.SaveWithLock(context.Background(), func(latest *StoreFile) *StoreFile {
		keptDisk := latest.Accounts[:0]
		for i := range latest.Accounts {
			if deadTokens[latest.Accounts[i].RefreshToken] {
				continue
			}
			keptDisk = append(keptDisk, latest.Accounts[i])
		}
		latest.Accounts = keptDisk
		return latest
	})
	if err != nil {
		utils.Error("[AccountManager] Failed to save after quarantine: %v", err)
	}
}

// SaveToDisk persists the current state, merging with concurrent writers.
func (m *Manager) SaveToDisk() error {
	m.mu.RLock()
	sf := &StoreFile{
		Version:             config.StoreVersion,
		Accounts:            copyRecords(m.accounts),
		ActiveIndex:         m.activeIndex,
		ActiveIndexByFamily: make(map[string]int, len(m.activeIndexByFamily)),
	}
	for family, idx := range m.activeIndexByFamily {
		sf.ActiveIndexByFamily[family] = idx
	}
	m.mu.RUnlock()

	return m.storage.Save(context.Background(), sf)
}

func (m *Manager) saveToDiskAsync() {
	if err := m.SaveToDisk(); err != nil {
		utils.Error("[AccountManager] Failed to save account store: %v", err)
	}
}

// AddFromTokens adds an account from a completed OAuth flow. Duplicates by
// identity or refresh token update the existing record instead.
func (m *Manager) AddFromTokens(result *auth.TokenResult) (Managed, error) {
	if !result.Succeeded() || result.Refresh == "" {
		return Managed{Index: -1}, fmt.Errorf("authorization did not yield a refresh token")
	}

	id := identity.FromAccessToken(result.IDToken)
	if !id.Hydrated() {
		id = identity.FromAccessToken(result.Access)
	}

	m.mu.Lock()

	existing := -1
	for i := range m.accounts {
		rec := &m.accounts[i]
		if id.Hydrated() && rec.Hydrated() &&
			identity.AccountKey(rec.Identity(), "", -1) == identity.AccountKey(id, "", -1) {
			existing = i
			break
		}
		if rec.RefreshToken == result.Refresh {
			existing = i
			break
		}
	}

	var index int
	if existing >= 0 {
		index = existing
		rec := &m.accounts[index]
		rec.RefreshToken = result.Refresh
		if id.AccountID != "" {
			rec.AccountID = id.AccountID
		}
		if id.Email != "" {
			rec.Email = id.Email
		}
		if id.Plan != "" {
			rec.Plan = id.Plan
		}
	} else {
		if len(m.accounts) >= config.MaxAccounts {
			m.mu.Unlock()
			return Managed{Index: -1}, fmt.Errorf("maximum number of accounts (%d) reached", config.MaxAccounts)
		}
		m.accounts = append(m.accounts, Record{
			RefreshToken: result.Refresh,
			AccountID:    id.AccountID,
			Email:        id.Email,
			Plan:         id.Plan,
			AddedAt:      time.Now().UnixMilli(),
		})
		index = len(m.accounts) - 1
	}

	m.tokens[index] = tokenEntry{
		Access:    result.Access,
		IDToken:   result.IDToken,
		ExpiresAt: result.Expires,
		Source:    result.Refresh,
	}
	mg := m.managedLocked(index, false)
	m.mu.Unlock()

	// CLI path saves synchronously so the process can exit right after.
	if err := m.SaveToDisk(); err != nil {
		return mg, fmt.Errorf("failed to save account: %w", err)
	}

	if existing >= 0 {
		utils.Success("[AccountManager] Updated account: %s", mg.Display(index))
	} else {
		utils.Success("[AccountManager] Added account: %s", mg.Display(index))
	}
	return mg, nil
}

// ToggleEnabled flips the enabled flag and returns the new state.
func (m *Manager) ToggleEnabled(index int) (bool, error) {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		n := len(m.accounts)
		m.mu.Unlock()
		return false, indexRangeError(index, n)
	}
	enabled := !m.accounts[index].IsEnabled()
	m.accounts[index].SetEnabled(enabled)
	m.mu.Unlock()

	if err := m.SaveToDisk(); err != nil {
		return enabled, err
	}
	return enabled, nil
}

// SwitchActive moves the global selection cursor to index and clears the
// per-family overrides so every family starts from the new account.
func (m *Manager) SwitchActive(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		n := len(m.accounts)
		m.mu.Unlock()
		return indexRangeError(index, n)
	}
	m.activeIndex = index
	m.activeIndexByFamily = make(map[string]int)
	m.accounts[index].LastSwitchReason = "manual"
	m.mu.Unlock()

	return m.SaveToDisk()
}

// RemoveAccount deletes the account at index.
func (m *Manager) RemoveAccount(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.accounts) {
		n := len(m.accounts)
		m.mu.Unlock()
		return indexRangeError(index, n)
	}

	removed := m.accounts[index]
	m.accounts = append(m.accounts[:index], m.accounts[index+1:]...)

	// Token cache is keyed by slot; rebuild it below the removed index.
	tokens := make(map[int]tokenEntry, len(m.tokens))
	for i, tok := range m.tokens {
		switch {
		case i < index:
			tokens[i] = tok
		case i > index:
			tokens[i-1] = tok
		}
	}
	m.tokens = tokens

	if m.activeIndex >= len(m.accounts) {
		m.activeIndex = 0
	}
	for family, idx := range m.activeIndexByFamily {
		switch {
		case idx == index:
			delete(m.activeIndexByFamily, family)
		case idx > index:
			m.activeIndexByFamily[family] = idx - 1
		}
	}
	m.mu.Unlock()

	// A merge-based save would resurrect the record from disk, so removal
	// edits the latest on-disk state directly.
	removedKey := ""
	if removed.Hydrated() {
		removedKey = identity.AccountKey(removed.Identity(), "", -1)
	}
	err := m.storage.SaveWithLock(context.Background(), func(latest *StoreFile) *StoreFile {
		kept := latest.Accounts[:0]
		for i := range latest.Accounts {
			rec := latest.Accounts[i]
			if removedKey != "" && rec.Hydrated() &&
				identity.AccountKey(rec.Identity(), "", -1) == removedKey {
				continue
			}
			if removed.RefreshToken != "" && rec.RefreshToken == removed.RefreshToken {
				continue
			}
			kept = append(kept, rec)
		}
		latest.Accounts = kept
		return latest
	})
	if err != nil {
		return fmt.Errorf("failed to save after removal: %w", err)
	}

	utils.Success("[AccountManager] Removed account: %s", removed.Display(index))
	return nil
}

func indexRangeError(index, count int) error {
	if count == 0 {
		return fmt.Errorf("invalid account index %d: no accounts configured", index+1)
	}
	return fmt.Errorf("invalid account index %d: valid range is 1-%d", index+1, count)
}
