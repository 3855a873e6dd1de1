package account

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("CODEX_PROXY_LEGACY_STORE", filepath.Join(tmp, "legacy-absent.json"))
	return NewStorage(filepath.Join(tmp, "accounts.json"))
}

func futureMs(d time.Duration) int64 {
	return time.Now().Add(d).UnixMilli()
}

func TestStorageLoad_MissingFileReturnsNil(t *testing.T) {
	s := newTestStorage(t)
	sf, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sf != nil {
		t.Fatalf("expected nil for missing file, got %+v", sf)
	}
}

func TestStorageLoad_BareArrayShape(t *testing.T) {
	s := newTestStorage(t)
	content := `[{"refresh_token":"rt-1","email":"a@example.com"}]`
	if err := os.WriteFile(s.Path(), []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sf, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(sf.Accounts) != 1 || sf.Accounts[0].RefreshToken != "rt-1" {
		t.Fatalf("accounts: %+v", sf.Accounts)
	}
	if sf.Version != 3 {
		t.Errorf("version: got %d", sf.Version)
	}
}

func TestStorageLoad_VersionlessObjectShape(t *testing.T) {
	s := newTestStorage(t)
	content := `{"accounts":[{"refresh_token":"rt-1"}],"active_index":0}`
	if err := os.WriteFile(s.Path(), []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sf, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sf.Version != 3 {
		t.Errorf("version: got %d", sf.Version)
	}
	if len(sf.Accounts) != 1 {
		t.Fatalf("accounts: %+v", sf.Accounts)
	}
}

func TestStorageLoad_CorruptFileQuarantined(t *testing.T) {
	s := newTestStorage(t)
	if err := os.WriteFile(s.Path(), []byte("{corrupt"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := s.Load(); err == nil {
		t.Fatal("expected error for corrupt file")
	}

	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("corrupt file should have been moved aside")
	}
	matches, _ := filepath.Glob(s.Path() + ".quarantine-*.json")
	if len(matches) != 1 {
		t.Fatalf("expected one quarantine file, got %v", matches)
	}
}

func TestStorageLoad_ClearsExpiredResetTimes(t *testing.T) {
	s := newTestStorage(t)
	sf := NewStoreFile()
	sf.Accounts = []Record{{
		RefreshToken: "rt-1",
		RateLimitResetTimes: map[string]int64{
			"codex":   time.Now().Add(-time.Minute).UnixMilli(),
			"gpt-5.1": futureMs(time.Hour),
		},
		CoolingDownUntil: time.Now().Add(-time.Minute).UnixMilli(),
		CooldownReason:   "auth-failure",
	}}
	data, _ := json.Marshal(sf)
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := loaded.Accounts[0]
	if _, ok := rec.RateLimitResetTimes["codex"]; ok {
		t.Error("expired reset time should be dropped")
	}
	if _, ok := rec.RateLimitResetTimes["gpt-5.1"]; !ok {
		t.Error("future reset time should survive")
	}
	if rec.CoolingDownUntil != 0 || rec.CooldownReason != "" {
		t.Errorf("expired cooldown should clear, got %d %q", rec.CoolingDownUntil, rec.CooldownReason)
	}
}

func TestDedupRecords_MergesByIdentityAndRefreshToken(t *testing.T) {
	accounts := []Record{
		{RefreshToken: "rt-a", AccountID: "id-1", Email: "a@x.com", Plan: "Plus", AddedAt: 100, LastUsed: 500},
		{RefreshToken: "rt-b"},
		// Same identity as the first, different refresh token.
		{RefreshToken: "rt-c", AccountID: "id-1", Email: "a@x.com", Plan: "Plus", AddedAt: 50, LastUsed: 900},
		// Same refresh token as the second.
		{RefreshToken: "rt-b", Email: "b@x.com"},
	}

	deduped, remap := dedupRecords(accounts)
	if len(deduped) != 2 {
		t.Fatalf("expected 2 records, got %d", len(deduped))
	}
	if remap[0] != 0 || remap[2] != 0 || remap[1] != 1 || remap[3] != 1 {
		t.Errorf("remap: %v", remap)
	}

	merged := deduped[0]
	if merged.AddedAt != 50 {
		t.Errorf("added_at should be the earliest, got %d", merged.AddedAt)
	}
	if merged.LastUsed != 900 {
		t.Errorf("last_used should be the latest, got %d", merged.LastUsed)
	}
	if merged.RefreshToken != "rt-c" {
		t.Errorf("token with the newer last_used should win, got %q", merged.RefreshToken)
	}
	if deduped[1].Email != "b@x.com" {
		t.Errorf("missing field should fill from duplicate, got %q", deduped[1].Email)
	}
}

func TestMergeRecords_ResetTimesTakePerKeyMax(t *testing.T) {
	a := Record{RefreshToken: "rt", RateLimitResetTimes: map[string]int64{"codex": 100, "gpt-5.1": 300}}
	b := Record{RefreshToken: "rt", RateLimitResetTimes: map[string]int64{"codex": 200}}

	out := mergeRecords(a, b)
	if out.RateLimitResetTimes["codex"] != 200 {
		t.Errorf("codex: got %d", out.RateLimitResetTimes["codex"])
	}
	if out.RateLimitResetTimes["gpt-5.1"] != 300 {
		t.Errorf("gpt-5.1: got %d", out.RateLimitResetTimes["gpt-5.1"])
	}
}

func TestMergeStores_WriterChangesSurvive(t *testing.T) {
	disabled := false
	latest := &StoreFile{
		Version: 3,
		Accounts: []Record{
			{RefreshToken: "rt-old", AccountID: "id-1", Email: "a@x.com", Plan: "Plus"},
		},
	}
	mine := &StoreFile{
		Version: 3,
		Accounts: []Record{
			// Same identity; the writer read rt-old off disk, rotated it to
			// rt-new, and disabled the account.
			{RefreshToken: "rt-new", OriginalRefreshToken: "rt-old",
				AccountID: "id-1", Email: "a@x.com", Plan: "Plus", Enabled: &disabled},
		},
	}

	out := MergeStores(latest, mine)
	if len(out.Accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(out.Accounts))
	}
	if out.Accounts[0].RefreshToken != "rt-new" {
		t.Errorf("rotated token should win, got %q", out.Accounts[0].RefreshToken)
	}
	if out.Accounts[0].IsEnabled() {
		t.Error("writer's disable should survive the merge")
	}
}

func TestMergeStores_StaleWriterTokenLoses(t *testing.T) {
	// Another process rotated the token and used the account after this
	// writer loaded its copy. The writer's unrotated token is dead and must
	// not clobber the live one.
	latest := &StoreFile{
		Version: 3,
		Accounts: []Record{
			{RefreshToken: "rt-live", AccountID: "id-1", Email: "a@x.com", Plan: "Plus", LastUsed: 200},
		},
	}
	mine := &StoreFile{
		Version: 3,
		Accounts: []Record{
			{RefreshToken: "rt-stale", OriginalRefreshToken: "rt-stale",
				AccountID: "id-1", Email: "a@x.com", Plan: "Plus", LastUsed: 100},
		},
	}

	out := MergeStores(latest, mine)
	if len(out.Accounts) != 1 || out.Accounts[0].RefreshToken != "rt-live" {
		t.Errorf("disk token should win over a stale writer: %+v", out.Accounts)
	}
}

func TestMergeStores_RotatedTokenNeedsNewerLastUsed(t *testing.T) {
	// A rotated claim from a writer that has not touched the account since
	// the other side used it yields to the more recent activity.
	latest := &StoreFile{
		Version: 3,
		Accounts: []Record{
			{RefreshToken: "rt-live", AccountID: "id-1", Email: "a@x.com", Plan: "Plus", LastUsed: 500},
		},
	}
	mine := &StoreFile{
		Version: 3,
		Accounts: []Record{
			{RefreshToken: "rt-rotated", OriginalRefreshToken: "rt-old",
				AccountID: "id-1", Email: "a@x.com", Plan: "Plus", LastUsed: 100},
		},
	}

	out := MergeStores(latest, mine)
	if out.Accounts[0].RefreshToken != "rt-live" {
		t.Errorf("older rotated claim should lose, got %q", out.Accounts[0].RefreshToken)
	}
}

func TestMergeStores_KeepsUnmatchedFromBothSides(t *testing.T) {
	latest := &StoreFile{Version: 3, Accounts: []Record{{RefreshToken: "rt-disk"}}}
	mine := &StoreFile{Version: 3, Accounts: []Record{{RefreshToken: "rt-mem"}}}

	out := MergeStores(latest, mine)
	if len(out.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(out.Accounts))
	}
}

func TestSaveWithLock_RoundTrip(t *testing.T) {
	s := newTestStorage(t)

	sf := NewStoreFile()
	sf.Accounts = []Record{{RefreshToken: "rt-1", Email: "a@x.com"}}
	sf.ActiveIndex = 0

	if err := s.Save(context.Background(), sf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Accounts) != 1 || loaded.Accounts[0].RefreshToken != "rt-1" {
		t.Fatalf("round trip: %+v", loaded.Accounts)
	}

	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("store file mode: got %o, want 600", perm)
	}
}

func TestSaveWithLock_NilTransformWritesNothing(t *testing.T) {
	s := newTestStorage(t)
	if err := s.SaveWithLock(context.Background(), func(latest *StoreFile) *StoreFile {
		return nil
	}); err != nil {
		t.Fatalf("SaveWithLock: %v", err)
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Error("nil transform should not create the store file")
	}
}

func TestLegacyMigration_RunsOnceAndRenames(t *testing.T) {
	tmp := t.TempDir()
	legacyPath := filepath.Join(tmp, "legacy.json")
	t.Setenv("CODEX_PROXY_LEGACY_STORE", legacyPath)

	legacy := `[{"refresh_token":"rt-legacy","email":"old@x.com"}]`
	if err := os.WriteFile(legacyPath, []byte(legacy), 0600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}

	s := NewStorage(filepath.Join(tmp, "accounts.json"))
	if err := s.SaveWithLock(context.Background(), func(latest *StoreFile) *StoreFile {
		return nil
	}); err != nil {
		t.Fatalf("SaveWithLock: %v", err)
	}

	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Accounts) != 1 || loaded.Accounts[0].RefreshToken != "rt-legacy" {
		t.Fatalf("migrated accounts: %+v", loaded.Accounts)
	}

	if _, err := os.Stat(legacyPath); !os.IsNotExist(err) {
		t.Error("legacy file should have been renamed")
	}
	if _, err := os.Stat(legacyPath + ".migrated"); err != nil {
		t.Errorf("renamed legacy file missing: %v", err)
	}
}

func TestInspect(t *testing.T) {
	s := newTestStorage(t)

	shape, count, err := s.Inspect()
	if err != nil || shape != "missing" || count != 0 {
		t.Errorf("missing: %q %d %v", shape, count, err)
	}

	os.WriteFile(s.Path(), []byte(`[{"refresh_token":"rt"}]`), 0600)
	shape, count, err = s.Inspect()
	if err != nil || shape != "array" || count != 1 {
		t.Errorf("array: %q %d %v", shape, count, err)
	}

	os.WriteFile(s.Path(), []byte(`{"version":3,"accounts":[],"active_index":0}`), 0600)
	shape, count, err = s.Inspect()
	if err != nil || shape != "v3" || count != 0 {
		t.Errorf("versioned: %q %d %v", shape, count, err)
	}

	os.WriteFile(s.Path(), []byte("{corrupt"), 0600)
	if _, _, err = s.Inspect(); err == nil {
		t.Error("expected error for corrupt file")
	}
}

func TestQuarantine_PrunesOldFiles(t *testing.T) {
	s := newTestStorage(t)

	for i := 0; i < 25; i++ {
		if err := os.WriteFile(s.Path(), []byte("{corrupt"), 0600); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := s.Quarantine(); err != nil {
			t.Fatalf("Quarantine: %v", err)
		}
		// Quarantine names carry millisecond timestamps.
		time.Sleep(2 * time.Millisecond)
	}

	matches, _ := filepath.Glob(s.Path() + ".quarantine-*.json")
	if len(matches) > 20 {
		t.Errorf("expected at most 20 quarantine files, got %d", len(matches))
	}
}

func TestStorageLoad_EmptyStoreHasNoActiveIndex(t *testing.T) {
	s := newTestStorage(t)
	content := `{"version":3,"accounts":[],"active_index":2}`
	if err := os.WriteFile(s.Path(), []byte(content), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	sf, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sf.ActiveIndex != -1 {
		t.Errorf("empty store must not point at an account, got %d", sf.ActiveIndex)
	}
}

func TestQuarantineRecords_WritesSiblingFile(t *testing.T) {
	s := newTestStorage(t)

	qpath, err := s.QuarantineRecords([]Record{{RefreshToken: "rt-dead", Email: "dead@x.com"}}, "refresh rejected")
	if err != nil {
		t.Fatalf("QuarantineRecords: %v", err)
	}
	if !strings.Contains(qpath, ".quarantine-") {
		t.Errorf("path: %q", qpath)
	}

	data, err := os.ReadFile(qpath)
	if err != nil {
		t.Fatalf("read quarantine file: %v", err)
	}
	var payload struct {
		Reason   string   `json:"reason"`
		Accounts []Record `json:"accounts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Reason != "refresh rejected" || len(payload.Accounts) != 1 ||
		payload.Accounts[0].RefreshToken != "rt-dead" {
		t.Errorf("payload: %+v", payload)
	}

	// Nothing to quarantine, nothing written.
	qpath, err = s.QuarantineRecords(nil, "noop")
	if err != nil || qpath != "" {
		t.Errorf("empty quarantine: %q %v", qpath, err)
	}
}

func TestRecordDisplay(t *testing.T) {
	rec := Record{Email: "user@x.com", Plan: "Plus"}
	if got := rec.Display(0); got != "user@x.com (Plus)" {
		t.Errorf("got %q", got)
	}
	rec = Record{}
	if got := rec.Display(2); !strings.Contains(got, "#3") {
		t.Errorf("anonymous display should use 1-based index, got %q", got)
	}
}
