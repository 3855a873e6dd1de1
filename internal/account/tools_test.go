package account

import (
	"strings"
	"testing"
	"time"
)

func TestRenderList_Empty(t *testing.T) {
	if got := RenderList(nil, 0); !strings.Contains(got, "No accounts configured") {
		t.Errorf("got %q", got)
	}
}

func TestRenderList_MarksActiveAndStates(t *testing.T) {
	nowMs := time.Now().UnixMilli()
	disabled := Record{RefreshToken: "rt-3", Email: "c@example.com"}
	disabled.SetEnabled(false)
	accounts := []Record{
		{RefreshToken: "rt-1", Email: "a@example.com", Plan: "Plus"},
		{RefreshToken: "rt-2", Email: "b@example.com",
			RateLimitResetTimes: map[string]int64{"codex": nowMs + 65000}},
		disabled,
	}

	got := RenderList(accounts, 0)
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines: %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "* 1. a@example.com (Plus) [ready]") {
		t.Errorf("active line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "rate limited (codex resets in 1m5s)") {
		t.Errorf("limited line: %q", lines[1])
	}
	if !strings.Contains(lines[2], "[disabled]") {
		t.Errorf("disabled line: %q", lines[2])
	}
}

func TestRenderStatus(t *testing.T) {
	nowMs := time.Now().UnixMilli()
	rec := Record{
		RefreshToken:     "rt-1",
		AccountID:        "acct-1",
		Email:            "a@example.com",
		Plan:             "Pro",
		AddedAt:          nowMs - 1000,
		LastUsed:         nowMs - 500,
		LastSwitchReason: "manual",
		CoolingDownUntil: nowMs + 30000,
		CooldownReason:   "auth-failure",
	}

	got := RenderStatus(&rec, 0, 0)
	for _, want := range []string{
		"Account 1: a@example.com (Pro)",
		"account id: acct-1",
		"enabled: true",
		"active: true",
		"last switch reason: manual",
		"cooldown: auth-failure",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}
}

func TestSwitchAndToggleTools(t *testing.T) {
	m := seedManager(t, []Record{
		{RefreshToken: "rt-1", Email: "a@example.com"},
		{RefreshToken: "rt-2", Email: "b@example.com"},
	}, nil)

	msg, err := SwitchTool(m, 2)
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if !strings.Contains(msg, "Switched active account to 2") {
		t.Errorf("got %q", msg)
	}

	msg, err = ToggleTool(m, 1)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !strings.Contains(msg, "now disabled") {
		t.Errorf("got %q", msg)
	}

	if _, err := SwitchTool(m, 9); err == nil {
		t.Error("expected range error")
	}
}

func TestRemoveTool(t *testing.T) {
	m := seedManager(t, []Record{
		{RefreshToken: "rt-1", Email: "a@example.com"},
	}, nil)

	msg, err := RemoveTool(m, 1)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !strings.Contains(msg, "Removed account 1 (a@example.com)") {
		t.Errorf("got %q", msg)
	}
	if m.TotalAccounts() != 0 {
		t.Errorf("count: %d", m.TotalAccounts())
	}

	if _, err := RemoveTool(m, 1); err == nil {
		t.Error("expected range error on empty pool")
	}
}

func TestStatusTool(t *testing.T) {
	m := seedManager(t, []Record{{RefreshToken: "rt-1", Email: "a@example.com"}}, nil)

	got, err := StatusTool(m, 1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(got, "Account 1: a@example.com") {
		t.Errorf("got %q", got)
	}

	if _, err := StatusTool(m, 0); err == nil {
		t.Error("expected range error")
	}
}
