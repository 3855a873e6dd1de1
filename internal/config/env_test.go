package config

import (
	"testing"
	"time"
)

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	if got := GetEnvInt("TEST_INT", 7); got != 42 {
		t.Errorf("got %d", got)
	}
	if got := GetEnvInt("TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("default: got %d", got)
	}

	t.Setenv("TEST_INT", "not-a-number")
	if got := GetEnvInt("TEST_INT", 7); got != 7 {
		t.Errorf("invalid value should use default, got %d", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	cases := map[string]bool{
		"true": true, "TRUE": true, "1": true,
		"false": false, "0": false,
	}
	for raw, want := range cases {
		t.Setenv("TEST_BOOL", raw)
		if got := GetEnvBool("TEST_BOOL", !want); got != want {
			t.Errorf("GetEnvBool(%q): got %v", raw, got)
		}
	}
	if got := GetEnvBool("TEST_BOOL_MISSING", true); got != true {
		t.Error("expected default true")
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	if got := GetEnvDuration("TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("got %v", got)
	}
	t.Setenv("TEST_DUR", "bogus")
	if got := GetEnvDuration("TEST_DUR", time.Second); got != time.Second {
		t.Errorf("invalid value should use default, got %v", got)
	}
}

func TestGetPort(t *testing.T) {
	t.Setenv("PORT", "")
	if got := GetPort(); got != DefaultPort {
		t.Errorf("default port: got %d", got)
	}
	t.Setenv("PORT", "9100")
	if got := GetPort(); got != 9100 {
		t.Errorf("got %d", got)
	}
}

func TestGetCORSConfig(t *testing.T) {
	t.Setenv("CORS_ENABLED", "false")
	if cfg := GetCORSConfig(); cfg.Enabled {
		t.Error("expected CORS disabled")
	}
	t.Setenv("CORS_ENABLED", "true")
	t.Setenv("CORS_ALLOW_ORIGIN", "https://example.com")
	cfg := GetCORSConfig()
	if !cfg.Enabled || cfg.AllowOrigin != "https://example.com" {
		t.Errorf("got %+v", cfg)
	}
}
