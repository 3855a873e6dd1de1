package identity

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

// makeJWT builds an unsigned JWT with the given payload claims.
func makeJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	body := base64.RawURLEncoding.EncodeToString(payload)
	return header + "." + body + ".sig"
}

func TestDecodeJWT_RejectsMalformedTokens(t *testing.T) {
	cases := []string{"", "not-a-jwt", "a.b", "a.!!!.c"}
	for _, tok := range cases {
		if claims := DecodeJWT(tok); claims != nil {
			t.Errorf("DecodeJWT(%q): expected nil, got %v", tok, claims)
		}
	}
}

func TestFromAccessToken_ExtractsNamespacedClaims(t *testing.T) {
	token := makeJWT(t, map[string]interface{}{
		"https://api.openai.com/auth": map[string]interface{}{
			"chatgpt_account_id": "acct-123",
			"chatgpt_plan_type":  "plus",
			"email":              "user@example.com",
		},
	})

	id := FromAccessToken(token)
	if id.AccountID != "acct-123" {
		t.Errorf("AccountID: got %q", id.AccountID)
	}
	if id.Email != "user@example.com" {
		t.Errorf("Email: got %q", id.Email)
	}
	if id.Plan != "Plus" {
		t.Errorf("Plan: got %q, want normalized Plus", id.Plan)
	}
	if !id.Hydrated() {
		t.Error("expected hydrated identity")
	}
}

func TestExtractAccountEmail_FallbackOrder(t *testing.T) {
	// Top-level email is used when the namespace has none.
	claims := DecodeJWT(makeJWT(t, map[string]interface{}{
		"email": "top@example.com",
	}))
	if got := ExtractAccountEmail(claims); got != "top@example.com" {
		t.Errorf("top-level email: got %q", got)
	}

	// A value without @ is rejected.
	claims = DecodeJWT(makeJWT(t, map[string]interface{}{
		"email":              "not-an-email",
		"preferred_username": "user@example.com",
	}))
	if got := ExtractAccountEmail(claims); got != "user@example.com" {
		t.Errorf("preferred_username fallback: got %q", got)
	}
}

func TestNormalizePlan(t *testing.T) {
	cases := map[string]string{
		"plus":       "Plus",
		"PRO":        "Pro",
		"  team  ":   "Team",
		"enterprise": "Enterprise",
		"custom":     "custom",
		"":           "",
	}
	for in, want := range cases {
		if got := NormalizePlan(in); got != want {
			t.Errorf("NormalizePlan(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestAccountKey_Precedence(t *testing.T) {
	full := Identity{AccountID: "acct", Email: "User@Example.com", Plan: "plus"}
	key := AccountKey(full, "rt", 3)
	if key != "acct|user@example.com|Plus" {
		t.Errorf("hydrated key: got %q", key)
	}

	// Refresh token hash when identity is incomplete.
	partial := Identity{Email: "user@example.com"}
	hashed := AccountKey(partial, "refresh-token", 3)
	if len(hashed) != 64 || strings.Contains(hashed, "|") {
		t.Errorf("expected sha256 hex key, got %q", hashed)
	}
	if hashed != AccountKey(Identity{}, "refresh-token", -1) {
		t.Error("same refresh token should produce the same key")
	}

	if got := AccountKey(Identity{}, "", 5); got != "idx:5" {
		t.Errorf("index key: got %q", got)
	}
	if got := AccountKey(Identity{}, "", -1); got != "unknown" {
		t.Errorf("fallback key: got %q", got)
	}
}
