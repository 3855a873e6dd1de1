// Package identity decodes account identity from OAuth tokens and computes
// stable keys for tracker maps and telemetry snapshots.
package identity

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
)

// Claims holds the decoded JWT payload.
type Claims map[string]interface{}

// DecodeJWT decodes the payload segment of a JWT, best-effort.
// Returns nil on any failure; tokens are treated as opaque in that case.
func DecodeJWT(token string) Claims {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad; try standard base64url as a fallback.
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil
		}
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return claims
}

// authClaims returns the nested claim object under the auth namespace, if any.
func authClaims(claims Claims) map[string]interface{} {
	if claims == nil {
		return nil
	}
	if nested, ok := claims[config.AuthClaimNamespace].(map[string]interface{}); ok {
		return nested
	}
	return nil
}

func claimString(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// ExtractAccountID pulls the account id claim from a decoded token.
func ExtractAccountID(claims Claims) string {
	return claimString(authClaims(claims), "chatgpt_account_id")
}

// ExtractAccountEmail pulls the account email from a decoded token.
// Fallback order: nested email, nested chatgpt_user_email, top-level email,
// top-level preferred_username. A value without "@" is rejected.
func ExtractAccountEmail(claims Claims) string {
	nested := authClaims(claims)
	candidates := []string{
		claimString(nested, "email"),
		claimString(nested, "chatgpt_user_email"),
		claimString(claims, "email"),
		claimString(claims, "preferred_username"),
	}
	for _, c := range candidates {
		if strings.Contains(c, "@") {
			return c
		}
	}
	return ""
}

// ExtractAccountPlan pulls the subscription plan from a decoded token,
// normalized through the plan table.
func ExtractAccountPlan(claims Claims) string {
	nested := authClaims(claims)
	plan := claimString(nested, "chatgpt_plan_type")
	if plan == "" {
		plan = claimString(nested, "plan")
	}
	return NormalizePlan(plan)
}

// planTable maps known lowercase plan names to their display form.
var planTable = map[string]string{
	"plus":       "Plus",
	"team":       "Team",
	"pro":        "Pro",
	"free":       "Free",
	"business":   "Business",
	"enterprise": "Enterprise",
	"edu":        "Edu",
}

// NormalizePlan normalizes a plan name. Unknown values pass through trimmed.
func NormalizePlan(plan string) string {
	trimmed := strings.TrimSpace(plan)
	if normalized, ok := planTable[strings.ToLower(trimmed)]; ok {
		return normalized
	}
	return trimmed
}

// Identity is the triple that identifies an account once hydrated.
type Identity struct {
	AccountID string
	Email     string
	Plan      string
}

// Hydrated reports whether all three identity fields are known.
func (id Identity) Hydrated() bool {
	return id.AccountID != "" && id.Email != "" && id.Plan != ""
}

// AccountKey computes a stable string key for tracker and snapshot maps.
// Precedence: hydrated identity triple, SHA-256 of the refresh token,
// "idx:{index}", then "unknown".
func AccountKey(id Identity, refreshToken string, index int) string {
	if id.Hydrated() {
		return fmt.Sprintf("%s|%s|%s", id.AccountID, strings.ToLower(id.Email), NormalizePlan(id.Plan))
	}
	if refreshToken != "" {
		sum := sha256.Sum256([]byte(refreshToken))
		return hex.EncodeToString(sum[:])
	}
	if index >= 0 {
		return fmt.Sprintf("idx:%d", index)
	}
	return "unknown"
}

// FromAccessToken decodes an access or id token into an Identity.
func FromAccessToken(token string) Identity {
	claims := DecodeJWT(token)
	return Identity{
		AccountID: ExtractAccountID(claims),
		Email:     ExtractAccountEmail(claims),
		Plan:      ExtractAccountPlan(claims),
	}
}
