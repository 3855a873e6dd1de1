package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
)

// errInvalidAuthFormat indicates the Authorization header is present but not in Bearer format.
var errInvalidAuthFormat = errors.New("invalid authorization header format")

// APIKeyAuth validates API key authentication when PROXY_API_KEY is set.
// Supports:
//   - Header: x-api-key: <key>
//   - Header: Authorization: Bearer <key>
//
// With no PROXY_API_KEY configured the proxy runs open, which suits the
// localhost use case. The health endpoint is always exempt.
func APIKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		expectedKey := config.GetProxyAPIKey()
		if expectedKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		apiKey, err := extractAPIKey(r)
		if err != nil {
			if errors.Is(err, errInvalidAuthFormat) {
				writeAuthError(w, "Invalid Authorization header format")
				return
			}
			writeAuthError(w, "Missing API key")
			return
		}

		if apiKey == "" {
			writeAuthError(w, "Missing API key")
			return
		}

		// Constant-time comparison to prevent timing attacks.
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expectedKey)) != 1 {
			writeAuthError(w, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractAPIKey extracts the API key from the request headers.
// Returns errInvalidAuthFormat when Authorization is present but not Bearer.
func extractAPIKey(r *http.Request) (string, error) {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			return strings.TrimPrefix(authHeader, "Bearer "), nil
		}
		return "", errInvalidAuthFormat
	}

	return "", nil
}

type authErrorResponse struct {
	Error authErrorDetail `json:"error"`
}

type authErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeAuthError writes an OpenAI-compatible authentication error response.
func writeAuthError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	resp := authErrorResponse{
		Error: authErrorDetail{
			Type:    "authentication_error",
			Message: message,
		},
	}
	// If encoding fails the response is already on the wire.
	_ = json.NewEncoder(w).Encode(resp)
}
