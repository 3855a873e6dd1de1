// Package auth implements the ChatGPT OAuth 2.0 PKCE flow and token refresh.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

// PKCEData contains PKCE data for the OAuth flow.
type PKCEData struct {
	Verifier  string
	Challenge string
	State     string
}

// TokenResult is the outcome of a token exchange or refresh. Type is
// "success" or "failed"; a failed result means the grant was rejected and
// the refresh token is no longer valid. Transport problems surface as an
// error instead, so callers can tell a dead token from a flaky network.
type TokenResult struct {
	Type    string
	Access  string
	Refresh string
	IDToken string
	Expires int64 // epoch ms
}

// Succeeded reports whether the grant was accepted.
func (r *TokenResult) Succeeded() bool {
	return r != nil && r.Type == "success"
}

// RefreshFunc refreshes an access token from a refresh token. The account
// manager takes this as a dependency so tests can swap in a fake.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenResult, error)

// tokenResponse is the wire shape of the token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// generatePKCE generates a PKCE code verifier, challenge, and state.
func generatePKCE() (*PKCEData, error) {
	verifierBytes := make([]byte, 32)
	if _, err := rand.Read(verifierBytes); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}
	state := fmt.Sprintf("%x", stateBytes)

	return &PKCEData{
		Verifier:  verifier,
		Challenge: challenge,
		State:     state,
	}, nil
}

// GetAuthorizationURL generates the authorization URL for ChatGPT OAuth.
// Returns the URL, PKCE data, and any error.
func GetAuthorizationURL() (string, *PKCEData, error) {
	pkce, err := generatePKCE()
	if err != nil {
		return "", nil, err
	}

	params := url.Values{}
	params.Set("client_id", config.OAuthConfig.ClientID)
	params.Set("redirect_uri", config.OAuthConfig.RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", strings.Join(config.OAuthConfig.Scopes, " "))
	params.Set("code_challenge", pkce.Challenge)
	params.Set("code_challenge_method", "S256")
	params.Set("id_token_add_organizations", "true")
	params.Set("state", pkce.State)

	authURL := fmt.Sprintf("%s?%s", config.OAuthConfig.AuthURL, params.Encode())

	return authURL, pkce, nil
}

// ExtractCodeFromInput extracts the authorization code and state from user
// input, which may be the full callback URL or just the code itself.
func ExtractCodeFromInput(input string) (code string, state string, err error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", "", fmt.Errorf("no input provided")
	}

	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", "", fmt.Errorf("invalid URL format: %w", err)
		}

		if e := u.Query().Get("error"); e != "" {
			return "", "", fmt.Errorf("OAuth error: %s", e)
		}

		code = u.Query().Get("code")
		if code == "" {
			return "", "", fmt.Errorf("no authorization code found in URL")
		}

		state = u.Query().Get("state")
		return code, state, nil
	}

	if len(input) < 10 {
		return "", "", fmt.Errorf("input is too short to be a valid authorization code")
	}

	return input, "", nil
}

// StartCallbackServer starts a local server to receive the OAuth callback
// and blocks until the code arrives or the timeout elapses.
func StartCallbackServer(expectedState string, timeout time.Duration) (string, error) {
	var code string
	var authErr error
	var once sync.Once
	done := make(chan struct{})

	mux := http.NewServeMux()
	server := &http.Server{
		Addr:    fmt.Sprintf("localhost:%d", config.OAuthConfig.CallbackPort),
		Handler: mux,
	}

	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		// Only the first callback counts; duplicates get the same page.
		once.Do(func() {
			defer close(done)

			if e := r.URL.Query().Get("error"); e != "" {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, htmlErrorPage("OAuth error: %s", e))
				authErr = fmt.Errorf("OAuth error: %s", e)
				return
			}

			state := r.URL.Query().Get("state")
			if state != expectedState {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, htmlErrorPage("State mismatch - possible CSRF attack"))
				authErr = fmt.Errorf("state mismatch")
				return
			}

			code = r.URL.Query().Get("code")
			if code == "" {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, htmlErrorPage("No authorization code received"))
				authErr = fmt.Errorf("no authorization code")
				return
			}

			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			fmt.Fprint(w, htmlSuccessPage())
		})
	})

	go func() {
		utils.Info("[OAuth] Callback server listening on port %d", config.OAuthConfig.CallbackPort)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			utils.Error("[OAuth] Server error: %v", err)
		}
	}()

	select {
	case <-done:
		// Callback received
	case <-time.After(timeout):
		authErr = fmt.Errorf("OAuth callback timeout - no response received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(ctx)

	if authErr != nil {
		return "", authErr
	}

	return code, nil
}

// ExchangeCode exchanges an authorization code for tokens.
func ExchangeCode(ctx context.Context, code, verifier string) (*TokenResult, error) {
	data := url.Values{}
	data.Set("client_id", config.OAuthConfig.ClientID)
	data.Set("code", code)
	data.Set("code_verifier", verifier)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", config.OAuthConfig.RedirectURI)

	result, err := postTokenEndpoint(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	if result.Succeeded() {
		utils.Info("[OAuth] Token exchange successful")
	}
	return result, nil
}

// RefreshAccessToken refreshes an access token using a refresh token. A
// rejected grant returns a failed TokenResult with a nil error; transport
// problems return an error.
func RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenResult, error) {
	data := url.Values{}
	data.Set("client_id", config.OAuthConfig.ClientID)
	data.Set("refresh_token", refreshToken)
	data.Set("grant_type", "refresh_token")
	data.Set("scope", "openid profile email")

	return postTokenEndpoint(ctx, data)
}

func postTokenEndpoint(ctx context.Context, data url.Values) (*TokenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, config.OAuthConfig.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	// 4xx means the grant itself was rejected. 5xx is the endpoint having a
	// bad day, which should not invalidate anything.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		utils.Warn("[OAuth] Token endpoint rejected grant: %d %s", resp.StatusCode, truncate(string(body), 200))
		return &TokenResult{Type: "failed"}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("no access token in response")
	}

	return &TokenResult{
		Type:    "success",
		Access:  tokens.AccessToken,
		Refresh: tokens.RefreshToken,
		IDToken: tokens.IDToken,
		Expires: time.Now().UnixMilli() + int64(tokens.ExpiresIn)*1000,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// HTML templates for callback pages
func htmlSuccessPage() string {
	return `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Authentication Successful</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
    <h1 style="color: #28a745;">Authentication Successful!</h1>
    <p>You can close this window and return to the terminal.</p>
    <script>setTimeout(() => window.close(), 2000);</script>
</body>
</html>`
}

func htmlErrorPage(format string, args ...interface{}) string {
	msg := fmt.Sprintf(format, args...)
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Authentication Failed</title></head>
<body style="font-family: system-ui; padding: 40px; text-align: center;">
    <h1 style="color: #dc3545;">Authentication Failed</h1>
    <p>%s</p>
    <p>You can close this window.</p>
</body>
</html>`, msg)
}
