// Package codex dispatches proxied requests to the Codex backend across the
// account pool: selection, token freshness, rate-limit handling, and the
// switch-or-wait decision live here.
package codex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
	"github.com/kuzerno1/multi-codex-proxy/internal/ratelimit"
)

// RateLimitError is a 429 (or capacity response) from the backend.
type RateLimitError struct {
	StatusCode   int
	Reason       ratelimit.Reason
	RetryAfterMs int64
	Body         string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s, status %d)", e.Reason, e.StatusCode)
}

// HTTPStatusError is a non-429 upstream failure.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.StatusCode)
}

// Client performs a single upstream request with one account's credentials.
type Client struct {
	httpClient *http.Client
	baseURL    string

	// codexHeaders controls the CLI-identifying header overlay. Off, the
	// proxy forwards requests with credentials only.
	codexHeaders bool
}

// NewClient creates a Client. A nil httpClient gets a streaming-friendly
// default with no overall timeout; per-request deadlines come from the
// context.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      config.CodexBaseURL,
		codexHeaders: true,
	}
}

// Do forwards the request upstream with the account's access token and the
// Codex header overlay. 429 and capacity statuses come back as
// *RateLimitError, other failures as *HTTPStatusError; a nil error means
// the caller owns the response body.
func (c *Client) Do(ctx context.Context, path, method string, header http.Header, body []byte, accessToken, accountID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	copyClientHeaders(req.Header, header)

	req.Header.Set("Authorization", "Bearer "+accessToken)
	if accountID != "" {
		req.Header.Set(config.AccountIDHeader, accountID)
	}
	if c.codexHeaders {
		for k, v := range config.GetCodexHeaders() {
			req.Header.Set(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == 529 {
		bodyText := readLimited(resp.Body, 8192)
		resp.Body.Close()
		return resp, &RateLimitError{
			StatusCode:   resp.StatusCode,
			Reason:       ratelimit.ClassifyReason(resp.StatusCode, bodyText),
			RetryAfterMs: ratelimit.ParseRetryAfter(resp.Header, bodyText),
			Body:         bodyText,
		}
	}

	if resp.StatusCode >= 400 {
		bodyText := readLimited(resp.Body, 8192)
		resp.Body.Close()
		return resp, &HTTPStatusError{StatusCode: resp.StatusCode, Body: bodyText}
	}

	return resp, nil
}

// copyClientHeaders forwards the caller's headers minus the hop-by-hop and
// credential headers the proxy owns.
func copyClientHeaders(dst, src http.Header) {
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Authorization", "Host", "Content-Length", "Connection",
			"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
			http.CanonicalHeaderKey(config.AccountIDHeader):
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func readLimited(r io.Reader, n int64) string {
	data, _ := io.ReadAll(io.LimitReader(r, n))
	return string(data)
}
