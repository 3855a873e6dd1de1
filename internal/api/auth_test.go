package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func authRequest(t *testing.T, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/responses", nil)
	if mutate != nil {
		mutate(r)
	}
	w := httptest.NewRecorder()
	APIKeyAuth(okHandler()).ServeHTTP(w, r)
	return w
}

func authErrorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp authErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Error.Type
}

func TestAPIKeyAuth_OpenWithoutConfiguredKey(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "")
	if w := authRequest(t, nil); w.Code != http.StatusOK {
		t.Errorf("status: %d", w.Code)
	}
}

func TestAPIKeyAuth_XAPIKeyHeader(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "secret")

	w := authRequest(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "secret")
	})
	if w.Code != http.StatusOK {
		t.Errorf("valid key: %d", w.Code)
	}

	w = authRequest(t, func(r *http.Request) {
		r.Header.Set("x-api-key", "wrong")
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid key: %d", w.Code)
	}
	if authErrorType(t, w) != "authentication_error" {
		t.Errorf("error type: %q", authErrorType(t, w))
	}
}

func TestAPIKeyAuth_BearerHeader(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "secret")

	w := authRequest(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
	})
	if w.Code != http.StatusOK {
		t.Errorf("valid bearer: %d", w.Code)
	}
}

func TestAPIKeyAuth_MalformedAuthorization(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "secret")

	w := authRequest(t, func(r *http.Request) {
		r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status: %d", w.Code)
	}
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "secret")
	if w := authRequest(t, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("status: %d", w.Code)
	}
}

func TestAPIKeyAuth_HealthExempt(t *testing.T) {
	t.Setenv("PROXY_API_KEY", "secret")

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	APIKeyAuth(okHandler()).ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Errorf("status: %d", w.Code)
	}
}
