package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := []struct {
		errType ErrorType
		want    int
	}{
		{ErrorTypeInvalidRequest, http.StatusBadRequest},
		{ErrorTypeAuthentication, http.StatusUnauthorized},
		{ErrorTypePermission, http.StatusForbidden},
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeRateLimit, http.StatusTooManyRequests},
		{ErrorTypeOverloaded, http.StatusServiceUnavailable},
		{ErrorTypeAPI, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := NewError(tc.errType, "x").StatusCode(); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.errType, got, tc.want)
		}
	}

	withOverride := NewError(ErrorTypeAPI, "x")
	withOverride.HTTPStatus = 499
	if withOverride.StatusCode() != 499 {
		t.Errorf("override: got %d", withOverride.StatusCode())
	}
}

func TestToJSON(t *testing.T) {
	data := RateLimited("slow down").ToJSON()

	var decoded struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Error.Type != "rate_limit_error" || decoded.Error.Message != "slow down" {
		t.Errorf("got %+v", decoded)
	}
}

func TestFromError_PassesAPIErrorThrough(t *testing.T) {
	original := InvalidRequest("bad payload")
	if got := FromError(original); got != original {
		t.Error("APIError should pass through unchanged")
	}
	if FromError(nil) != nil {
		t.Error("nil should stay nil")
	}
}

func TestFromError_Classification(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorType
	}{
		{errors.New("rate limit exceeded"), ErrorTypeRateLimit},
		{errors.New("upstream returned 429"), ErrorTypeRateLimit},
		{errors.New("token refresh failed"), ErrorTypeAuthentication},
		{errors.New("upstream returned 503"), ErrorTypeOverloaded},
		{errors.New("model not found"), ErrorTypeNotFound},
		{errors.New("invalid JSON body"), ErrorTypeInvalidRequest},
		{errors.New("something odd"), ErrorTypeAPI},
	}
	for _, tc := range cases {
		if got := FromError(tc.err).Detail.Type; got != tc.want {
			t.Errorf("%q: got %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestFromError_ContextStates(t *testing.T) {
	canceled := FromError(context.Canceled)
	if canceled.StatusCode() != 499 {
		t.Errorf("canceled: %d", canceled.StatusCode())
	}

	deadline := FromError(context.DeadlineExceeded)
	if deadline.StatusCode() != http.StatusGatewayTimeout {
		t.Errorf("deadline: %d", deadline.StatusCode())
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("disk full")
	wrapped := Wrap(base, "save store")
	if !errors.Is(wrapped, base) {
		t.Error("wrapped error lost the cause")
	}
	if wrapped.Error() != fmt.Sprintf("save store: %v", base) {
		t.Errorf("got %q", wrapped.Error())
	}
	if Wrap(nil, "x") != nil {
		t.Error("nil should stay nil")
	}
}
