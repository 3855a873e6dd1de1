package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func upstreamResponse(status int, header http.Header, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestRelayResponse_CopiesStatusHeadersAndBody(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("X-Request-Id", "upstream-id")
	resp := upstreamResponse(http.StatusCreated, header, `{"ok": true}`)

	w := httptest.NewRecorder()
	RelayResponse(w, resp)

	if w.Code != http.StatusCreated {
		t.Errorf("status: %d", w.Code)
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type: %q", w.Header().Get("Content-Type"))
	}
	if w.Body.String() != `{"ok": true}` {
		t.Errorf("body: %q", w.Body.String())
	}
}

func TestRelayResponse_StripsHopByHopHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Connection", "keep-alive")
	header.Set("Transfer-Encoding", "chunked")
	header.Set("Keep-Alive", "timeout=5")
	header.Set("Content-Type", "application/json")
	resp := upstreamResponse(http.StatusOK, header, "{}")

	w := httptest.NewRecorder()
	RelayResponse(w, resp)

	for _, h := range []string{"Connection", "Transfer-Encoding", "Keep-Alive"} {
		if w.Header().Get(h) != "" {
			t.Errorf("%s leaked through", h)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("end-to-end header dropped")
	}
}

func TestRelayResponse_EventStreamDisablesBuffering(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	resp := upstreamResponse(http.StatusOK, header, "data: {}\n\n")

	w := httptest.NewRecorder()
	RelayResponse(w, resp)

	if w.Header().Get("X-Accel-Buffering") != "no" {
		t.Error("buffering hint missing for SSE")
	}
	if !w.Flushed {
		t.Error("stream chunks should be flushed")
	}
}
