package codex

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
)

// TelemetrySink receives token_count telemetry parsed out of the SSE stream.
type TelemetrySink interface {
	ApplyRateLimits(key string, raw []byte)
}

// sseTap wraps a streaming response body and inspects the bytes as they
// pass through. Lines carrying token_count events feed the telemetry sink;
// the client sees the stream unchanged. The internal line buffer is bounded
// so a degenerate stream with no newlines cannot grow it without limit.
type sseTap struct {
	body       io.ReadCloser
	sink       TelemetrySink
	accountKey string

	buf       bytes.Buffer
	truncated bool
}

// newSSETap wraps body. A nil sink passes the stream through untouched.
func newSSETap(body io.ReadCloser, sink TelemetrySink, accountKey string) io.ReadCloser {
	if sink == nil {
		return body
	}
	return &sseTap{body: body, sink: sink, accountKey: accountKey}
}

func (t *sseTap) Read(p []byte) (int, error) {
	n, err := t.body.Read(p)
	if n > 0 {
		t.scan(p[:n])
	}
	return n, err
}

func (t *sseTap) Close() error {
	return t.body.Close()
}

// scan appends chunk to the line buffer and processes complete lines.
func (t *sseTap) scan(chunk []byte) {
	t.buf.Write(chunk)

	for {
		data := t.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx]
		if !t.truncated {
			t.handleLine(line)
		}
		t.truncated = false
		t.buf.Next(idx + 1)
	}

	// Cap the partial line; keep the newest bytes so a later newline still
	// resynchronizes, but drop the now-incomplete line from parsing.
	if t.buf.Len() > config.TapBufferCeiling {
		data := t.buf.Bytes()
		keep := make([]byte, config.TapBufferRetain)
		copy(keep, data[len(data)-config.TapBufferRetain:])
		t.buf.Reset()
		t.buf.Write(keep)
		t.truncated = true
	}
}

func (t *sseTap) handleLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	payload, ok := bytes.CutPrefix(line, []byte("data: "))
	if !ok {
		payload, ok = bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			return
		}
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || payload[0] != '{' {
		return
	}

	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	if probe.Type != "token_count" {
		return
	}

	// The sink gets its own copy; the slice aliases the read buffer.
	raw := make([]byte, len(payload))
	copy(raw, payload)
	t.sink.ApplyRateLimits(t.accountKey, raw)
}
