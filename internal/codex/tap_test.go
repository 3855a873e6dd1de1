package codex

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/kuzerno1/multi-codex-proxy/internal/config"
)

type recordingSink struct {
	keys     []string
	payloads [][]byte
}

func (s *recordingSink) ApplyRateLimits(key string, raw []byte) {
	s.keys = append(s.keys, key)
	s.payloads = append(s.payloads, raw)
}

func drain(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestSSETap_ExtractsTokenCount(t *testing.T) {
	stream := "event: message\n" +
		"data: {\"type\": \"response.delta\", \"delta\": \"hi\"}\n" +
		"data: {\"type\": \"token_count\", \"rate_limits\": {\"primary\": {\"used_percent\": 12}}}\n" +
		"data: [DONE]\n"

	sink := &recordingSink{}
	tap := newSSETap(io.NopCloser(strings.NewReader(stream)), sink, "acct-key")

	got := drain(t, tap)
	if got != stream {
		t.Error("stream altered by tap")
	}
	if len(sink.payloads) != 1 {
		t.Fatalf("payloads: got %d", len(sink.payloads))
	}
	if sink.keys[0] != "acct-key" {
		t.Errorf("key: got %q", sink.keys[0])
	}
	if !bytes.Contains(sink.payloads[0], []byte(`"used_percent": 12`)) {
		t.Errorf("payload: %s", sink.payloads[0])
	}
}

func TestSSETap_LineSplitAcrossReads(t *testing.T) {
	line := `data: {"type": "token_count", "rate_limits": {"primary": {"used_percent": 50}}}` + "\n"

	sink := &recordingSink{}
	tap := newSSETap(io.NopCloser(strings.NewReader(line)), sink, "k").(*sseTap)

	// Feed the line one byte at a time through the tap's reader.
	buf := make([]byte, 1)
	for {
		_, err := tap.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}

	if len(sink.payloads) != 1 {
		t.Fatalf("payloads: got %d", len(sink.payloads))
	}
}

func TestSSETap_IgnoresNonDataLines(t *testing.T) {
	stream := ": comment\n" +
		"event: token_count\n" +
		"data: not json\n" +
		"data: {\"type\": \"other\"}\n" +
		"\n"

	sink := &recordingSink{}
	tap := newSSETap(io.NopCloser(strings.NewReader(stream)), sink, "k")
	drain(t, tap)

	if len(sink.payloads) != 0 {
		t.Errorf("payloads: got %d", len(sink.payloads))
	}
}

func TestSSETap_NilSinkPassesThrough(t *testing.T) {
	body := io.NopCloser(strings.NewReader("x"))
	if got := newSSETap(body, nil, "k"); got != body {
		t.Error("expected the body back unchanged")
	}
}

func TestSSETap_PayloadIsACopy(t *testing.T) {
	stream := "data: {\"type\": \"token_count\", \"n\": 1}\n" +
		"data: {\"type\": \"token_count\", \"n\": 2}\n"

	sink := &recordingSink{}
	tap := newSSETap(io.NopCloser(strings.NewReader(stream)), sink, "k")
	drain(t, tap)

	if len(sink.payloads) != 2 {
		t.Fatalf("payloads: got %d", len(sink.payloads))
	}
	if !bytes.Contains(sink.payloads[0], []byte(`"n": 1`)) {
		t.Errorf("first payload mutated: %s", sink.payloads[0])
	}
}

func TestSSETap_OversizedLineTruncatedThenResyncs(t *testing.T) {
	// A single line larger than the buffer ceiling must not be parsed, and
	// the following well-formed line must still get through.
	giant := "data: {\"type\": \"token_count\", \"pad\": \"" +
		strings.Repeat("a", config.TapBufferCeiling+1024) + "\"}\n"
	follow := "data: {\"type\": \"token_count\", \"ok\": true}\n"

	sink := &recordingSink{}
	tap := newSSETap(io.NopCloser(strings.NewReader(giant+follow)), sink, "k")
	drain(t, tap)

	if len(sink.payloads) != 1 {
		t.Fatalf("payloads: got %d", len(sink.payloads))
	}
	if !bytes.Contains(sink.payloads[0], []byte(`"ok": true`)) {
		t.Errorf("wrong payload survived: %.80s", sink.payloads[0])
	}
}
