// Package ratelimit tracks per-quota-key backoff state for upstream 429s.
package ratelimit

import (
	"math/rand"
	"sync"
	"time"
)

// Config controls dedup, reset, and backoff behavior.
type Config struct {
	DedupWindowMs       int64
	ResetWindowMs       int64
	DefaultRetryAfterMs int64
	MaxBackoffMs        int64
	JitterMaxMs         int64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DedupWindowMs:       2000,
		ResetWindowMs:       120000,
		DefaultRetryAfterMs: 60000,
		MaxBackoffMs:        120000,
		JitterMaxMs:         1000,
	}
}

// Observation is the tracker's answer for one rate-limit event.
type Observation struct {
	DelayMs     int64
	Attempt     int
	IsDuplicate bool
}

type entry struct {
	attempt      int
	lastObserved int64 // epoch ms
	lastDelayMs  int64
}

// Tracker computes exponential backoff with dedup and idle reset, keyed by
// quota key. Internally synchronized; each operation is a short critical
// section.
type Tracker struct {
	mu          sync.Mutex
	entries     map[string]*entry
	cfg         Config
	lastCleanup int64 // epoch ms

	now    func() time.Time
	jitter func(maxMs int64) int64
}

// NewTracker creates a Tracker with the given config. Zero fields fall back
// to defaults.
func NewTracker(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.DedupWindowMs <= 0 {
		cfg.DedupWindowMs = def.DedupWindowMs
	}
	if cfg.ResetWindowMs <= 0 {
		cfg.ResetWindowMs = def.ResetWindowMs
	}
	if cfg.DefaultRetryAfterMs <= 0 {
		cfg.DefaultRetryAfterMs = def.DefaultRetryAfterMs
	}
	if cfg.MaxBackoffMs <= 0 {
		cfg.MaxBackoffMs = def.MaxBackoffMs
	}
	if cfg.JitterMaxMs < 0 {
		cfg.JitterMaxMs = def.JitterMaxMs
	}

	return &Tracker{
		entries: make(map[string]*entry),
		cfg:     cfg,
		now:     time.Now,
		jitter: func(maxMs int64) int64 {
			if maxMs <= 0 {
				return 0
			}
			return rand.Int63n(maxMs)
		},
	}
}

// Observe records one rate-limit event for key and returns the backoff delay.
// Observations within the dedup window replay the previous answer with
// IsDuplicate set. After the reset window of idle time the attempt counter
// starts over at 1.
func (t *Tracker) Observe(key string, reason Reason, retryAfterMs int64) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	nowMs := t.now().UnixMilli()
	t.cleanupLocked(nowMs)

	e, ok := t.entries[key]
	if ok && nowMs-e.lastObserved < t.cfg.DedupWindowMs {
		return Observation{DelayMs: e.lastDelayMs, Attempt: e.attempt, IsDuplicate: true}
	}

	if !ok {
		e = &entry{}
		t.entries[key] = e
	} else if nowMs-e.lastObserved > t.cfg.ResetWindowMs {
		e.attempt = 0
	}
	e.attempt++

	base := retryAfterMs
	if base <= 0 {
		base = t.cfg.DefaultRetryAfterMs
	}

	delay := base
	for i := 1; i < e.attempt; i++ {
		delay *= 2
		if delay >= t.cfg.MaxBackoffMs {
			break
		}
	}
	if delay > t.cfg.MaxBackoffMs {
		delay = t.cfg.MaxBackoffMs
	}
	delay += t.jitter(t.cfg.JitterMaxMs)

	e.lastObserved = nowMs
	e.lastDelayMs = delay

	return Observation{DelayMs: delay, Attempt: e.attempt}
}

// Reset drops the tracked state for key.
func (t *Tracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}

// cleanupLocked drops keys idle beyond the reset window, at most once per minute.
func (t *Tracker) cleanupLocked(nowMs int64) {
	if nowMs-t.lastCleanup < 60_000 {
		return
	}
	t.lastCleanup = nowMs
	for key, e := range t.entries {
		if nowMs-e.lastObserved > t.cfg.ResetWindowMs {
			delete(t.entries, key)
		}
	}
}
