package trackers

import (
	"sync"
	"time"
)

// BucketConfig controls token bucket behavior. Zero fields take defaults.
type BucketConfig struct {
	MaxTokens    float64
	RegenPerMin  float64
	InitialRatio float64
	StaleAfter   time.Duration
}

// BucketRecord stores bucket state for an account.
type BucketRecord struct {
	Tokens     float64
	LastRefill time.Time
}

// TokenBucket smooths per-account request bursts for hybrid selection.
// Each account starts with a full bucket that regenerates continuously.
type TokenBucket struct {
	mu          sync.Mutex
	buckets     map[string]*BucketRecord
	config      BucketConfig
	lastCleanup time.Time
}

// NewTokenBucket creates a new TokenBucket with the given configuration.
func NewTokenBucket(cfg BucketConfig) *TokenBucket {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 50
	}
	if cfg.RegenPerMin == 0 {
		cfg.RegenPerMin = 6
	}
	if cfg.InitialRatio == 0 {
		cfg.InitialRatio = 1
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 24 * time.Hour
	}

	return &TokenBucket{
		buckets: make(map[string]*BucketRecord),
		config:  cfg,
	}
}

// Tokens returns the current token count for an account (after refill).
func (b *TokenBucket) Tokens(key string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanupLocked()
	return b.refillLocked(key).Tokens
}

// Ratio returns tokens divided by the max, in [0, 1].
func (b *TokenBucket) Ratio(key string) float64 {
	return b.Tokens(key) / b.config.MaxTokens
}

// Consume removes one token from an account's bucket. Returns false when
// the bucket has less than a full token left; nothing is taken then.
func (b *TokenBucket) Consume(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := b.refillLocked(key)
	if record.Tokens < 1 {
		return false
	}
	record.Tokens -= 1
	return true
}

// Refund returns tokens to an account's bucket, clamped at the maximum.
// Callers refund when a consumed attempt never counted (transport error,
// rate limit, cancellation).
func (b *TokenBucket) Refund(key string, n float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	record := b.refillLocked(key)
	record.Tokens += n
	if record.Tokens > b.config.MaxTokens {
		record.Tokens = b.config.MaxTokens
	}
}

// HasTokens reports whether a Consume for this account would succeed.
func (b *TokenBucket) HasTokens(key string) bool {
	return b.Tokens(key) >= 1
}

// MaxTokens returns the configured bucket capacity.
func (b *TokenBucket) MaxTokens() float64 {
	return b.config.MaxTokens
}

// refillLocked applies regeneration since the last refill and returns the record.
func (b *TokenBucket) refillLocked(key string) *BucketRecord {
	now := time.Now()

	record, ok := b.buckets[key]
	if !ok {
		record = &BucketRecord{
			Tokens:     b.config.MaxTokens * b.config.InitialRatio,
			LastRefill: now,
		}
		b.buckets[key] = record
		return record
	}

	minutesElapsed := now.Sub(record.LastRefill).Minutes()
	record.Tokens += minutesElapsed * b.config.RegenPerMin
	if record.Tokens > b.config.MaxTokens {
		record.Tokens = b.config.MaxTokens
	}
	record.LastRefill = now
	return record
}

// cleanupLocked drops entries idle beyond the stale window, at most once per minute.
func (b *TokenBucket) cleanupLocked() {
	now := time.Now()
	if now.Sub(b.lastCleanup) < time.Minute {
		return
	}
	b.lastCleanup = now
	for key, record := range b.buckets {
		if now.Sub(record.LastRefill) > b.config.StaleAfter {
			delete(b.buckets, key)
		}
	}
}
