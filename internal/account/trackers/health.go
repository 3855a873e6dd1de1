// Package trackers provides soft-metric state tracking for hybrid selection.
// All trackers are keyed by account key and internally synchronized.
package trackers

import (
	"sync"
	"time"
)

// HealthConfig controls health score behavior. Zero fields take defaults.
type HealthConfig struct {
	Initial          float64
	SuccessReward    float64
	RateLimitPenalty float64
	FailurePenalty   float64
	RecoveryPerHour  float64
	MinUsable        float64
	MaxScore         float64
	StaleAfter       time.Duration
}

// HealthRecord stores health state for an account.
type HealthRecord struct {
	Score               float64
	LastUpdated         time.Time
	ConsecutiveFailures int
}

// HealthTracker tracks per-account health scores to prioritize healthy
// accounts. Scores increase on success and decrease on failures and rate
// limits; passive recovery over time lets accounts climb back.
type HealthTracker struct {
	mu          sync.RWMutex
	scores      map[string]*HealthRecord
	config      HealthConfig
	lastCleanup time.Time
}

// NewHealthTracker creates a new HealthTracker with the given configuration.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	if cfg.Initial == 0 {
		cfg.Initial = 70
	}
	if cfg.SuccessReward == 0 {
		cfg.SuccessReward = 1
	}
	if cfg.RateLimitPenalty == 0 {
		cfg.RateLimitPenalty = -10
	}
	if cfg.FailurePenalty == 0 {
		cfg.FailurePenalty = -20
	}
	if cfg.RecoveryPerHour == 0 {
		cfg.RecoveryPerHour = 10
	}
	if cfg.MinUsable == 0 {
		cfg.MinUsable = 50
	}
	if cfg.MaxScore == 0 {
		cfg.MaxScore = 100
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 24 * time.Hour
	}

	return &HealthTracker{
		scores: make(map[string]*HealthRecord),
		config: cfg,
	}
}

// GetScore returns the health score for an account (with passive recovery applied).
func (t *HealthTracker) GetScore(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cleanupLocked()
	return t.getScoreLocked(key)
}

// RecordSuccess records a successful request for an account.
func (t *HealthTracker) RecordSuccess(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newScore := t.getScoreLocked(key) + t.config.SuccessReward
	if newScore > t.config.MaxScore {
		newScore = t.config.MaxScore
	}

	t.scores[key] = &HealthRecord{
		Score:       newScore,
		LastUpdated: time.Now(),
	}
}

// RecordRateLimit records a rate limit for an account.
func (t *HealthTracker) RecordRateLimit(key string) {
	t.recordPenalty(key, t.config.RateLimitPenalty)
}

// RecordFailure records a non-429 failure for an account.
func (t *HealthTracker) RecordFailure(key string) {
	t.recordPenalty(key, t.config.FailurePenalty)
}

func (t *HealthTracker) recordPenalty(key string, penalty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newScore := t.getScoreLocked(key) + penalty
	if newScore < 0 {
		newScore = 0
	}

	failures := 0
	if record, ok := t.scores[key]; ok {
		failures = record.ConsecutiveFailures
	}

	t.scores[key] = &HealthRecord{
		Score:               newScore,
		LastUpdated:         time.Now(),
		ConsecutiveFailures: failures + 1,
	}
}

// IsUsable checks if an account is usable based on health score.
func (t *HealthTracker) IsUsable(key string) bool {
	return t.GetScore(key) >= t.config.MinUsable
}

// MinUsable returns the minimum usable score threshold.
func (t *HealthTracker) MinUsable() float64 {
	return t.config.MinUsable
}

// MaxScore returns the maximum score cap.
func (t *HealthTracker) MaxScore() float64 {
	return t.config.MaxScore
}

// Reset resets the score for an account.
func (t *HealthTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.scores[key] = &HealthRecord{
		Score:       t.config.Initial,
		LastUpdated: time.Now(),
	}
}

// ConsecutiveFailures returns the consecutive failure count for an account.
func (t *HealthTracker) ConsecutiveFailures(key string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if record, ok := t.scores[key]; ok {
		return record.ConsecutiveFailures
	}
	return 0
}

// getScoreLocked returns the recovered score without taking the lock.
func (t *HealthTracker) getScoreLocked(key string) float64 {
	record, ok := t.scores[key]
	if !ok {
		return t.config.Initial
	}

	hoursElapsed := time.Since(record.LastUpdated).Hours()
	recoveredScore := record.Score + hoursElapsed*t.config.RecoveryPerHour

	if recoveredScore > t.config.MaxScore {
		return t.config.MaxScore
	}
	return recoveredScore
}

// cleanupLocked drops entries idle beyond the stale window, at most once per minute.
func (t *HealthTracker) cleanupLocked() {
	now := time.Now()
	if now.Sub(t.lastCleanup) < time.Minute {
		return
	}
	t.lastCleanup = now
	for key, record := range t.scores {
		if now.Sub(record.LastUpdated) > t.config.StaleAfter {
			delete(t.scores, key)
		}
	}
}
