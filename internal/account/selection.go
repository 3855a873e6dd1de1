package account

import (
	"github.com/kuzerno1/multi-codex-proxy/internal/account/trackers"
)

// Scoring weights for hybrid selection. Health dominates, bucket ratio
// breaks ties between healthy accounts, and idle time nudges toward
// accounts that have rested.
const (
	hybridHealthWeight = 2.0
	hybridBucketWeight = 500.0
	hybridIdleWeight   = 0.1
	hybridIdleCapSecs  = 3600.0

	// SwitchThreshold is how far a challenger's score must exceed the
	// current account's before hybrid selection evicts a warm cache.
	SwitchThreshold = 100.0
)

// SelectionResult is the outcome of one pick.
type SelectionResult struct {
	Index    int
	Switched bool
	OK       bool
}

// PickSticky keeps the current account while it stays eligible and only
// advances round-robin when it cannot serve.
func PickSticky(accounts []Record, currentIndex int, family, model string, nowMs int64) SelectionResult {
	if len(accounts) == 0 {
		return SelectionResult{Index: currentIndex}
	}

	index := clampIndex(currentIndex, len(accounts))
	if IsEligible(&accounts[index], family, model, nowMs) {
		return SelectionResult{Index: index, OK: true}
	}
	return advance(accounts, index, family, model, nowMs)
}

// PickRoundRobin always advances to the next eligible account.
func PickRoundRobin(accounts []Record, currentIndex int, family, model string, nowMs int64) SelectionResult {
	if len(accounts) == 0 {
		return SelectionResult{Index: currentIndex}
	}
	return advance(accounts, clampIndex(currentIndex, len(accounts)), family, model, nowMs)
}

// advance scans forward from index, wrapping, for the first eligible account.
func advance(accounts []Record, index int, family, model string, nowMs int64) SelectionResult {
	for i := 1; i <= len(accounts); i++ {
		idx := (index + i) % len(accounts)
		if IsEligible(&accounts[idx], family, model, nowMs) {
			return SelectionResult{Index: idx, Switched: idx != index, OK: true}
		}
	}
	return SelectionResult{Index: index}
}

// HybridScore computes the soft-metric score for one account.
func HybridScore(key string, lastUsedMs, nowMs int64, health *trackers.HealthTracker, bucket *trackers.TokenBucket) float64 {
	score := health.GetScore(key) * hybridHealthWeight
	score += bucket.Ratio(key) * hybridBucketWeight

	idleSecs := float64(nowMs-lastUsedMs) / 1000
	if lastUsedMs == 0 || idleSecs > hybridIdleCapSecs {
		idleSecs = hybridIdleCapSecs
	}
	if idleSecs < 0 {
		idleSecs = 0
	}
	score += idleSecs * hybridIdleWeight

	return score
}

// PickHybrid scores every candidate account and keeps the current one
// unless a challenger beats it by SwitchThreshold or more. Candidates must
// be eligible, healthy enough to use, and have bucket tokens left; when the
// soft filters reject everyone, eligibility alone decides via sticky.
func PickHybrid(accounts []Record, currentIndex int, family, model string, nowMs int64, health *trackers.HealthTracker, bucket *trackers.TokenBucket) SelectionResult {
	if len(accounts) == 0 {
		return SelectionResult{Index: currentIndex}
	}

	index := clampIndex(currentIndex, len(accounts))

	bestIdx := -1
	bestScore := 0.0
	currentScore := 0.0
	currentQualifies := false

	for i := range accounts {
		if !IsEligible(&accounts[i], family, model, nowMs) {
			continue
		}
		key := accounts[i].Key(i)
		if !health.IsUsable(key) || !bucket.HasTokens(key) {
			continue
		}

		score := HybridScore(key, accounts[i].LastUsed, nowMs, health, bucket)
		if i == index {
			currentQualifies = true
			currentScore = score
			continue
		}
		if bestIdx < 0 || score > bestScore {
			bestIdx = i
			bestScore = score
		}
	}

	if currentQualifies {
		if bestIdx >= 0 && bestScore-currentScore >= SwitchThreshold {
			return SelectionResult{Index: bestIdx, Switched: true, OK: true}
		}
		return SelectionResult{Index: index, OK: true}
	}
	if bestIdx >= 0 {
		return SelectionResult{Index: bestIdx, Switched: bestIdx != index, OK: true}
	}
	return PickSticky(accounts, index, family, model, nowMs)
}

func clampIndex(idx, length int) int {
	if idx < 0 || idx >= length {
		return 0
	}
	return idx
}
