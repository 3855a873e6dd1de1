package trackers

import (
	"math"
	"testing"
	"time"
)

// near allows for the sliver of passive recovery that accrues between a
// record write and the score read.
func near(got, want float64) bool {
	return math.Abs(got-want) < 0.01
}

func TestHealthTracker_DefaultsAndRewards(t *testing.T) {
	tr := NewHealthTracker(HealthConfig{})

	if got := tr.GetScore("a"); got != 70 {
		t.Errorf("initial score: got %v", got)
	}

	tr.RecordSuccess("a")
	if got := tr.GetScore("a"); !near(got, 71) {
		t.Errorf("after success: got %v", got)
	}

	tr.RecordRateLimit("a")
	if got := tr.GetScore("a"); !near(got, 61) {
		t.Errorf("after rate limit: got %v", got)
	}

	tr.RecordFailure("a")
	if got := tr.GetScore("a"); !near(got, 41) {
		t.Errorf("after failure: got %v", got)
	}
}

func TestHealthTracker_ScoreFloorsAtZero(t *testing.T) {
	tr := NewHealthTracker(HealthConfig{})
	for i := 0; i < 10; i++ {
		tr.RecordFailure("a")
	}
	if got := tr.GetScore("a"); !near(got, 0) {
		t.Errorf("got %v", got)
	}
	if tr.ConsecutiveFailures("a") != 10 {
		t.Errorf("failures: got %d", tr.ConsecutiveFailures("a"))
	}
}

func TestHealthTracker_ScoreCapsAtMax(t *testing.T) {
	tr := NewHealthTracker(HealthConfig{})
	for i := 0; i < 50; i++ {
		tr.RecordSuccess("a")
	}
	if got := tr.GetScore("a"); got != 100 {
		t.Errorf("got %v", got)
	}
}

func TestHealthTracker_PassiveRecovery(t *testing.T) {
	tr := NewHealthTracker(HealthConfig{})
	tr.RecordFailure("a") // 50

	// Backdate the record by two hours; recovery is 10 points per hour.
	tr.mu.Lock()
	tr.scores["a"].LastUpdated = time.Now().Add(-2 * time.Hour)
	tr.mu.Unlock()

	if got := tr.GetScore("a"); !near(got, 70) {
		t.Errorf("after recovery: got %v, want ~70", got)
	}
}

func TestHealthTracker_IsUsable(t *testing.T) {
	tr := NewHealthTracker(HealthConfig{})
	if !tr.IsUsable("a") {
		t.Error("fresh account should be usable")
	}
	tr.RecordFailure("a") // 50, right at the threshold
	if !tr.IsUsable("a") {
		t.Error("score 50 should still be usable")
	}
	tr.RecordFailure("a") // 30
	if tr.IsUsable("a") {
		t.Error("score 30 should not be usable")
	}

	tr.Reset("a")
	if got := tr.GetScore("a"); !near(got, 70) {
		t.Errorf("after reset: got %v", got)
	}
}
