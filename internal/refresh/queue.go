// Package refresh runs background token refreshes so request latency does
// not pay for OAuth round trips.
package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/kuzerno1/multi-codex-proxy/internal/account"
	"github.com/kuzerno1/multi-codex-proxy/internal/utils"
)

const refreshTimeout = 30 * time.Second

// Queue is a single-consumer FIFO of account slots whose tokens need
// refreshing. Enqueue never blocks; a slot already queued is not queued
// again. With proactive refresh enabled, a scheduler tick also enqueues
// slots whose tokens are about to expire.
type Queue struct {
	manager *account.Manager

	mu      sync.Mutex
	pending map[int]bool
	order   []int
	wake    chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewQueue creates a Queue for the manager's accounts.
func NewQueue(manager *account.Manager) *Queue {
	return &Queue{
		manager: manager,
		pending: make(map[int]bool),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the consumer and, when proactive refresh is on, the
// scheduler. Call Stop to shut both down.
func (q *Queue) Start() {
	go q.run()
}

// Stop shuts the queue down and waits for the consumer to finish its
// current item.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stop)
	})
	<-q.done
}

// Enqueue schedules a refresh for one account slot.
func (q *Queue) Enqueue(index int) {
	q.mu.Lock()
	if !q.pending[index] {
		q.pending[index] = true
		q.order = append(q.order, index)
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return 0, false
	}
	index := q.order[0]
	q.order = q.order[1:]
	delete(q.pending, index)
	return index, true
}

func (q *Queue) run() {
	defer close(q.done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-q.wake:
			q.drain()
		case <-ticker.C:
			if q.manager.Settings().ProactiveTokenRefresh {
				q.scheduleExpiring()
			}
			q.drain()
		}
	}
}

// drain processes every queued slot, one refresh at a time.
func (q *Queue) drain() {
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		index, ok := q.pop()
		if !ok {
			return
		}
		q.refreshOne(index)
	}
}

// refreshOne refreshes a slot unless a foreground refresh already made the
// token fresh again.
func (q *Queue) refreshOne(index int) {
	skew := q.manager.Settings().TokenRefreshSkewMs
	if expiresAt, ok := q.manager.TokenExpiry(index); ok {
		if expiresAt-time.Now().UnixMilli() > skew {
			return
		}
	}

	snapshot := q.manager.Snapshot()
	if index < 0 || index >= len(snapshot) || !snapshot[index].IsEnabled() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	if _, err := q.manager.RefreshWithFallback(ctx, index); err != nil {
		utils.Warn("[RefreshQueue] Background refresh failed for account %d: %v", index+1, err)
	} else {
		utils.Debug("[RefreshQueue] Refreshed account %d in background", index+1)
	}
}

// scheduleExpiring enqueues every enabled slot whose cached token is inside
// the skew window. Slots with no cached token are left alone; they refresh
// on first use.
func (q *Queue) scheduleExpiring() {
	skew := q.manager.Settings().TokenRefreshSkewMs
	nowMs := time.Now().UnixMilli()

	snapshot := q.manager.Snapshot()
	for i := range snapshot {
		if !snapshot[i].IsEnabled() {
			continue
		}
		expiresAt, ok := q.manager.TokenExpiry(i)
		if !ok {
			continue
		}
		if expiresAt-nowMs <= skew {
			q.Enqueue(i)
		}
	}
}
