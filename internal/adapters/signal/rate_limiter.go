package signal

import (
	"sync"
	"time"
)

// JoinRateLimiter bounds how often one connection may join session keys.
type JoinRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewJoinRateLimiter(limit int, interval time.Duration) *JoinRateLimiter {
	return &JoinRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *JoinRateLimiter) Allow(connID string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[connID]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[connID] = fresh
		return false
	}
	rl.history[connID] = append(fresh, now)
	return true
}

// Forget drops the history of a closed connection.
func (rl *JoinRateLimiter) Forget(connID string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, connID)
	rl.mu.Unlock()
}
