package engine

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps cooldown windows in process memory.
type MemoryLimiter struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemoryLimiter creates empty in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{last: make(map[string]time.Time)}
}

// Allow claims cooldown window for key when the previous one elapsed.
func (l *MemoryLimiter) Allow(_ context.Context, key string, cooldown time.Duration, at time.Time) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && at.Sub(last) < cooldown {
		return false, nil
	}
	l.last[key] = at
	return true, nil
}
