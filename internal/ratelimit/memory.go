package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Buckets idle longer than this are dropped by the eviction loop.
const bucketIdleLimit = 10 * time.Minute

const evictInterval = time.Minute

type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter is a per-key token-bucket Limiter held in process memory.
// Refill is computed lazily on access from the elapsed time, so there is
// no per-bucket timer; a single background loop evicts idle keys.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing a sustained rate (requests
// per second) with the given burst capacity per key. Close stops the
// eviction loop.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow takes one token for key, reporting false when the bucket is dry.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buckets[key]
	if b == nil {
		// A new key starts full; this request spends the first token.
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return true, nil
	}

	b.tokens = min(m.burst, b.tokens+now.Sub(b.lastAccess).Seconds()*m.rate)
	b.lastAccess = now
	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the eviction loop. Idempotent.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) evictLoop() {
	t := time.NewTicker(evictInterval)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	cutoff := time.Now().Add(-bucketIdleLimit)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
