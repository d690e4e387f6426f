package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	evictEvery     = time.Minute
	evictIdleAfter = 10 * time.Minute
)

// bucket is one token bucket. tokens refills continuously at the limiter's
// rate, capped at burst.
type bucket struct {
	tokens   float64
	lastSeen time.Time
}

func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens += now.Sub(b.lastSeen).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter implements Limiter with an in-memory token bucket per key.
//
// rate is the sustained tokens per second; burst is the bucket capacity. A
// janitor goroutine drops buckets idle for evictIdleAfter so the map stays
// bounded; call Close to stop it.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Allow consumes one token from key's bucket. Returns false when the bucket
// is empty (rate limited). The error return exists to satisfy Limiter; an
// in-memory bucket cannot fail.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// A new key starts from a full bucket.
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastSeen: now}
		return true, nil
	}
	return b.take(now, m.rate, m.burst), nil
}

// Close stops the janitor. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	ticker := time.NewTicker(evictEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-evictIdleAfter)
			m.mu.Lock()
			for key, b := range m.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(m.buckets, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
