package webhook

import (
	"sync"
	"time"
)

// breaker trips after threshold consecutive failures to one URL and stays
// open for cooldown. After the cooldown a single attempt is let through;
// another failure reopens it.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// blockedFor returns how long attempts must still be skipped.
func (b *breaker) blockedFor(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.openUntil) {
		return b.openUntil.Sub(now)
	}
	return 0
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// failure records a failed attempt and reports whether the breaker opened.
func (b *breaker) failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.threshold > 0 && b.failures >= b.threshold {
		b.openUntil = now.Add(b.cooldown)
		return true
	}
	return false
}

func (b *breaker) state(now time.Time) (failures int, open bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, now.Before(b.openUntil)
}
