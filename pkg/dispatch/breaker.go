// pkg/dispatch/breaker.go
package dispatch

import (
	"sync"
	"time"
)

// Breaker is the dispatcher's failure state machine:
//
//	Healthy --(consecutive failures >= threshold)--> Degraded
//	Degraded --(cooldown elapsed, one probe succeeds)--> Healthy
//
// There is no terminal state; a failed probe re-arms the cooldown.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures int
	degraded bool
	retryAt  time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and allows one probe per cooldown interval while open.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a request may be issued. When the breaker is open and
// the cooldown has elapsed, exactly one caller is admitted as a probe until
// its outcome is recorded.
func (b *Breaker) Allow() (allowed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.degraded {
		return true, false
	}
	if b.probing || b.now().Before(b.retryAt) {
		return false, false
	}
	b.probing = true
	return true, true
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.degraded = false
	b.probing = false
}

// RecordFailure counts a failed request; a failed probe re-arms the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.probing {
		b.probing = false
		b.retryAt = b.now().Add(b.cooldown)
		return
	}
	if !b.degraded && b.failures >= b.threshold {
		b.degraded = true
		b.retryAt = b.now().Add(b.cooldown)
	}
}

// Degraded reports whether the breaker is open.
func (b *Breaker) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}
