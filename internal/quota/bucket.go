package quota

import "time"

// tokenBucket implements continuous-refill token-bucket rate limiting.
// Refill is computed lazily at consumption time rather than by a background
// ticker: tokens = min(capacity, tokens + elapsed/window*refillRate).
//
// A clock regression (now before lastRefill) is never silently clamped to
// zero elapsed time — it is reported back to the caller so the engine can
// fail the request closed with CLOCK_AMBIGUITY rather than risk granting an
// unintended refill because a monotonic assumption was violated.
type tokenBucket struct {
	capacity   float64
	refillRate float64
	window     time.Duration

	tokens     float64
	lastRefill time.Time
}

// newTokenBucket constructs a bucket starting full, so the first request
// against a freshly created scope is never penalized for the bucket's own
// creation time.
func newTokenBucket(capacity, refillRate float64, window time.Duration) *tokenBucket {
	return &tokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		window:     window,
		tokens:     capacity,
		lastRefill: time.Time{},
	}
}

// tryConsume attempts to remove amount tokens at time now. It returns
// (false, true) if now precedes the bucket's last observed refill time —
// the caller must treat this as a fail-closed denial, not a zero-elapsed
// refill. Otherwise it refills up to capacity for the elapsed window
// fraction, then attempts the debit.
func (b *tokenBucket) tryConsume(amount float64, now time.Time) (ok bool, clockRegressed bool) {
	if b.lastRefill.IsZero() {
		b.lastRefill = now
	}
	if now.Before(b.lastRefill) {
		return false, true
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := elapsed.Seconds() / b.window.Seconds() * b.refillRate
		b.tokens += refill
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens < amount {
		return false, false
	}
	b.tokens -= amount
	return true, false
}

// semaphore is a simple counting semaphore guarding in-flight concurrency
// for one scope key.
type semaphore struct {
	maxConcurrent int
	current       int
}

// tryAcquire reserves one slot if the semaphore is not already at capacity.
func (s *semaphore) tryAcquire() bool {
	if s.current >= s.maxConcurrent {
		return false
	}
	s.current++
	return true
}

// release frees one slot. It is a no-op if the semaphore is already at zero,
// making Release idempotent from the engine's perspective.
func (s *semaphore) release() {
	if s.current > 0 {
		s.current--
	}
}
