// Package quota implements the in-process rate, cost, and concurrency
// engine that guards every tool invocation after authorization succeeds.
//
// The engine holds token buckets, cost buckets, and semaphores keyed by a
// policy-derived scope string: the key's granularity is determined by which
// fields the single applicable policy specifies, not by which fields the
// current request happens to carry. This is the linchpin of the design —
// rotating an identity or capability set between requests cannot widen
// effective throughput beyond the coarsest policy that applies, because the
// scope key collapses to whatever the policy fixed.
//
// There is no distributed state here by design: the engine is in-process
// and guards a single server instance. checkAndReserve and release are
// synchronous and must never suspend; a single mutex serializes the whole
// operation rather than locking per key, because the policy-match step
// touches the map set structurally and per-key locking cannot make that
// step atomic.
package quota

import (
	"sync"
	"time"
)

// Dimension is one axis of quota enforcement.
type Dimension string

const (
	// DimRatePerMinute limits request count per rolling minute.
	DimRatePerMinute Dimension = "RATE_PER_MINUTE"
	// DimRatePer10Seconds limits request count per rolling 10-second window.
	DimRatePer10Seconds Dimension = "RATE_PER_10_SECONDS"
	// DimConcurrency limits the number of in-flight requests.
	DimConcurrency Dimension = "CONCURRENCY"
	// DimCostPerMinute limits cumulative tool cost per rolling minute.
	DimCostPerMinute Dimension = "COST_PER_MINUTE"
)

// checkOrder is the fixed evaluation order for configured dimensions within
// a single checkAndReserve call.
var checkOrder = []Dimension{DimRatePerMinute, DimRatePer10Seconds, DimCostPerMinute, DimConcurrency}

// Policy is an immutable quota policy. Identity and CapSetID are nil when
// the policy is meant to apply regardless of the request's identity or
// capability set (a coarser-grained, tenant-wide policy).
type Policy struct {
	Tenant   string
	Identity *string
	CapSetID *string
	Limits   map[Dimension]float64
}

// appliesTo reports whether p applies to a request carrying the given
// tenant, identity, and capSetID. Every non-nil field on p must match
// exactly; a nil field matches any value.
func (p Policy) appliesTo(tenant, identity, capSetID string) bool {
	if p.Tenant != tenant {
		return false
	}
	if p.Identity != nil && *p.Identity != identity {
		return false
	}
	if p.CapSetID != nil && *p.CapSetID != capSetID {
		return false
	}
	return true
}

// Context carries the server-derived fields checkAndReserve evaluates
// policies and builds scope keys against. All fields must be server-derived,
// never taken verbatim from request payloads beyond the tool name itself
// (which has already been validated against the tool registry before this
// package ever sees it).
type Context struct {
	Tenant    string
	Identity  string
	SessionID string
	CapSetID  string
	Action    string
	Target    string
}

// Reason is the closed set of quota decisions.
type Reason string

const (
	// ReasonAllowed indicates the reservation succeeded.
	ReasonAllowed Reason = "ALLOWED"
	// ReasonPolicyMissing indicates zero policies matched the request.
	ReasonPolicyMissing Reason = "POLICY_MISSING"
	// ReasonPolicyAmbiguous indicates more than one policy matched, or a
	// required scope-key component was empty.
	ReasonPolicyAmbiguous Reason = "POLICY_AMBIGUOUS"
	// ReasonRateExceeded indicates a rate dimension denied the request.
	ReasonRateExceeded Reason = "RATE_EXCEEDED"
	// ReasonCostExceeded indicates the cost dimension denied the request.
	ReasonCostExceeded Reason = "COST_EXCEEDED"
	// ReasonConcurrencyExceeded indicates the concurrency dimension denied the request.
	ReasonConcurrencyExceeded Reason = "CONCURRENCY_EXCEEDED"
	// ReasonCounterError indicates the key-space cap was hit and eviction
	// could not free a slot.
	ReasonCounterError Reason = "COUNTER_ERROR"
	// ReasonClockAmbiguity indicates a bucket observed a time regression.
	ReasonClockAmbiguity Reason = "CLOCK_AMBIGUITY"
)

// Result is the outcome of CheckAndReserve.
type Result struct {
	Allowed bool
	Reason  Reason
	// SemaphoreKey is set when a concurrency dimension was reserved. Release
	// must be called with this key exactly once, even if a later step in
	// the same ExecuteTool call fails.
	SemaphoreKey string
}

const (
	defaultMaxKeys = 10_000
	defaultIdleTTL = time.Hour
)

// Engine is the in-process quota engine. The zero value is not usable;
// construct with New.
type Engine struct {
	mu sync.Mutex

	policies []Policy
	costOf   map[string]int

	maxKeys int
	idleTTL time.Duration

	rateBuckets map[string]*tokenBucket // key: scopeKey + ":" + dimension
	costBuckets map[string]*tokenBucket // key: scopeKey + ":" + dimension
	semaphores  map[string]*semaphore   // key: scopeKey
	lastAccess  map[string]time.Time    // key: any of the above bucket/semaphore keys

	now func() time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMaxKeys overrides the default 10,000 key-space cap.
func WithMaxKeys(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxKeys = n
		}
	}
}

// WithIdleTTL overrides the default 1-hour idle eviction TTL.
func WithIdleTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTTL = d
		}
	}
}

// WithCostTable sets the frozen tool-name-to-cost-unit table consulted by
// the cost dimension. A tool absent from the table costs 1.
func WithCostTable(costs map[string]int) Option {
	return func(e *Engine) {
		copied := make(map[string]int, len(costs))
		for k, v := range costs {
			copied[k] = v
		}
		e.costOf = copied
	}
}

// WithClock overrides the engine's time source. Intended for tests that
// need to simulate refill and clock-regression behavior deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an Engine over a fixed set of policies. An empty policies
// slice is valid (development mode with nothing configured): every
// CheckAndReserve call then denies ReasonPolicyMissing, by design — "no
// quotas configured" is never interpreted as "no quotas enforced".
func New(policies []Policy, opts ...Option) *Engine {
	e := &Engine{
		policies:    append([]Policy(nil), policies...),
		costOf:      map[string]int{},
		maxKeys:     defaultMaxKeys,
		idleTTL:     defaultIdleTTL,
		rateBuckets: map[string]*tokenBucket{},
		costBuckets: map[string]*tokenBucket{},
		semaphores:  map[string]*semaphore{},
		lastAccess:  map[string]time.Time{},
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// toolCost returns the configured cost of tool, or 1 if tool is absent from
// the cost table.
func (e *Engine) toolCost(tool string) int {
	if c, ok := e.costOf[tool]; ok {
		return c
	}
	return 1
}

// matchPolicy finds the unique policy applicable to ctx. Returns nil and
// ReasonPolicyMissing / ReasonPolicyAmbiguous when zero or multiple match.
func (e *Engine) matchPolicy(ctx Context) (*Policy, Reason) {
	var matched *Policy
	count := 0
	for i := range e.policies {
		if e.policies[i].appliesTo(ctx.Tenant, ctx.Identity, ctx.CapSetID) {
			count++
			matched = &e.policies[i]
		}
	}
	switch {
	case count == 0:
		return nil, ReasonPolicyMissing
	case count > 1:
		return nil, ReasonPolicyAmbiguous
	default:
		return matched, ""
	}
}

// scopeKey builds the policy-derived scope key. The key's granularity
// reflects which fields the matched policy specifies, not which fields ctx
// carries: this is what prevents identity or capability-set rotation from
// resetting a coarser-grained budget.
func scopeKey(p *Policy, ctx Context) (string, bool) {
	if ctx.Tenant == "" || ctx.Action == "" || ctx.Target == "" {
		return "", false
	}
	key := "tenant:" + ctx.Tenant
	if p.Identity != nil {
		key += ":identity:" + ctx.Identity
	}
	if p.CapSetID != nil {
		key += ":capset:" + ctx.CapSetID
	}
	key += ":action:" + ctx.Action + ":target:" + ctx.Target
	return key, true
}

// CheckAndReserve evaluates every configured dimension for ctx's matched
// policy, in order RATE_PER_MINUTE, RATE_PER_10_SECONDS, COST_PER_MINUTE,
// CONCURRENCY, and reserves a concurrency slot on full success. The whole
// operation runs under a single mutex: no other CheckAndReserve or Release
// call may interleave with it, and it performs no I/O and never suspends.
func (e *Engine) CheckAndReserve(ctx Context) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	policy, reason := e.matchPolicy(ctx)
	if policy == nil {
		return Result{Reason: reason}
	}
	key, ok := scopeKey(policy, ctx)
	if !ok {
		return Result{Reason: ReasonPolicyAmbiguous}
	}

	now := e.now()
	var semKey string
	for _, dim := range checkOrder {
		limit, configured := policy.Limits[dim]
		if !configured {
			continue
		}
		switch dim {
		case DimRatePerMinute, DimRatePer10Seconds:
			bucketKey := key + ":" + string(dim)
			b, ok := e.rateBuckets[bucketKey]
			if !ok {
				if !e.ensureRoom() {
					return Result{Reason: ReasonCounterError}
				}
				b = newTokenBucket(limit, limit, dimensionWindow(dim))
				e.rateBuckets[bucketKey] = b
			}
			ok2, regressed := b.tryConsume(1, now)
			e.lastAccess[bucketKey] = now
			if regressed {
				return Result{Reason: ReasonClockAmbiguity}
			}
			if !ok2 {
				return Result{Reason: ReasonRateExceeded}
			}
		case DimCostPerMinute:
			bucketKey := key + ":" + string(dim)
			b, ok := e.costBuckets[bucketKey]
			if !ok {
				if !e.ensureRoom() {
					return Result{Reason: ReasonCounterError}
				}
				b = newTokenBucket(limit, limit, time.Minute)
				e.costBuckets[bucketKey] = b
			}
			cost := float64(e.toolCost(ctx.Target))
			ok2, regressed := b.tryConsume(cost, now)
			e.lastAccess[bucketKey] = now
			if regressed {
				return Result{Reason: ReasonClockAmbiguity}
			}
			if !ok2 {
				return Result{Reason: ReasonCostExceeded}
			}
		case DimConcurrency:
			s, ok := e.semaphores[key]
			if !ok {
				if !e.ensureRoom() {
					return Result{Reason: ReasonCounterError}
				}
				s = &semaphore{maxConcurrent: int(limit)}
				e.semaphores[key] = s
			}
			if !s.tryAcquire() {
				return Result{Reason: ReasonConcurrencyExceeded}
			}
			e.lastAccess[key] = now
			semKey = key
		}
	}

	return Result{Allowed: true, Reason: ReasonAllowed, SemaphoreKey: semKey}
}

// Release decrements the semaphore identified by key. Idempotent: releasing
// an already-released or unknown key is a no-op.
func (e *Engine) Release(key string) {
	if key == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.semaphores[key]; ok {
		s.release()
	}
}

// ensureRoom reports whether a new key may be created without exceeding
// maxKeys. If the cap is currently hit, it runs evictStale once; if the
// cap is still hit afterward, it returns false (the caller denies
// COUNTER_ERROR rather than growing the map further).
func (e *Engine) ensureRoom() bool {
	if e.keyCount() < e.maxKeys {
		return true
	}
	e.evictStaleLocked()
	return e.keyCount() < e.maxKeys
}

func (e *Engine) keyCount() int {
	return len(e.rateBuckets) + len(e.costBuckets) + len(e.semaphores)
}

// evictStaleLocked deletes bucket/semaphore entries idle longer than
// idleTTL. Semaphores with a non-zero current count are never evicted: a
// live concurrency reservation must not disappear out from under a request
// still holding it.
func (e *Engine) evictStaleLocked() {
	cutoff := e.now().Add(-e.idleTTL)
	for k, t := range e.lastAccess {
		if t.After(cutoff) {
			continue
		}
		if s, ok := e.semaphores[k]; ok {
			if s.current > 0 {
				continue
			}
			delete(e.semaphores, k)
			delete(e.lastAccess, k)
			continue
		}
		if _, ok := e.rateBuckets[k]; ok {
			delete(e.rateBuckets, k)
			delete(e.lastAccess, k)
			continue
		}
		if _, ok := e.costBuckets[k]; ok {
			delete(e.costBuckets, k)
			delete(e.lastAccess, k)
		}
	}
}

func dimensionWindow(dim Dimension) time.Duration {
	if dim == DimRatePer10Seconds {
		return 10 * time.Second
	}
	return time.Minute
}
