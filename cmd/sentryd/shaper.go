package main

import "golang.org/x/time/rate"

// ingressShaper is a process-wide token bucket sitting in front of the
// execution boundary. It protects the process itself from a connection-level
// thundering herd before any request reaches step 1 of ExecuteTool — a
// distinct concern from the per-scope quota engine, which only runs after
// authorization succeeds and therefore cannot shed load from unauthenticated
// or unauthorized floods on its own.
type ingressShaper struct {
	limiter *rate.Limiter
}

// newIngressShaper builds a shaper admitting up to burst requests
// instantaneously and ratePerSecond steady-state thereafter.
func newIngressShaper(ratePerSecond float64, burst int) *ingressShaper {
	return &ingressShaper{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// allow reports whether the current request may proceed to the execution
// boundary. It never blocks: a request that would have to wait is rejected
// outright rather than queued, since queuing here would just move the
// thundering herd into process memory instead of shedding it.
func (s *ingressShaper) allow() bool {
	return s.limiter.Allow()
}
