package quota_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/sqlsentry/sentryd/internal/quota"
)

// TestConcurrencyReleaseIdempotenceProperty checks Release's idempotence
// directly: for any concurrency limit and any number of redundant extra
// Release calls against an already-released key, capacity is restored
// exactly once per legitimate release, never more and never less. An
// over-release would let more than the configured limit run concurrently;
// an under-release would permanently strand a slot.
func TestConcurrencyReleaseIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("release(k) repeated redundantly never changes effective capacity", prop.ForAll(
		func(limit, redundant int) bool {
			policies := []quota.Policy{
				{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimConcurrency: float64(limit)}},
			}
			e := quota.New(policies)
			ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "query_read"}

			var key string
			for i := 0; i < limit; i++ {
				r := e.CheckAndReserve(ctx)
				if !r.Allowed {
					return false
				}
				key = r.SemaphoreKey
			}
			if e.CheckAndReserve(ctx).Allowed {
				return false
			}

			e.Release(key)
			for i := 0; i < redundant; i++ {
				e.Release(key)
			}

			for i := 0; i < limit; i++ {
				if !e.CheckAndReserve(ctx).Allowed {
					return false
				}
			}
			return !e.CheckAndReserve(ctx).Allowed
		},
		gen.IntRange(1, 5),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// TestCheckAndReserveDeterminismProperty checks that CheckAndReserve's
// policy match and scope-key derivation are deterministic: two engines
// built from the same policy set, given the same context in a fresh state,
// always reach the same Allowed/Reason outcome.
func TestCheckAndReserveDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical policies and context yield identical decisions", prop.ForAll(
		func(limit float64, tenant, identity, target string) bool {
			policies := []quota.Policy{
				{Tenant: tenant, Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: limit}},
			}
			ctx := quota.Context{Tenant: tenant, Identity: identity, Action: "TOOL_INVOKE", Target: target}

			e1 := quota.New(policies)
			e2 := quota.New(policies)
			r1 := e1.CheckAndReserve(ctx)
			r2 := e2.CheckAndReserve(ctx)
			return r1.Allowed == r2.Allowed && r1.Reason == r2.Reason
		},
		gen.Float64Range(1, 1000),
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}
