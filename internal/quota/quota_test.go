package quota_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlsentry/sentryd/internal/quota"
)

func ptr(s string) *string { return &s }

func TestPolicyMissingWhenNothingMatches(t *testing.T) {
	e := quota.New(nil)
	r := e.CheckAndReserve(quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "query_read"})
	assert.False(t, r.Allowed)
	assert.Equal(t, quota.ReasonPolicyMissing, r.Reason)
}

func TestPolicyAmbiguousWhenTwoPoliciesMatch(t *testing.T) {
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 100}},
		{Tenant: "acme", Identity: ptr("u1"), Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 5}},
	}
	e := quota.New(policies)
	// u1's request matches BOTH the tenant-wide policy and its own identity
	// policy, so this must be ambiguous, not "most specific wins".
	r := e.CheckAndReserve(quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "query_read"})
	assert.False(t, r.Allowed)
	assert.Equal(t, quota.ReasonPolicyAmbiguous, r.Reason)
}

func TestRatePerMinuteExceeded(t *testing.T) {
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 2}},
	}
	e := quota.New(policies)
	ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "list_tables"}

	require.True(t, e.CheckAndReserve(ctx).Allowed)
	require.True(t, e.CheckAndReserve(ctx).Allowed)
	r := e.CheckAndReserve(ctx)
	assert.False(t, r.Allowed)
	assert.Equal(t, quota.ReasonRateExceeded, r.Reason)
}

func TestConcurrencyReservationAndIdempotentRelease(t *testing.T) {
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimConcurrency: 1}},
	}
	e := quota.New(policies)
	ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "query_read"}

	r1 := e.CheckAndReserve(ctx)
	require.True(t, r1.Allowed)
	require.NotEmpty(t, r1.SemaphoreKey)

	r2 := e.CheckAndReserve(ctx)
	assert.False(t, r2.Allowed)
	assert.Equal(t, quota.ReasonConcurrencyExceeded, r2.Reason)

	e.Release(r1.SemaphoreKey)
	r3 := e.CheckAndReserve(ctx)
	assert.True(t, r3.Allowed)

	// Idempotent: releasing twice, or an unknown key, must never panic or
	// free a slot that was never reserved.
	e.Release(r1.SemaphoreKey)
	e.Release("")
	e.Release("bogus-key")
}

func TestScopeKeyGranularityFollowsPolicyNotRequest(t *testing.T) {
	// A tenant-wide policy (no Identity field) must track one shared bucket
	// across different identities within the tenant: rotating identity must
	// not reset or multiply the budget.
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 1}},
	}
	e := quota.New(policies)

	r1 := e.CheckAndReserve(quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "list_tables"})
	require.True(t, r1.Allowed)

	r2 := e.CheckAndReserve(quota.Context{Tenant: "acme", Identity: "u2", Action: "TOOL_INVOKE", Target: "list_tables"})
	assert.False(t, r2.Allowed, "tenant-wide policy must share one bucket across identities")
	assert.Equal(t, quota.ReasonRateExceeded, r2.Reason)
}

func TestCostDimensionUsesCostTable(t *testing.T) {
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimCostPerMinute: 10}},
	}
	e := quota.New(policies, quota.WithCostTable(map[string]int{"query_read": 5}))
	ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "query_read"}

	require.True(t, e.CheckAndReserve(ctx).Allowed) // 5
	require.True(t, e.CheckAndReserve(ctx).Allowed) // 10
	r := e.CheckAndReserve(ctx)
	assert.False(t, r.Allowed)
	assert.Equal(t, quota.ReasonCostExceeded, r.Reason)
}

func TestUnlistedToolCostsOne(t *testing.T) {
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimCostPerMinute: 1}},
	}
	e := quota.New(policies, quota.WithCostTable(map[string]int{"query_read": 5}))
	ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "describe_table"}

	require.True(t, e.CheckAndReserve(ctx).Allowed)
	r := e.CheckAndReserve(ctx)
	assert.False(t, r.Allowed, "a second call at cost 1 against a capacity-1 bucket must be denied")
}

func TestDimensionOrderRateBeforeConcurrency(t *testing.T) {
	// If both rate and concurrency are exhausted, the rate dimension must
	// be the one reported, since it is evaluated first.
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{
			quota.DimRatePerMinute: 1,
			quota.DimConcurrency:   1,
		}},
	}
	e := quota.New(policies)
	ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "query_read"}

	r1 := e.CheckAndReserve(ctx)
	require.True(t, r1.Allowed)

	r2 := e.CheckAndReserve(ctx)
	assert.False(t, r2.Allowed)
	assert.Equal(t, quota.ReasonRateExceeded, r2.Reason, "rate must be checked before concurrency")
}

func TestEmptyTargetIsAmbiguous(t *testing.T) {
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 5}},
	}
	e := quota.New(policies)
	r := e.CheckAndReserve(quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: ""})
	assert.False(t, r.Allowed)
	assert.Equal(t, quota.ReasonPolicyAmbiguous, r.Reason)
}

func TestIdentityScopedPolicyIsolatesBuckets(t *testing.T) {
	policies := []quota.Policy{
		{Tenant: "acme", Identity: ptr("u1"), Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 1}},
		{Tenant: "acme", Identity: ptr("u2"), Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 1}},
	}
	e := quota.New(policies)

	r1 := e.CheckAndReserve(quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "list_tables"})
	require.True(t, r1.Allowed)

	r2 := e.CheckAndReserve(quota.Context{Tenant: "acme", Identity: "u2", Action: "TOOL_INVOKE", Target: "list_tables"})
	assert.True(t, r2.Allowed, "identity-scoped policies must not share a bucket across identities")
}

func TestRefillOverTimeRestoresCapacity(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 1}},
	}
	e := quota.New(policies, quota.WithClock(clock.Now))
	ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "list_tables"}

	require.True(t, e.CheckAndReserve(ctx).Allowed)
	require.False(t, e.CheckAndReserve(ctx).Allowed)

	clock.t = clock.t.Add(time.Minute)
	r := e.CheckAndReserve(ctx)
	assert.True(t, r.Allowed, "a full window's elapsed time must fully refill the bucket")
}

func TestClockRegressionFailsClosed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	policies := []quota.Policy{
		{Tenant: "acme", Limits: map[quota.Dimension]float64{quota.DimRatePerMinute: 5}},
	}
	e := quota.New(policies, quota.WithClock(clock.Now))
	ctx := quota.Context{Tenant: "acme", Identity: "u1", Action: "TOOL_INVOKE", Target: "list_tables"}

	require.True(t, e.CheckAndReserve(ctx).Allowed)

	clock.t = clock.t.Add(-time.Hour)
	r := e.CheckAndReserve(ctx)
	assert.False(t, r.Allowed)
	assert.Equal(t, quota.ReasonClockAmbiguity, r.Reason)
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }
