package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlsentry/sentryd/internal/config"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadRequiresIdentityAndTenant(t *testing.T) {
	_, err := config.Load(envMap(map[string]string{"SESSION_TENANT": "t1"}))
	require.Error(t, err)

	_, err = config.Load(envMap(map[string]string{"SESSION_IDENTITY": "u@x"}))
	require.Error(t, err)
}

func TestLoadDevelopmentWithoutQuotaPoliciesIsEmpty(t *testing.T) {
	b, err := config.Load(envMap(map[string]string{
		"SESSION_IDENTITY": "u@x",
		"SESSION_TENANT":   "t1",
	}))
	require.NoError(t, err)
	assert.Empty(t, b.QuotaPolicies)
	assert.False(t, b.Production)
}

func TestLoadProductionWithoutQuotaPoliciesFails(t *testing.T) {
	_, err := config.Load(envMap(map[string]string{
		"SESSION_IDENTITY": "u@x",
		"SESSION_TENANT":   "t1",
		"PRODUCTION":       "true",
	}))
	require.Error(t, err)
}

func TestLoadMalformedQuotaPoliciesFails(t *testing.T) {
	_, err := config.Load(envMap(map[string]string{
		"SESSION_IDENTITY": "u@x",
		"SESSION_TENANT":   "t1",
		"QUOTA_POLICIES":   `{"policies": [{"tenant": "t1", "bogus_field": 1}]}`,
	}))
	require.Error(t, err)
}

func TestLoadParsesQuotaPoliciesAndCapabilities(t *testing.T) {
	b, err := config.Load(envMap(map[string]string{
		"SESSION_IDENTITY": "u@x",
		"SESSION_TENANT":   "t1",
		"QUOTA_POLICIES":   `{"policies": [{"tenant": "t1", "limits": {"RATE_PER_MINUTE": 60}}]}`,
		"CAPABILITIES":     `{"capSetId": "cs-1", "issuer": "control-plane", "issuedAt": "2026-01-01T00:00:00Z", "expiresAt": "2027-01-01T00:00:00Z", "grants": [{"action": "TOOL_INVOKE", "target": "query_read"}]}`,
	}))
	require.NoError(t, err)
	require.Len(t, b.QuotaPolicies, 1)
	assert.Equal(t, "t1", b.QuotaPolicies[0].Tenant)
	require.NotNil(t, b.Capabilities)
	assert.Equal(t, "cs-1", b.Capabilities.CapSetID)
	require.Len(t, b.Capabilities.Grants, 1)
}

func TestLoadParsesAllowlistsAndOrderByColumns(t *testing.T) {
	b, err := config.Load(envMap(map[string]string{
		"SESSION_IDENTITY":  "u@x",
		"SESSION_TENANT":    "t1",
		"ALLOWLIST_SCHEMAS": "public, reporting",
		"ALLOWLIST_TABLES":  "public.users,public.accounts",
		"ORDERBY_COLUMNS":   "public.users.id,public.users.name",
		"READ_ONLY":         "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"public", "reporting"}, b.AllowedSchemas)
	assert.ElementsMatch(t, []string{"users", "accounts"}, b.AllowedTables["public"])
	assert.ElementsMatch(t, []string{"id", "name"}, b.OrderByColumns["public"]["users"])
	assert.True(t, b.ReadOnly)
}

func TestLoadRejectsMalformedAllowlistTablesEntry(t *testing.T) {
	_, err := config.Load(envMap(map[string]string{
		"SESSION_IDENTITY": "u@x",
		"SESSION_TENANT":   "t1",
		"ALLOWLIST_TABLES": "not-qualified",
	}))
	require.Error(t, err)
}
