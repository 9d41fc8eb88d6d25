package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/session"
	"github.com/sqlsentry/sentryd/internal/sqlguard"
)

func boundSession(t *testing.T) *session.Context {
	t.Helper()
	c := session.New()
	require.NoError(t, c.Bind("u@x", "t1", "sess-1"))
	return c
}

func newTestAdapter() *adapter.Memory {
	allow := sqlguard.NewAllowlist([]string{"public"}, map[string][]string{"public": {"users"}})
	opts := sqlguard.Options{OrderByColumns: map[string]map[string][]string{"public": {"users": {"id"}}}}
	m := adapter.NewMemory(allow, opts)
	m.Seed("public", "users",
		[]adapter.ColumnInfo{{Name: "id", Type: "bigint"}, {Name: "name", Type: "text", Nullable: true}},
		[]map[string]any{{"id": 1, "name": "a"}, {"id": 2, "name": "b"}})
	return m
}

func TestListTablesAndDescribeTable(t *testing.T) {
	m := newTestAdapter()
	sess := boundSession(t)

	lr, err := m.ListTables(context.Background(), adapter.ListTablesParams{}, sess)
	require.NoError(t, err)
	require.Len(t, lr.Tables, 1)
	assert.Equal(t, "users", lr.Tables[0].Table)

	dr, err := m.DescribeTable(context.Background(), adapter.DescribeTableParams{Schema: "public", Table: "users"}, sess)
	require.NoError(t, err)
	assert.Len(t, dr.Columns, 2)
}

func TestExecuteQueryHappyPath(t *testing.T) {
	m := newTestAdapter()
	sess := boundSession(t)

	r, err := m.ExecuteQuery(context.Background(),
		adapter.ExecuteQueryParams{Query: "SELECT u.id FROM public.users u ORDER BY u.id ASC"}, sess)
	require.NoError(t, err)
	assert.Equal(t, 2, r.RowCount)
	assert.False(t, r.Truncated)
}

func TestExecuteQueryReRejectsStructurallyInvalidSQL(t *testing.T) {
	m := newTestAdapter()
	sess := boundSession(t)

	_, err := m.ExecuteQuery(context.Background(), adapter.ExecuteQueryParams{Query: "SELECT * FROM users"}, sess)
	require.Error(t, err)
	var aerr *adapter.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, adapter.CodeQueryRejected, aerr.Code)
}

func TestExecuteQueryReRejectsUnauthorizedTable(t *testing.T) {
	m := newTestAdapter()
	sess := boundSession(t)

	_, err := m.ExecuteQuery(context.Background(), adapter.ExecuteQueryParams{Query: "SELECT * FROM public.admins"}, sess)
	require.Error(t, err)
	var aerr *adapter.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, adapter.CodeUnauthorizedTable, aerr.Code)
}

func TestExecuteQueryRowLimitClamped(t *testing.T) {
	allow := sqlguard.NewAllowlist([]string{"public"}, map[string][]string{"public": {"users"}})
	m := adapter.NewMemory(allow, sqlguard.Options{}, adapter.WithRowLimit(1))
	m.Seed("public", "users", []adapter.ColumnInfo{{Name: "id"}},
		[]map[string]any{{"id": 1}, {"id": 2}, {"id": 3}})
	sess := boundSession(t)

	r, err := m.ExecuteQuery(context.Background(), adapter.ExecuteQueryParams{Query: "SELECT * FROM public.users"}, sess)
	require.NoError(t, err)
	assert.Equal(t, 1, r.RowCount)
	assert.True(t, r.Truncated)
}

func TestExecuteQueryStatementTimeout(t *testing.T) {
	allow := sqlguard.NewAllowlist([]string{"public"}, map[string][]string{"public": {"users"}})
	m := adapter.NewMemory(allow, sqlguard.Options{}, adapter.WithStatementTimeout(time.Nanosecond))
	m.Seed("public", "users", []adapter.ColumnInfo{{Name: "id"}}, []map[string]any{{"id": 1}})
	sess := boundSession(t)

	_, err := m.ExecuteQuery(context.Background(), adapter.ExecuteQueryParams{Query: "SELECT * FROM public.users"}, sess)
	require.Error(t, err)
	var aerr *adapter.Error
	if require.ErrorAs(t, err, &aerr) {
		assert.Equal(t, adapter.CodeQueryTimeout, aerr.Code)
	}
}

func TestAdapterMethodsPanicOnUnbrandedSession(t *testing.T) {
	m := newTestAdapter()
	forged := &session.Context{}
	assert.Panics(t, func() {
		_, _ = m.ListTables(context.Background(), adapter.ListTablesParams{}, forged)
	})
}
