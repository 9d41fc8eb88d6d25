package tools_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/session"
	"github.com/sqlsentry/sentryd/internal/sqlguard"
	"github.com/sqlsentry/sentryd/internal/tools"
)

func newAdapter(t *testing.T) *adapter.Memory {
	t.Helper()
	allow := sqlguard.NewAllowlist([]string{"public"}, map[string][]string{"public": {"users"}})
	opts := sqlguard.Options{OrderByColumns: map[string]map[string][]string{"public": {"users": {"id"}}}}
	m := adapter.NewMemory(allow, opts)
	m.Seed("public", "users", []adapter.ColumnInfo{{Name: "id", Type: "bigint"}}, []map[string]any{{"id": 1}})
	return m
}

func boundSession(t *testing.T) *session.Context {
	t.Helper()
	c := session.New()
	require.NoError(t, c.Bind("u@x", "t1", "sess-1"))
	return c
}

func TestListTablesHandler(t *testing.T) {
	res, err := tools.ListTablesHandler(context.Background(), json.RawMessage(`{}`), newAdapter(t), boundSession(t))
	require.NoError(t, err)
	lr, ok := res.(adapter.ListTablesResult)
	require.True(t, ok)
	assert.Len(t, lr.Tables, 1)
}

func TestDescribeTableHandlerMissingField(t *testing.T) {
	_, err := tools.DescribeTableHandler(context.Background(), json.RawMessage(`{"schema":"public"}`), newAdapter(t), boundSession(t))
	// Missing "table" decodes to the zero value, not a JSON error; the
	// adapter is responsible for rejecting an unknown table.
	assert.Error(t, err)
}

func TestDescribeTableHandlerHappyPath(t *testing.T) {
	res, err := tools.DescribeTableHandler(context.Background(),
		json.RawMessage(`{"schema":"public","table":"users"}`), newAdapter(t), boundSession(t))
	require.NoError(t, err)
	dr, ok := res.(adapter.DescribeTableResult)
	require.True(t, ok)
	assert.Len(t, dr.Columns, 1)
}

func TestQueryReadHandlerRejectsInvalidSQL(t *testing.T) {
	// With no RequestMeta in context (as when calling the handler directly,
	// outside the boundary), QueryReadHandler skips audit emission rather
	// than panicking; full audit emission is exercised by the toolboundary
	// integration tests, which run handlers through ExecuteTool.
	_, err := tools.QueryReadHandler(context.Background(), json.RawMessage(`{"query":"SELECT * FROM users"}`), newAdapter(t), boundSession(t))
	require.Error(t, err)
	var aerr *adapter.Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, adapter.CodeQueryRejected, aerr.Code)
}

func TestQueryReadHandlerHappyPath(t *testing.T) {
	res, err := tools.QueryReadHandler(context.Background(),
		json.RawMessage(`{"query":"SELECT u.id FROM public.users u ORDER BY u.id ASC"}`), newAdapter(t), boundSession(t))
	require.NoError(t, err)
	qr, ok := res.(adapter.ExecuteQueryResult)
	require.True(t, ok)
	assert.Equal(t, 1, qr.RowCount)
}
