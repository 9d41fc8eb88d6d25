// Package adapter defines the external collaborator contract the tool
// execution boundary invokes after every upstream check has passed, and
// ships one reference in-process implementation for tests and local
// development.
//
// The boundary already asserts that the session handed to an adapter is
// bound and brand-valid before calling in; every adapter method re-asserts
// both anyway. This is deliberate defense in depth — a bug in the boundary
// must not turn into a data-plane bypass — and a violation here is fatal,
// not a denial: adapters panic rather than return an error code, because
// the boundary's outermost frame is the only place equipped to convert an
// invariant violation into EXECUTION_ERROR without ever treating it as a
// policy decision.
package adapter

import (
	"context"

	"github.com/sqlsentry/sentryd/internal/session"
)

// Code is the coarse adapter/runtime error taxonomy. It is a strict subset
// of the boundary's denial codes — adapters never invent new codes.
type Code string

const (
	CodeQueryTimeout      Code = "QUERY_TIMEOUT"
	CodeExecutionError    Code = "EXECUTION_ERROR"
	CodeQueryRejected     Code = "QUERY_REJECTED"
	CodeUnauthorizedTable Code = "UNAUTHORIZED_TABLE"
)

// Error is returned by adapter methods for any runtime failure. It never
// wraps or exposes the underlying database error text.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// ListTablesParams carries an optional schema filter.
type ListTablesParams struct {
	Schema string
}

// TableInfo names one table in the catalog.
type TableInfo struct {
	Schema string
	Table  string
}

// ListTablesResult is the outcome of ListTables.
type ListTablesResult struct {
	Tables []TableInfo
}

// DescribeTableParams identifies the table to describe.
type DescribeTableParams struct {
	Schema string
	Table  string
}

// ColumnInfo describes one column of a table.
type ColumnInfo struct {
	Name     string
	Type     string
	Nullable bool
}

// DescribeTableResult is the outcome of DescribeTable.
type DescribeTableResult struct {
	Columns []ColumnInfo
}

// ExecuteQueryParams carries the caller-supplied SQL text, already passed
// through the boundary's input schema validation but not yet through the
// structural validator — the adapter runs that itself.
type ExecuteQueryParams struct {
	Query string
}

// ExecuteQueryResult is the outcome of ExecuteQuery. Truncated reports
// whether the server-enforced LIMIT clamped the result set.
type ExecuteQueryResult struct {
	Rows      []map[string]any
	RowCount  int
	Truncated bool
}

// Adapter is the database-access collaborator contract. Every method
// receives the bound session so it can re-assert brand validity and
// tenant scoping independently of the boundary.
type Adapter interface {
	ListTables(ctx context.Context, params ListTablesParams, sess *session.Context) (ListTablesResult, error)
	DescribeTable(ctx context.Context, params DescribeTableParams, sess *session.Context) (DescribeTableResult, error)
	ExecuteQuery(ctx context.Context, params ExecuteQueryParams, sess *session.Context) (ExecuteQueryResult, error)
}

// assertSession panics if sess is not a brand-valid, bound session. Every
// Adapter implementation in this package calls this first, before touching
// any catalog or row state.
func assertSession(sess *session.Context) {
	if !session.IsValid(sess) {
		panic("adapter: session is not brand-valid")
	}
	if !sess.IsBound() {
		panic("adapter: session is not bound")
	}
}
