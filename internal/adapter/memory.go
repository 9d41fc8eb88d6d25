package adapter

import (
	"context"
	"sort"
	"time"

	"github.com/sqlsentry/sentryd/internal/session"
	"github.com/sqlsentry/sentryd/internal/sqlguard"
)

const (
	defaultStatementTimeout = 5 * time.Second
	defaultRowLimit         = 100
)

// table is one fixed in-memory table: its column schema and its rows.
type table struct {
	columns []ColumnInfo
	rows    []map[string]any
}

// Memory is a reference Adapter backed by a fixed in-memory catalog. It
// never touches a real database; it exists to exercise the boundary and
// the defense-in-depth re-validation path end to end.
type Memory struct {
	allowlist        *sqlguard.Allowlist
	orderByOpts      sqlguard.Options
	tables           map[sqlguard.QualifiedName]*table
	statementTimeout time.Duration
	rowLimit         int
}

// MemoryOption configures a Memory adapter at construction time.
type MemoryOption func(*Memory)

// WithStatementTimeout overrides the default 5-second statement timeout.
func WithStatementTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.statementTimeout = d
		}
	}
}

// WithRowLimit overrides the default server-enforced row limit.
func WithRowLimit(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.rowLimit = n
		}
	}
}

// NewMemory constructs a Memory adapter. allowlist and orderByOpts mirror
// the configuration the structural validator was already checked against
// upstream; the adapter re-runs both independently rather than trusting
// the boundary's prior pass.
func NewMemory(allowlist *sqlguard.Allowlist, orderByOpts sqlguard.Options, opts ...MemoryOption) *Memory {
	m := &Memory{
		allowlist:        allowlist,
		orderByOpts:      orderByOpts,
		tables:           map[sqlguard.QualifiedName]*table{},
		statementTimeout: defaultStatementTimeout,
		rowLimit:         defaultRowLimit,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Seed registers a table's columns and rows in the catalog. Intended for
// test setup and local development fixtures, not for production use.
func (m *Memory) Seed(schema, tableName string, columns []ColumnInfo, rows []map[string]any) {
	m.tables[sqlguard.QualifiedName{Schema: schema, Table: tableName}] = &table{columns: columns, rows: rows}
}

// ListTables returns every table in the catalog, optionally filtered by
// schema.
func (m *Memory) ListTables(ctx context.Context, params ListTablesParams, sess *session.Context) (ListTablesResult, error) {
	assertSession(sess)

	var out []TableInfo
	for q := range m.tables {
		if params.Schema != "" && q.Schema != params.Schema {
			continue
		}
		out = append(out, TableInfo{Schema: q.Schema, Table: q.Table})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Schema != out[j].Schema {
			return out[i].Schema < out[j].Schema
		}
		return out[i].Table < out[j].Table
	})
	return ListTablesResult{Tables: out}, nil
}

// DescribeTable returns the column schema for one table.
func (m *Memory) DescribeTable(ctx context.Context, params DescribeTableParams, sess *session.Context) (DescribeTableResult, error) {
	assertSession(sess)

	t, ok := m.tables[sqlguard.QualifiedName{Schema: params.Schema, Table: params.Table}]
	if !ok {
		return DescribeTableResult{}, &Error{Code: CodeExecutionError, Msg: "adapter: table not found"}
	}
	return DescribeTableResult{Columns: t.columns}, nil
}

// ExecuteQuery re-validates the query's structural shape and table
// allowlist membership, then runs it against the in-memory catalog inside
// a simulated read-only transaction: a clamped row limit and a statement
// deadline, with any error mapped to the coarse adapter taxonomy.
func (m *Memory) ExecuteQuery(ctx context.Context, params ExecuteQueryParams, sess *session.Context) (ExecuteQueryResult, error) {
	assertSession(sess)

	result := sqlguard.Validate(params.Query, m.orderByOpts)
	if !result.Valid {
		return ExecuteQueryResult{}, &Error{Code: CodeQueryRejected, Msg: "adapter: query failed structural validation"}
	}
	if ok, violation := m.allowlist.Check(result.Tables); !ok {
		return ExecuteQueryResult{}, &Error{Code: CodeUnauthorizedTable, Msg: "adapter: table not allowlisted: " + violation.String()}
	}

	qctx, cancel := context.WithTimeout(ctx, m.statementTimeout)
	defer cancel()

	type outcome struct {
		res ExecuteQueryResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		done <- outcome{res: m.scanRows(result.Tables)}
	}()

	select {
	case <-qctx.Done():
		return ExecuteQueryResult{}, &Error{Code: CodeQueryTimeout, Msg: "adapter: statement deadline exceeded"}
	case o := <-done:
		return o.res, o.err
	}
}

// scanRows reads every row from the first extracted table, clamped to the
// configured row limit. Real adapters would run the query under a
// read-only transaction with the clamp injected into the SQL itself; this
// reference adapter has no SQL engine behind it, so it clamps the scan.
func (m *Memory) scanRows(tables []sqlguard.QualifiedName) ExecuteQueryResult {
	if len(tables) == 0 {
		return ExecuteQueryResult{}
	}
	t, ok := m.tables[tables[0]]
	if !ok {
		return ExecuteQueryResult{}
	}

	rows := t.rows
	truncated := false
	if len(rows) > m.rowLimit {
		rows = rows[:m.rowLimit]
		truncated = true
	}
	out := make([]map[string]any, len(rows))
	copy(out, rows)
	return ExecuteQueryResult{Rows: out, RowCount: len(out), Truncated: truncated}
}
