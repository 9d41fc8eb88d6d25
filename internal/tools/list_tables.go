// Package tools implements the reference tool set: list_tables,
// describe_table, query_read. Each handler translates between the
// boundary's JSON args and an adapter call (query_read additionally emits
// its own query audit event) — none of them may be invoked except through
// toolboundary.Boundary.ExecuteTool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/session"
)

// ListTablesArgs is the input schema for list_tables.
type ListTablesArgs struct {
	Schema string `json:"schema,omitempty"`
}

// ListTablesInputSchema is the JSON Schema registered for list_tables.
const ListTablesInputSchema = `{
	"type": "object",
	"properties": {
		"schema": {"type": "string"}
	},
	"additionalProperties": false
}`

// ListTablesHandler lists the tables an adapter knows about, optionally
// filtered to a single schema.
func ListTablesHandler(ctx context.Context, args json.RawMessage, ad adapter.Adapter, sess *session.Context) (any, error) {
	var a ListTablesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("list_tables: unmarshal args: %w", err)
		}
	}
	return ad.ListTables(ctx, adapter.ListTablesParams{Schema: a.Schema}, sess)
}
