package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/session"
)

// DescribeTableArgs is the input schema for describe_table.
type DescribeTableArgs struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// DescribeTableInputSchema is the JSON Schema registered for describe_table.
const DescribeTableInputSchema = `{
	"type": "object",
	"properties": {
		"schema": {"type": "string", "minLength": 1},
		"table": {"type": "string", "minLength": 1}
	},
	"required": ["schema", "table"],
	"additionalProperties": false
}`

// DescribeTableHandler returns the column set of a single table.
func DescribeTableHandler(ctx context.Context, args json.RawMessage, ad adapter.Adapter, sess *session.Context) (any, error) {
	var a DescribeTableArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("describe_table: unmarshal args: %w", err)
	}
	return ad.DescribeTable(ctx, adapter.DescribeTableParams{Schema: a.Schema, Table: a.Table}, sess)
}
