package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/audit"
	"github.com/sqlsentry/sentryd/internal/session"
	"github.com/sqlsentry/sentryd/internal/sqlguard"
	"github.com/sqlsentry/sentryd/internal/toolboundary"
)

// QueryReadArgs is the input schema for query_read.
type QueryReadArgs struct {
	Query string `json:"query"`
}

// QueryReadInputSchema is the JSON Schema registered for query_read.
const QueryReadInputSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1}
	},
	"required": ["query"],
	"additionalProperties": false
}`

// QueryReadHandler emits a query audit event (carrying only a
// non-reversible fingerprint and coarse structural metadata, never the SQL
// text itself) and delegates to the adapter, which owns the authoritative
// structural validation and allowlist check against the real configured
// allowlist. This handler runs its own validation pass using the same
// sqlguard.Options the boundary was configured with (threaded in via
// RequestMeta) purely to decide what to audit before the adapter call; it
// must reuse those options rather than an empty Options{}, or its verdict
// would diverge from the adapter's and the audit trail would record a false
// DENY for a query the adapter actually allowed (or vice versa). The
// adapter's own verdict is still what the caller sees: a query this pass
// calls "accepted" can still be rejected by the adapter (e.g. an
// unauthorized table it has more specific configuration for).
func QueryReadHandler(ctx context.Context, args json.RawMessage, ad adapter.Adapter, sess *session.Context) (any, error) {
	var a QueryReadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("query_read: unmarshal args: %w", err)
	}

	meta, _ := toolboundary.RequestMetaFromContext(ctx)
	if meta.Sink != nil {
		result := sqlguard.Validate(a.Query, meta.SQLGuardOptions)
		outcome := "rejected"
		decision := audit.DecisionDeny
		if result.Valid {
			outcome = "accepted"
			decision = audit.DecisionAllow
		}
		_ = meta.Sink.Emit(audit.Event{
			EventType:          audit.EventQuery,
			RequestID:          meta.RequestID,
			OperationID:        meta.OperationID,
			AdapterType:        meta.AdapterType,
			QueryFingerprint:   audit.FingerprintQuery(meta.FingerprintKey, a.Query),
			QuerySizeBytes:     len(a.Query),
			ValidationOutcome:  outcome,
			StructuralMetadata: fmt.Sprintf("tables=%d;reason=%s", len(result.Tables), result.Reason),
			Decision:           decision,
			Reason:             string(result.Reason),
			ActorIDHash:        meta.ActorIDHash,
			Tenant:             meta.Tenant,
			Tool:               meta.Tool,
		})
	}

	return ad.ExecuteQuery(ctx, adapter.ExecuteQueryParams{Query: a.Query}, sess)
}
