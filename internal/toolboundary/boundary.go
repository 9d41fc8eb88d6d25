// Package toolboundary implements the tool execution boundary: the single
// choke point every tool invocation must pass through. No other call site
// may reach a tool handler or an adapter method.
//
// Every step is fail-closed and ordered so that an earlier failure can
// never be observed to have caused a later step's side effects: an
// unrecognized tool name never reaches the authorization evaluator or the
// quota engine, an unauthorized caller never reserves budget, and a denial
// at any step produces zero adapter calls.
package toolboundary

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/audit"
	"github.com/sqlsentry/sentryd/internal/capability"
	"github.com/sqlsentry/sentryd/internal/quota"
	"github.com/sqlsentry/sentryd/internal/session"
	"github.com/sqlsentry/sentryd/internal/sqlguard"
	"github.com/sqlsentry/sentryd/internal/telemetry"
)

// Code is the closed set of denial codes the boundary surfaces to callers.
type Code string

const (
	CodeSessionContextInvalid Code = "SESSION_CONTEXT_INVALID"
	CodeToolNotFound          Code = "TOOL_NOT_FOUND"
	CodeReadOnly              Code = "READ_ONLY"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeInvalidInput          Code = "INVALID_INPUT"
	CodeQueryRejected         Code = "QUERY_REJECTED"
	CodeUnauthorizedTable     Code = "UNAUTHORIZED_TABLE"
	CodeQueryTimeout          Code = "QUERY_TIMEOUT"
	CodeExecutionError        Code = "EXECUTION_ERROR"
	CodeAuditFailure          Code = "AUDIT_FAILURE"
)

// Result is the outcome of ExecuteTool.
type Result struct {
	OK          bool
	Code        Code
	Reason      string
	Content     any
	OperationID string
}

// Boundary sequences the seven steps marked in ExecuteTool and dispatches
// to the matching Tool's Handler.
type Boundary struct {
	registry    *Registry
	readOnly    bool
	production  bool
	sink        audit.Sink
	fpKey       []byte
	sqlGuardOpt sqlguard.Options
	logger      telemetry.Logger
	metrics     telemetry.Metrics
	tracer      telemetry.Tracer
	now         func() time.Time
}

// Option configures a Boundary at construction time.
type Option func(*Boundary)

// WithReadOnly sets the global read-only mode checked at step 3.
func WithReadOnly(v bool) Option { return func(b *Boundary) { b.readOnly = v } }

// WithProduction marks the deployment as production, affecting the quota
// skip rule at step 5.
func WithProduction(v bool) Option { return func(b *Boundary) { b.production = v } }

// WithFingerprintKey sets the HMAC key used when a handler fingerprints a
// query for its own audit event.
func WithFingerprintKey(key []byte) Option { return func(b *Boundary) { b.fpKey = key } }

// WithSQLGuardOptions sets the structural validator options, in particular
// the ORDER BY allowlist, that the configured adapter actually enforces.
// A handler's own pre-adapter validation pass (used only to decide what to
// audit, never to gate the call) must reuse these, or its audit verdict
// will diverge from the adapter's real one.
func WithSQLGuardOptions(opts sqlguard.Options) Option {
	return func(b *Boundary) { b.sqlGuardOpt = opts }
}

// WithLogger overrides the default noop logger.
func WithLogger(l telemetry.Logger) Option { return func(b *Boundary) { b.logger = l } }

// WithMetrics overrides the default noop metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(b *Boundary) { b.metrics = m } }

// WithTracer overrides the default noop tracer.
func WithTracer(t telemetry.Tracer) Option { return func(b *Boundary) { b.tracer = t } }

// WithClock overrides the boundary's time source, for deterministic tests
// of duration_ms_rounded.
func WithClock(now func() time.Time) Option { return func(b *Boundary) { b.now = now } }

// New constructs a Boundary dispatching against registry and emitting
// audit events to sink.
func New(registry *Registry, sink audit.Sink, opts ...Option) *Boundary {
	b := &Boundary{
		registry: registry,
		sink:     sink,
		logger:   telemetry.NoopLogger{},
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// requestMetaKey is the context key handlers use to retrieve RequestMeta.
type requestMetaKey struct{}

// RequestMeta carries per-invocation audit context into a tool handler so
// it can emit its own structured "query" event without needing direct
// access to the boundary's internals.
type RequestMeta struct {
	Sink            audit.Sink
	FingerprintKey  []byte
	SQLGuardOptions sqlguard.Options
	RequestID       string
	OperationID     string
	Tenant          string
	Tool            string
	AdapterType     string
	ActorIDHash     string
}

// RequestMetaFromContext retrieves the RequestMeta the boundary attached
// to ctx before invoking the current handler.
func RequestMetaFromContext(ctx context.Context) (RequestMeta, bool) {
	m, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return m, ok
}

// ExecuteTool is the only path that reaches tool handlers or adapters.
func (b *Boundary) ExecuteTool(ctx context.Context, sess *session.Context, ad adapter.Adapter, adapterType, requestID, name string, args json.RawMessage) (result Result) {
	opID := uuid.NewString()
	start := b.now()

	ctx, span := b.tracer.Start(ctx, "toolboundary.execute_tool", trace.WithAttributes(attribute.String("tool", name)))

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, "toolboundary: recovered panic during tool execution",
				"operation_id", opID, "tool", name, "panic", r)
			result = Result{Code: CodeExecutionError, Reason: "panic recovered", OperationID: opID}
		}
		b.recordOutcome(span, name, start, result)
	}()

	// Step 1: session context present, bound, and brand-valid.
	if sess == nil || !session.IsValid(sess) || !sess.IsBound() {
		b.logger.Error(ctx, "toolboundary: session context invalid", "operation_id", opID, "tool", name)
		b.emit(audit.Event{
			EventType: audit.EventContext, Decision: audit.DecisionDeny, Reason: string(CodeSessionContextInvalid),
			RequestID: requestID, OperationID: opID, DurationMsRounded: b.elapsedMs(start),
		})
		return Result{Code: CodeSessionContextInvalid, OperationID: opID}
	}
	tenant, _ := sess.Tenant()
	identity, _ := sess.Identity()
	sessionID, _ := sess.SessionID()
	actorHash := audit.FingerprintActor(b.fpKey, identity, tenant)

	if !b.emit(audit.Event{
		EventType: audit.EventContext, Decision: audit.DecisionAllow,
		RequestID: requestID, OperationID: opID, Tenant: tenant, Tool: name, ActorIDHash: actorHash, DurationMsRounded: b.elapsedMs(start),
	}) {
		return Result{Code: CodeAuditFailure, OperationID: opID}
	}

	// Step 2: name must be a registered tool. This precedes authorization
	// and quota so an unrecognized name can never pollute either.
	tool, ok := b.registry.Lookup(name)
	if !ok {
		return Result{Code: CodeToolNotFound, OperationID: opID}
	}

	// Step 3: global read-only mode, independent of authorization.
	if b.readOnly && tool.WriteCapable {
		return Result{Code: CodeReadOnly, OperationID: opID}
	}

	// Step 4: capability evaluation.
	capsRaw, _ := sess.CapabilitiesValue()
	capset, _ := capsRaw.(*capability.Set)
	decision := capability.Evaluate(capset, capability.ActionToolInvoke, name, b.now())

	authzReason := string(decision.Reason)
	authzDecision := audit.DecisionDeny
	if decision.Allowed {
		authzDecision = audit.DecisionAllow
	}
	if !b.emit(audit.Event{
		EventType: audit.EventAuthz, Decision: authzDecision, Reason: authzReason,
		RequestID: requestID, OperationID: opID, Tenant: tenant, Tool: name, ActorIDHash: actorHash, DurationMsRounded: b.elapsedMs(start),
	}) {
		return Result{Code: CodeAuditFailure, OperationID: opID}
	}
	if !decision.Allowed {
		return Result{Code: CodeUnauthorized, Reason: authzReason, OperationID: opID}
	}

	// Step 5: quota reservation. Mandatory unless no quota engine is
	// attached and the deployment is non-production.
	var semaphoreKey string
	qeRaw, _ := sess.QuotaEngineValue()
	engine, _ := qeRaw.(*quota.Engine)

	switch {
	case engine == nil && !b.production:
		// Skipped: development mode with no engine attached.
	case engine == nil && b.production:
		if !b.emit(audit.Event{
			EventType: audit.EventQuota, Decision: audit.DecisionDeny, Reason: string(quota.ReasonPolicyMissing),
			RequestID: requestID, OperationID: opID, Tenant: tenant, Tool: name, ActorIDHash: actorHash, DurationMsRounded: b.elapsedMs(start),
		}) {
			return Result{Code: CodeAuditFailure, OperationID: opID}
		}
		return Result{Code: CodeRateLimited, Reason: string(quota.ReasonPolicyMissing), OperationID: opID}
	default:
		var capSetID string
		if capset != nil {
			capSetID = capset.ID()
		}
		qr := engine.CheckAndReserve(quota.Context{
			Tenant: tenant, Identity: identity, SessionID: sessionID, CapSetID: capSetID,
			Action: string(capability.ActionToolInvoke), Target: name,
		})
		quotaDecision := audit.DecisionDeny
		if qr.Allowed {
			quotaDecision = audit.DecisionAllow
		}
		if !b.emit(audit.Event{
			EventType: audit.EventQuota, Decision: quotaDecision, Reason: string(qr.Reason),
			RequestID: requestID, OperationID: opID, Tenant: tenant, Tool: name, ActorIDHash: actorHash, DurationMsRounded: b.elapsedMs(start),
		}) {
			if qr.Allowed {
				engine.Release(qr.SemaphoreKey)
			}
			return Result{Code: CodeAuditFailure, OperationID: opID}
		}
		if !qr.Allowed {
			return Result{Code: CodeRateLimited, Reason: string(qr.Reason), OperationID: opID}
		}
		semaphoreKey = qr.SemaphoreKey
		if semaphoreKey != "" {
			defer engine.Release(semaphoreKey)
		}
	}

	// Step 6: input schema validation.
	if err := tool.validateArgs(args); err != nil {
		return Result{Code: CodeInvalidInput, Reason: err.Error(), OperationID: opID}
	}

	// Step 7: handler invocation.
	handlerCtx := context.WithValue(ctx, requestMetaKey{}, RequestMeta{
		Sink: b.sink, FingerprintKey: b.fpKey, SQLGuardOptions: b.sqlGuardOpt, RequestID: requestID, OperationID: opID,
		Tenant: tenant, Tool: name, AdapterType: adapterType, ActorIDHash: actorHash,
	})
	content, err := tool.Handler(handlerCtx, args, ad, sess)
	if err != nil {
		return Result{Code: handlerErrorCode(err), Reason: err.Error(), OperationID: opID}
	}
	return Result{OK: true, Content: content, OperationID: opID}
}

// recordOutcome closes out the span started for this invocation and records
// its duration and disposition as metrics. It runs from the same deferred
// function that recovers a handler panic, so result already reflects the
// final outcome (denial code, EXECUTION_ERROR, or OK) regardless of how
// ExecuteTool returned.
func (b *Boundary) recordOutcome(span telemetry.Span, tool string, start time.Time, result Result) {
	code := string(result.Code)
	if result.OK {
		code = "OK"
	}
	b.metrics.IncCounter("toolboundary.tool_invocations_total", 1, "tool", tool, "code", code)
	b.metrics.RecordTimer("toolboundary.tool_duration", b.now().Sub(start), "tool", tool, "code", code)
	if result.OK {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, code)
	}
	span.End()
}

func (b *Boundary) emit(e audit.Event) bool {
	if e.TS.IsZero() {
		e.TS = b.now()
	}
	if err := b.sink.Emit(e); err != nil {
		return false
	}
	return true
}

func (b *Boundary) elapsedMs(start time.Time) int64 {
	return b.now().Sub(start).Round(time.Millisecond).Milliseconds()
}

// handlerErrorCode maps an adapter/runtime error to its boundary denial
// code. Any error type the adapter taxonomy doesn't recognize is coarsened
// to EXECUTION_ERROR rather than leaking its text verbatim as a code.
func handlerErrorCode(err error) Code {
	var aerr *adapter.Error
	if e, ok := err.(*adapter.Error); ok {
		aerr = e
	}
	if aerr == nil {
		return CodeExecutionError
	}
	switch aerr.Code {
	case adapter.CodeQueryTimeout:
		return CodeQueryTimeout
	case adapter.CodeQueryRejected:
		return CodeQueryRejected
	case adapter.CodeUnauthorizedTable:
		return CodeUnauthorizedTable
	default:
		return CodeExecutionError
	}
}
