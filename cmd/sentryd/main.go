package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/sqlsentry/sentryd/internal/adapter"
	"github.com/sqlsentry/sentryd/internal/audit"
	"github.com/sqlsentry/sentryd/internal/capability"
	"github.com/sqlsentry/sentryd/internal/config"
	"github.com/sqlsentry/sentryd/internal/quota"
	"github.com/sqlsentry/sentryd/internal/session"
	"github.com/sqlsentry/sentryd/internal/sqlguard"
	"github.com/sqlsentry/sentryd/internal/telemetry"
	"github.com/sqlsentry/sentryd/internal/toolboundary"
	"github.com/sqlsentry/sentryd/internal/tools"
)

// defaultToolCosts is the frozen tool-name-to-cost-unit table for the
// reference tool set. query_read is costed higher than the introspection
// tools because it is the one tool that actually scans table data.
var defaultToolCosts = map[string]int{
	"list_tables":    1,
	"describe_table": 1,
	"query_read":     5,
}

func main() {
	var (
		ingressRateF  = flag.Float64("ingress-rate", 50, "process-wide ingress requests/sec admitted before the execution boundary")
		ingressBurstF = flag.Int("ingress-burst", 100, "process-wide ingress burst size")
		dbgF          = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
	}

	bootstrap, err := config.Load(os.Getenv)
	if err != nil {
		log.Fatalf(ctx, err, "startup failed")
	}

	sess, capSet, err := bindSession(bootstrap)
	if err != nil {
		log.Fatalf(ctx, err, "session bootstrap failed")
	}
	if capSet != nil {
		if err := sess.AttachCapabilities(capSet); err != nil {
			log.Fatalf(ctx, err, "attaching capabilities failed")
		}
	}

	engine := buildQuotaEngine(bootstrap)
	if err := sess.AttachQuotaEngine(engine); err != nil {
		log.Fatalf(ctx, err, "attaching quota engine failed")
	}

	allowlist := sqlguard.NewAllowlist(bootstrap.AllowedSchemas, bootstrap.AllowedTables)
	orderByOpts := sqlguard.Options{OrderByColumns: bootstrap.OrderByColumns}
	ad := adapter.NewMemory(allowlist, orderByOpts)

	registry, err := buildRegistry()
	if err != nil {
		log.Fatalf(ctx, err, "tool registration failed")
	}

	fpKey := make([]byte, 32)
	if _, err := rand.Read(fpKey); err != nil {
		log.Fatalf(ctx, err, "generating fingerprint key failed")
	}

	sink := audit.NewWriter(os.Stdout)
	boundary := toolboundary.New(registry, sink,
		toolboundary.WithReadOnly(bootstrap.ReadOnly),
		toolboundary.WithProduction(bootstrap.Production),
		toolboundary.WithFingerprintKey(fpKey),
		toolboundary.WithSQLGuardOptions(orderByOpts),
		toolboundary.WithLogger(telemetry.NewClueLogger()),
		toolboundary.WithMetrics(telemetry.NewClueMetrics()),
		toolboundary.WithTracer(telemetry.NewClueTracer()),
	)

	shaper := newIngressShaper(*ingressRateF, *ingressBurstF)

	log.Printf(ctx, "sentryd ready (tenant=%s read_only=%v production=%v)", bootstrap.Tenant, bootstrap.ReadOnly, bootstrap.Production)
	runRequestLoop(ctx, boundary, shaper, ad, sess)
}

// toolRequest is one line of the stdio request protocol: a newline-delimited
// JSON object naming the tool and its arguments. The actual transport
// (HTTP, gRPC, a real MCP stdio framing) is the out-of-scope external
// collaborator this loop stands in for.
type toolRequest struct {
	RequestID string          `json:"request_id"`
	Tool      string          `json:"tool"`
	Args      json.RawMessage `json:"args"`
}

type toolResponse struct {
	OK          bool   `json:"ok"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	OperationID string `json:"operation_id,omitempty"`
	Content     any    `json:"content,omitempty"`
}

func runRequestLoop(ctx context.Context, boundary *toolboundary.Boundary, shaper *ingressShaper, ad adapter.Adapter, sess *session.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req toolRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(toolResponse{Code: "INVALID_INPUT", Reason: "malformed request line"})
			continue
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}
		if !shaper.allow() {
			_ = enc.Encode(toolResponse{Code: "RATE_LIMITED", Reason: "ingress shaper rejected request", OperationID: req.RequestID})
			continue
		}

		res := boundary.ExecuteTool(ctx, sess, ad, "memory", req.RequestID, req.Tool, req.Args)
		_ = enc.Encode(toolResponse{
			OK: res.OK, Code: string(res.Code), Reason: res.Reason,
			OperationID: res.OperationID, Content: res.Content,
		})
	}
}

func bindSession(b *config.Bootstrap) (*session.Context, *capability.Set, error) {
	sess := session.New()
	if err := sess.Bind(b.Identity, b.Tenant, uuid.NewString()); err != nil {
		return nil, nil, fmt.Errorf("bind: %w", err)
	}
	if b.Capabilities == nil {
		return sess, nil, nil
	}

	issuedAt, err := time.Parse(time.RFC3339, b.Capabilities.IssuedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("capabilities: issuedAt: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339, b.Capabilities.ExpiresAt)
	if err != nil {
		return nil, nil, fmt.Errorf("capabilities: expiresAt: %w", err)
	}
	grants := make([]capability.Grant, 0, len(b.Capabilities.Grants))
	for _, g := range b.Capabilities.Grants {
		grants = append(grants, capability.Grant{Action: capability.ActionKind(g.Action), Target: g.Target})
	}
	capSet := capability.New(b.Capabilities.CapSetID, b.Capabilities.Issuer, issuedAt, expiresAt, grants)
	return sess, capSet, nil
}

func buildQuotaEngine(b *config.Bootstrap) *quota.Engine {
	policies := make([]quota.Policy, 0, len(b.QuotaPolicies))
	for _, p := range b.QuotaPolicies {
		limits := make(map[quota.Dimension]float64, len(p.Limits))
		for k, v := range p.Limits {
			limits[quota.Dimension(k)] = v
		}
		policies = append(policies, quota.Policy{
			Tenant: p.Tenant, Identity: p.Identity, CapSetID: p.CapSetID, Limits: limits,
		})
	}
	return quota.New(policies, quota.WithCostTable(defaultToolCosts))
}

func buildRegistry() (*toolboundary.Registry, error) {
	registry := toolboundary.NewRegistry()
	entries := []toolboundary.Tool{
		{Name: "list_tables", Handler: tools.ListTablesHandler, InputSchema: []byte(tools.ListTablesInputSchema)},
		{Name: "describe_table", Handler: tools.DescribeTableHandler, InputSchema: []byte(tools.DescribeTableInputSchema)},
		{Name: "query_read", Handler: tools.QueryReadHandler, InputSchema: []byte(tools.QueryReadInputSchema)},
	}
	for _, t := range entries {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("register %s: %w", t.Name, err)
		}
	}
	return registry, nil
}
