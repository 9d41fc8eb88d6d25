// Package config loads the control-plane-supplied process configuration:
// bound identity and tenant, the capability set, quota policies, read-only
// mode, and the table/column allowlists. Every value here is asserted by
// the trusted launcher at process start; none of it is ever accepted from
// a request payload.
//
// Load takes an injectable getenv function rather than reading os.Environ
// directly, so tests can exercise every branch — malformed JSON, missing
// required fields, production-mode fail-closed — without mutating real
// process environment.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// CapabilityGrantConfig mirrors one entry of the CAPABILITIES grants array.
type CapabilityGrantConfig struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

// CapabilitySetConfig mirrors the CAPABILITIES environment variable.
type CapabilitySetConfig struct {
	CapSetID  string                  `json:"capSetId"`
	Issuer    string                  `json:"issuer"`
	IssuedAt  string                  `json:"issuedAt"`
	ExpiresAt string                  `json:"expiresAt"`
	Grants    []CapabilityGrantConfig `json:"grants"`
}

// QuotaPolicyConfig mirrors one entry of the QUOTA_POLICIES policies array.
type QuotaPolicyConfig struct {
	Tenant   string             `json:"tenant"`
	Identity *string            `json:"identity,omitempty"`
	CapSetID *string            `json:"capSetId,omitempty"`
	Limits   map[string]float64 `json:"limits"`
}

type quotaPoliciesDoc struct {
	Policies []QuotaPolicyConfig `json:"policies"`
}

// Bootstrap is the fully parsed process configuration, ready to be wired
// into session.Bind, capability.New, quota.New, and sqlguard.NewAllowlist.
type Bootstrap struct {
	Identity string
	Tenant   string

	Capabilities *CapabilitySetConfig
	QuotaPolicies []QuotaPolicyConfig

	ReadOnly bool

	AllowedSchemas []string
	AllowedTables  map[string][]string
	OrderByColumns map[string]map[string][]string

	Production bool
}

// Load reads and validates every configuration input using getenv as the
// sole source of environment values. It fails closed: a required field
// missing, a malformed JSON blob, or an absent QUOTA_POLICIES in a
// production deployment are all returned as errors rather than defaulted.
func Load(getenv func(string) string) (*Bootstrap, error) {
	production := parseBool(getenv("PRODUCTION"))

	identity := strings.TrimSpace(getenv("SESSION_IDENTITY"))
	if identity == "" {
		return nil, fmt.Errorf("config: SESSION_IDENTITY is required")
	}
	tenant := strings.TrimSpace(getenv("SESSION_TENANT"))
	if tenant == "" {
		return nil, fmt.Errorf("config: SESSION_TENANT is required")
	}

	b := &Bootstrap{
		Identity:       identity,
		Tenant:         tenant,
		ReadOnly:       parseBool(getenv("READ_ONLY")),
		AllowedSchemas: parseCSV(getenv("ALLOWLIST_SCHEMAS")),
		Production:     production,
	}

	if raw := getenv("ALLOWLIST_TABLES"); raw != "" {
		tables, err := parseSchemaTableCSV(raw)
		if err != nil {
			return nil, fmt.Errorf("config: ALLOWLIST_TABLES: %w", err)
		}
		b.AllowedTables = tables
	}

	if raw := getenv("ORDERBY_COLUMNS"); raw != "" {
		cols, err := parseSchemaTableColumnCSV(raw)
		if err != nil {
			return nil, fmt.Errorf("config: ORDERBY_COLUMNS: %w", err)
		}
		b.OrderByColumns = cols
	}

	if raw := getenv("CAPABILITIES"); raw != "" {
		var cs CapabilitySetConfig
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cs); err != nil {
			return nil, fmt.Errorf("config: CAPABILITIES: malformed JSON: %w", err)
		}
		b.Capabilities = &cs
	}

	raw := getenv("QUOTA_POLICIES")
	switch {
	case raw != "":
		var doc quotaPoliciesDoc
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("config: QUOTA_POLICIES: malformed JSON: %w", err)
		}
		b.QuotaPolicies = doc.Policies
	case production:
		return nil, fmt.Errorf("config: QUOTA_POLICIES is required in production")
	default:
		b.QuotaPolicies = nil
	}

	return b, nil
}

func parseBool(v string) bool {
	v = strings.TrimSpace(strings.ToLower(v))
	b, _ := strconv.ParseBool(v)
	return b
}

func parseCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSchemaTableCSV parses a csv of "schema.table" pairs into a
// schema-to-tables map.
func parseSchemaTableCSV(v string) (map[string][]string, error) {
	out := map[string][]string{}
	for _, part := range parseCSV(v) {
		schema, table, ok := strings.Cut(part, ".")
		if !ok || schema == "" || table == "" {
			return nil, fmt.Errorf("entry %q is not schema.table", part)
		}
		out[schema] = append(out[schema], table)
	}
	return out, nil
}

// parseSchemaTableColumnCSV parses a csv of "schema.table.column" triples
// into a nested schema -> table -> columns map.
func parseSchemaTableColumnCSV(v string) (map[string]map[string][]string, error) {
	out := map[string]map[string][]string{}
	for _, part := range parseCSV(v) {
		fields := strings.SplitN(part, ".", 3)
		if len(fields) != 3 || fields[0] == "" || fields[1] == "" || fields[2] == "" {
			return nil, fmt.Errorf("entry %q is not schema.table.column", part)
		}
		schema, table, column := fields[0], fields[1], fields[2]
		if out[schema] == nil {
			out[schema] = map[string][]string{}
		}
		out[schema][table] = append(out[schema][table], column)
	}
	return out, nil
}
