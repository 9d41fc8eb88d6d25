package sqlguard

// Allowlist is the immutable set of schemas and, optionally, per-schema
// tables a validated query is permitted to touch. It is built once from
// startup configuration and never mutated afterward.
type Allowlist struct {
	schemas map[string]struct{}
	tables  map[string]map[string]struct{}
}

// NewAllowlist builds an Allowlist from a schema set and an optional
// per-schema table restriction. A schema present in schemas but absent from
// tables has no per-table restriction: any table in that schema passes,
// subject only to the schema check.
func NewAllowlist(schemas []string, tables map[string][]string) *Allowlist {
	a := &Allowlist{
		schemas: make(map[string]struct{}, len(schemas)),
		tables:  make(map[string]map[string]struct{}, len(tables)),
	}
	for _, s := range schemas {
		a.schemas[s] = struct{}{}
	}
	for schema, names := range tables {
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			set[n] = struct{}{}
		}
		a.tables[schema] = set
	}
	return a
}

// Check reports whether every table in tables is allowed. On the first
// violation it returns the offending table; the caller must treat this as
// UNAUTHORIZED_TABLE, distinct from a structural QUERY_REJECTED.
func (a *Allowlist) Check(tables []QualifiedName) (ok bool, violation QualifiedName) {
	for _, t := range tables {
		if _, allowed := a.schemas[t.Schema]; !allowed {
			return false, t
		}
		if tset, restricted := a.tables[t.Schema]; restricted {
			if _, allowed := tset[t.Table]; !allowed {
				return false, t
			}
		}
	}
	return true, QualifiedName{}
}
