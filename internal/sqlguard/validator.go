// Package sqlguard implements the structural SQL validator that gates the
// read-only query tool. It is deliberately not a SQL parser: it is a
// sequence of regex guards plus a shallow FROM/JOIN/ORDER BY extractor.
// Replacing it with a real parser would change the threat model — a
// lenient parser accepts more shapes than this grammar does, which widens
// the false-accept surface. False rejects here are an acceptable cost;
// false accepts are prevented structurally by keeping the grammar narrow
// and then layering the allowlist on top of whatever it extracts.
//
// Validate is pure and fails closed: any ambiguity in extraction is a
// rejection, never a best-effort accept.
package sqlguard

import (
	"regexp"
	"strings"
)

// QualifiedName is a schema-qualified table reference.
type QualifiedName struct {
	Schema string
	Table  string
}

func (q QualifiedName) String() string { return q.Schema + "." + q.Table }

// Reason is the closed set of structural rejection reasons. An empty
// Reason accompanies a valid Result.
type Reason string

const (
	ReasonMultiStatement          Reason = "MULTI_STATEMENT"
	ReasonComment                 Reason = "COMMENT"
	ReasonWriteKeyword            Reason = "WRITE_KEYWORD"
	ReasonCTEOrSetOp              Reason = "CTE_OR_SET_OP"
	ReasonOffset                  Reason = "OFFSET"
	ReasonLockingClause           Reason = "LOCKING_CLAUSE"
	ReasonSelectInto              Reason = "SELECT_INTO"
	ReasonNotSelect               Reason = "NOT_SELECT"
	ReasonImplicitJoin            Reason = "IMPLICIT_JOIN"
	ReasonUnqualifiedTable        Reason = "UNQUALIFIED_TABLE"
	ReasonNoTablesExtracted       Reason = "NO_TABLES_EXTRACTED"
	ReasonOrderByMultipleClauses  Reason = "ORDER_BY_MULTIPLE_CLAUSES"
	ReasonOrderByTooManyKeys      Reason = "ORDER_BY_TOO_MANY_KEYS"
	ReasonOrderByBadKey           Reason = "ORDER_BY_BAD_KEY"
	ReasonOrderByMissingDirection Reason = "ORDER_BY_MISSING_DIRECTION"
	ReasonOrderByDialectExt       Reason = "ORDER_BY_DIALECT_EXTENSION"
	ReasonOrderByAliasAmbiguous   Reason = "ORDER_BY_ALIAS_AMBIGUOUS"
	ReasonOrderByNotAllowlisted   Reason = "ORDER_BY_NOT_ALLOWLISTED"
)

// Options carries the caller-supplied ORDER BY allowlist: schema -> table ->
// allowed column names. A nil or empty map means no ORDER BY is ever valid,
// matching the fail-closed default when nothing has been configured.
type Options struct {
	OrderByColumns map[string]map[string][]string
}

// Result is the outcome of Validate.
type Result struct {
	Valid  bool
	Reason Reason
	Tables []QualifiedName
}

var (
	reSemicolon     = regexp.MustCompile(`;`)
	reLineComment   = regexp.MustCompile(`--`)
	reBlockComment  = regexp.MustCompile(`/\*`)
	reHashComment   = regexp.MustCompile(`#`)
	reWriteKeyword  = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|TRUNCATE|DROP|ALTER|CREATE|GRANT|REVOKE|MERGE|CALL|EXEC|EXECUTE)\b`)
	reSetOp         = regexp.MustCompile(`(?i)\b(WITH|UNION|INTERSECT|EXCEPT)\b`)
	reOffset        = regexp.MustCompile(`(?i)\bOFFSET\b`)
	// reLimitComma matches the comma form of LIMIT ("LIMIT offset, count"),
	// a dialect extension (MySQL and others) that means the same thing as a
	// standalone OFFSET clause but carries no OFFSET keyword of its own.
	reLimitComma = regexp.MustCompile(`(?i)\bLIMIT\s+\d+\s*,`)
	reLocking       = regexp.MustCompile(`(?i)\bFOR\s+(UPDATE|SHARE)\b`)
	reInto          = regexp.MustCompile(`(?i)\bINTO\b`)
	reLeadingSelect = regexp.MustCompile(`(?i)^\s*SELECT\b`)
	reOrderBy       = regexp.MustCompile(`(?i)\bORDER\s+BY\b`)
	reNullsDir      = regexp.MustCompile(`(?i)\bNULLS\s+(FIRST|LAST)\b`)
	reCollate       = regexp.MustCompile(`(?i)\bCOLLATE\b`)

	// reFromClause captures everything between FROM and the next clause
	// boundary (JOIN, WHERE, GROUP BY, ORDER BY, LIMIT, or end of string),
	// used only to detect a top-level comma (implicit join).
	reFromClause = regexp.MustCompile(`(?i)\bFROM\b(.*?)(?:\bJOIN\b|\bWHERE\b|\bGROUP\s+BY\b|\bORDER\s+BY\b|\bLIMIT\b|$)`)

	// reTableRef matches a FROM or JOIN keyword followed by an identifier
	// chain and an optional alias. Group 2 is the first identifier, group 3
	// is ".second_identifier" when the reference is schema-qualified (empty
	// otherwise), group 4 is an optional alias.
	reTableRef = regexp.MustCompile(`(?i)\b(FROM|JOIN)\s+([A-Za-z_][A-Za-z0-9_]*)(\.[A-Za-z_][A-Za-z0-9_]*)?(?:\s+(?:AS\s+)?([A-Za-z_][A-Za-z0-9_]*))?`)

	// reOrderByClause extracts the ORDER BY clause body, up to LIMIT or end
	// of string.
	reOrderByClause = regexp.MustCompile(`(?i)\bORDER\s+BY\b(.*?)(?:\bLIMIT\b|$)`)

	// reSortKey matches a single well-formed sort key: alias.column or
	// schema.table.column, followed by a mandatory ASC or DESC.
	reSortKey = regexp.MustCompile(`(?i)^\s*([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)(?:\.([A-Za-z_][A-Za-z0-9_]*))?\s+(ASC|DESC)\s*$`)

	reHasDirection = regexp.MustCompile(`(?i)\b(ASC|DESC)\b`)
	reFunctionCall = regexp.MustCompile(`\(`)
	reNumericOnly  = regexp.MustCompile(`^\s*\d+\s*$`)
)

// Validate runs the structural grammar against sql and, if it passes, the
// ORDER BY allowlist check against opts. Reject rules are evaluated in a
// fixed order; the first rule that matches wins and no table set is
// surfaced for a rejected query.
func Validate(sql string, opts Options) Result {
	if reSemicolon.MatchString(sql) {
		return Result{Reason: ReasonMultiStatement}
	}
	if reLineComment.MatchString(sql) || reBlockComment.MatchString(sql) || reHashComment.MatchString(sql) {
		return Result{Reason: ReasonComment}
	}
	if reLocking.MatchString(sql) {
		return Result{Reason: ReasonLockingClause}
	}
	if reWriteKeyword.MatchString(sql) {
		return Result{Reason: ReasonWriteKeyword}
	}
	if reSetOp.MatchString(sql) {
		return Result{Reason: ReasonCTEOrSetOp}
	}
	if reOffset.MatchString(sql) || reLimitComma.MatchString(sql) {
		return Result{Reason: ReasonOffset}
	}
	if reInto.MatchString(sql) {
		return Result{Reason: ReasonSelectInto}
	}
	if !reLeadingSelect.MatchString(sql) {
		return Result{Reason: ReasonNotSelect}
	}

	tables, aliases, reason := extractTables(sql)
	if reason != "" {
		return Result{Reason: reason}
	}

	if reOrderBy.MatchString(sql) {
		reason := validateOrderBy(sql, aliases, opts)
		if reason != "" {
			return Result{Reason: reason}
		}
	}

	return Result{Valid: true, Tables: tables}
}

// extractTables returns the best-effort over-extracted table set and an
// alias-to-table resolution map, or a rejection reason. Over-extraction is
// intentional: spurious names only tighten the downstream allowlist check,
// they never cause a false accept.
func extractTables(sql string) ([]QualifiedName, map[string]QualifiedName, Reason) {
	if from := reFromClause.FindStringSubmatch(sql); from != nil {
		if strings.Contains(from[1], ",") {
			return nil, nil, ReasonImplicitJoin
		}
	}

	matches := reTableRef.FindAllStringSubmatch(sql, -1)
	if len(matches) == 0 {
		return nil, nil, ReasonNoTablesExtracted
	}

	var tables []QualifiedName
	aliases := map[string]QualifiedName{}
	for _, m := range matches {
		qualifier := m[3]
		if qualifier == "" {
			return nil, nil, ReasonUnqualifiedTable
		}
		q := QualifiedName{Schema: m[2], Table: strings.TrimPrefix(qualifier, ".")}
		tables = append(tables, q)

		alias := m[4]
		if alias == "" {
			alias = q.Table
		}
		if existing, ok := aliases[alias]; ok && existing != q {
			// Same alias bound to two different tables: any later ORDER BY
			// reference through this alias would be ambiguous. Record a
			// sentinel so validateOrderBy can reject it if referenced.
			aliases[alias] = QualifiedName{}
			continue
		}
		aliases[alias] = q
	}

	if len(tables) == 0 {
		return nil, nil, ReasonNoTablesExtracted
	}
	return tables, aliases, ""
}

// validateOrderBy checks clause count, sort-key shape, and allowlist
// membership for the query's ORDER BY clause.
func validateOrderBy(sql string, aliases map[string]QualifiedName, opts Options) Reason {
	clauses := reOrderBy.FindAllStringIndex(sql, -1)
	if len(clauses) > 1 {
		return ReasonOrderByMultipleClauses
	}

	body := reOrderByClause.FindStringSubmatch(sql)
	if body == nil {
		return ReasonOrderByBadKey
	}
	if reNullsDir.MatchString(body[1]) || reCollate.MatchString(body[1]) {
		return ReasonOrderByDialectExt
	}

	keys := splitTopLevel(body[1])
	if len(keys) > 2 {
		return ReasonOrderByTooManyKeys
	}
	if len(keys) == 0 {
		return ReasonOrderByBadKey
	}

	for _, key := range keys {
		key = strings.TrimSpace(key)
		if reNumericOnly.MatchString(key) || reFunctionCall.MatchString(key) {
			return ReasonOrderByBadKey
		}
		if !reHasDirection.MatchString(key) {
			return ReasonOrderByMissingDirection
		}

		m := reSortKey.FindStringSubmatch(key)
		if m == nil {
			return ReasonOrderByBadKey
		}

		var col QualifiedName
		var column string
		if m[3] != "" {
			// schema.table.column form.
			col = QualifiedName{Schema: m[1], Table: m[2]}
			column = m[3]
		} else {
			// alias.column form: resolve through the FROM/JOIN alias map.
			resolved, ok := aliases[m[1]]
			if !ok || resolved == (QualifiedName{}) {
				return ReasonOrderByAliasAmbiguous
			}
			col = resolved
			column = m[2]
		}

		if !orderByAllowed(opts, col, column) {
			return ReasonOrderByNotAllowlisted
		}
	}
	return ""
}

func orderByAllowed(opts Options, col QualifiedName, column string) bool {
	if len(opts.OrderByColumns) == 0 {
		return false
	}
	byTable, ok := opts.OrderByColumns[col.Schema]
	if !ok {
		return false
	}
	cols, ok := byTable[col.Table]
	if !ok {
		return false
	}
	for _, c := range cols {
		if c == column {
			return true
		}
	}
	return false
}

// splitTopLevel splits a comma-separated sort-key list. There is no
// parenthesis nesting to account for: any parenthesis at all marks a
// function call, which is rejected independently before the split result
// is used for anything but the count and shape check.
func splitTopLevel(s string) []string {
	var parts []string
	for _, p := range strings.Split(s, ",") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}
