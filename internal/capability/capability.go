// Package capability implements the capability grant model and the pure
// evaluator that decides whether a session's capability set authorizes a
// given (action, target) pair.
//
// Matching is byte-exact string equality on both action and target. There
// is no wildcard expansion, no pattern matching, and no normalization:
// target "*" is a literal grant on the literal target "*", not a wildcard
// over all targets. This makes confused-deputy and scope-escalation attacks
// structurally impossible rather than merely unlikely.
package capability

import "time"

// ActionKind is the closed set of actions a Grant may authorize.
type ActionKind string

const (
	// ActionToolInvoke authorizes invoking a named tool.
	ActionToolInvoke ActionKind = "TOOL_INVOKE"
	// ActionToolList authorizes listing available tools.
	ActionToolList ActionKind = "TOOL_LIST"
	// ActionResourceRead authorizes reading a named resource.
	ActionResourceRead ActionKind = "RESOURCE_READ"
	// ActionResourceList authorizes listing resources.
	ActionResourceList ActionKind = "RESOURCE_LIST"
)

// validActions is consulted by Evaluate to reject any action outside the
// closed enum before even looking at the capability set.
var validActions = map[ActionKind]struct{}{
	ActionToolInvoke:   {},
	ActionToolList:     {},
	ActionResourceRead: {},
	ActionResourceList: {},
}

// Grant is a single (action, target) capability entry.
type Grant struct {
	Action ActionKind
	Target string
}

// Set is an immutable bundle of grants issued by a trusted control plane.
// Construct with New; there is no exported way to mutate a Set afterward.
type Set struct {
	id        string
	issuedAt  time.Time
	expiresAt time.Time
	issuer    string
	grants    []Grant
}

// New constructs an immutable capability Set. The grants slice is copied so
// the caller's backing array cannot be mutated out from under the Set.
func New(id, issuer string, issuedAt, expiresAt time.Time, grants []Grant) *Set {
	copied := make([]Grant, len(grants))
	copy(copied, grants)
	return &Set{
		id:        id,
		issuedAt:  issuedAt,
		expiresAt: expiresAt,
		issuer:    issuer,
		grants:    copied,
	}
}

// ID returns the capability set's identifier.
func (s *Set) ID() string { return s.id }

// Issuer returns the issuer that minted the capability set.
func (s *Set) Issuer() string { return s.issuer }

// IssuedAt returns the issuance timestamp.
func (s *Set) IssuedAt() time.Time { return s.issuedAt }

// ExpiresAt returns the expiry timestamp.
func (s *Set) ExpiresAt() time.Time { return s.expiresAt }

// IsExpired reports whether now is at or past ExpiresAt.
func (s *Set) IsExpired(now time.Time) bool { return !now.Before(s.expiresAt) }

// Grants returns a defensive copy of the set's grants.
func (s *Set) Grants() []Grant {
	out := make([]Grant, len(s.grants))
	copy(out, s.grants)
	return out
}

// Reason enumerates the closed set of evaluator decisions.
type Reason string

const (
	// ReasonAllowed indicates an exact matching grant was found.
	ReasonAllowed Reason = "ALLOWED"
	// ReasonUnknownAction indicates action is outside the closed ActionKind enum.
	ReasonUnknownAction Reason = "DENIED_UNKNOWN_ACTION"
	// ReasonNoCapability indicates the capset is nil.
	ReasonNoCapability Reason = "DENIED_NO_CAPABILITY"
	// ReasonExpired indicates the capset has expired.
	ReasonExpired Reason = "DENIED_EXPIRED"
	// ReasonNoGrant indicates no grant matches (action, target) exactly.
	ReasonNoGrant Reason = "DENIED_NO_GRANT"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  Reason
	Grant   *Grant
}

// Evaluate decides whether capset authorizes action on target, following
// the decision table in order: unknown action, missing capset, expired
// capset, no matching grant, allow. Evaluate is pure: it takes no ambient
// state and consults nothing but its arguments and the current time now.
func Evaluate(capset *Set, action ActionKind, target string, now time.Time) Decision {
	if _, ok := validActions[action]; !ok {
		return Decision{Reason: ReasonUnknownAction}
	}
	if capset == nil {
		return Decision{Reason: ReasonNoCapability}
	}
	if capset.IsExpired(now) {
		return Decision{Reason: ReasonExpired}
	}
	for _, g := range capset.grants {
		if g.Action == action && g.Target == target {
			grant := g
			return Decision{Allowed: true, Reason: ReasonAllowed, Grant: &grant}
		}
	}
	return Decision{Reason: ReasonNoGrant}
}
