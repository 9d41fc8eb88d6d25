// Package session implements the one-shot, branded session-context state
// machine that binds a principal (identity, tenant, session id) before any
// data-plane work is allowed.
//
// A Context is created empty (state unbound), bound exactly once from
// control-plane configuration, and then carries capabilities and a quota
// engine attached at most once each. Every structural accessor requires the
// bound state. Contexts are branded: a module-private registry records
// every instance produced by New, and IsValid reports membership in that
// registry for any value, including values that are not *Context at all.
// This prevents a duck-typed struct literal from impersonating a bound
// session at any downstream boundary — a Context obtained any other way
// than through New, including a zero-value &Context{} built outside this
// package, is not in the registry and is never valid.
package session

import (
	"strings"
	"sync"
	"time"
)

// state is the lifecycle state of a Context. The zero value is unbound.
type state int

const (
	stateUnbound state = iota
	stateBound
)

// Capabilities is the minimal view of a capability set the session needs to
// carry. The concrete type lives in package capability; session only needs
// to hold and return it, so it is expressed here as an opaque interface to
// avoid a dependency cycle between the two packages growing over time.
type Capabilities interface{}

// QuotaEngine is the minimal view of a quota engine the session carries.
// See Capabilities for why this is an interface rather than a concrete type.
type QuotaEngine interface{}

// Context is a one-shot, branded, frozen principal binding. The zero value
// is not a valid Context — always construct one with New.
type Context struct {
	mu sync.RWMutex

	st state

	identity  string
	tenant    string
	sessionID string
	boundAt   time.Time

	capabilities Capabilities
	quotaEngine  QuotaEngine
}

// Code identifies the kind of invariant violation raised by this package.
// These are fatal errors, not denials: their occurrence indicates a logic
// bug in the caller, never a policy decision, and they must not be
// translated into a boundary denial code.
type Code string

const (
	// CodeRebinding is returned when Bind is called on an already-bound Context.
	CodeRebinding Code = "REBINDING"
	// CodeInvalidField is returned when Bind receives an empty or
	// whitespace-only identity or tenant.
	CodeInvalidField Code = "INVALID_FIELD"
	// CodeAlreadyAttached is returned when AttachCapabilities or
	// AttachQuotaEngine is called a second time on the same Context.
	CodeAlreadyAttached Code = "ALREADY_ATTACHED"
	// CodeUnboundAccess is returned when a structural accessor is called on
	// a Context that has not completed Bind.
	CodeUnboundAccess Code = "UNBOUND_ACCESS"
)

// Error reports a session invariant violation. Callers at the tool
// execution boundary must treat a non-nil Error as fatal: log it at error
// severity and refuse the request, never retry or degrade to a partial bind.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// brand is the module-private registry of legitimate Context instances.
// Membership is the only thing IsValid consults: a struct literal built
// outside this package, or a Context obtained by copying (which Go permits
// syntactically but which this package treats as forgery), is never a
// member and therefore never valid.
var brand sync.Map // map[*Context]struct{}

// New returns an unbound Context, registered in the brand.
func New() *Context {
	c := &Context{st: stateUnbound}
	brand.Store(c, struct{}{})
	return c
}

// IsValid reports whether x is a *Context produced by New. Any other type,
// including a nil *Context or an unrelated value, reports false.
func IsValid(x any) bool {
	c, ok := x.(*Context)
	if !ok || c == nil {
		return false
	}
	_, ok = brand.Load(c)
	return ok
}

// Bind transitions c from unbound to bound exactly once. identity and
// tenant must be non-empty and not whitespace-only; they must come only
// from the control-plane environment, never from request data. sessionID
// is server-generated (callers typically pass a UUID). Bind fails with
// CodeRebinding if c is already bound, or CodeInvalidField if identity or
// tenant is missing.
func (c *Context) Bind(identity, tenant, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st == stateBound {
		return newError(CodeRebinding, "session: Bind called on an already-bound context")
	}
	if strings.TrimSpace(identity) == "" {
		return newError(CodeInvalidField, "session: identity must be non-empty")
	}
	if strings.TrimSpace(tenant) == "" {
		return newError(CodeInvalidField, "session: tenant must be non-empty")
	}

	c.identity = identity
	c.tenant = tenant
	c.sessionID = sessionID
	c.boundAt = time.Now()
	c.st = stateBound
	return nil
}

// AttachCapabilities attaches cs to c. Allowed only once and only after
// Bind; a second call, or a call before Bind, is a fatal invariant
// violation.
func (c *Context) AttachCapabilities(cs Capabilities) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateBound {
		return newError(CodeUnboundAccess, "session: AttachCapabilities requires a bound context")
	}
	if c.capabilities != nil {
		return newError(CodeAlreadyAttached, "session: capabilities already attached")
	}
	c.capabilities = cs
	return nil
}

// AttachQuotaEngine attaches qe to c. Same one-shot rules as
// AttachCapabilities, tracked independently.
func (c *Context) AttachQuotaEngine(qe QuotaEngine) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.st != stateBound {
		return newError(CodeUnboundAccess, "session: AttachQuotaEngine requires a bound context")
	}
	if c.quotaEngine != nil {
		return newError(CodeAlreadyAttached, "session: quota engine already attached")
	}
	c.quotaEngine = qe
	return nil
}

// IsBound reports whether c has completed Bind.
func (c *Context) IsBound() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.st == stateBound
}

// HasCapabilities reports whether capabilities have been attached.
func (c *Context) HasCapabilities() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capabilities != nil
}

// HasQuotaEngine reports whether a quota engine has been attached.
func (c *Context) HasQuotaEngine() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.quotaEngine != nil
}

// Identity returns the bound identity. Requires IsBound; otherwise returns
// CodeUnboundAccess.
func (c *Context) Identity() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.st != stateBound {
		return "", newError(CodeUnboundAccess, "session: Identity requires a bound context")
	}
	return c.identity, nil
}

// Tenant returns the bound tenant. Requires IsBound.
func (c *Context) Tenant() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.st != stateBound {
		return "", newError(CodeUnboundAccess, "session: Tenant requires a bound context")
	}
	return c.tenant, nil
}

// SessionID returns the bound session id. Requires IsBound.
func (c *Context) SessionID() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.st != stateBound {
		return "", newError(CodeUnboundAccess, "session: SessionID requires a bound context")
	}
	return c.sessionID, nil
}

// BoundAt returns the time Bind completed. Requires IsBound.
func (c *Context) BoundAt() (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.st != stateBound {
		return time.Time{}, newError(CodeUnboundAccess, "session: BoundAt requires a bound context")
	}
	return c.boundAt, nil
}

// CapabilitiesValue returns the attached capabilities. Requires IsBound.
func (c *Context) CapabilitiesValue() (Capabilities, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.st != stateBound {
		return nil, newError(CodeUnboundAccess, "session: CapabilitiesValue requires a bound context")
	}
	return c.capabilities, nil
}

// QuotaEngineValue returns the attached quota engine. Requires IsBound.
func (c *Context) QuotaEngineValue() (QuotaEngine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.st != stateBound {
		return nil, newError(CodeUnboundAccess, "session: QuotaEngineValue requires a bound context")
	}
	return c.quotaEngine, nil
}
