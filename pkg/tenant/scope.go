package tenant

import (
	"context"
	"sync"
)

// Scope identifies the tenant a unit of work is bound to.
// A system scope (System == true) carries no tenant and is used for
// explicitly cross-tenant maintenance work such as stats refresh.
type Scope struct {
	TenantID   string
	SubScopeID string
	System     bool
}

// scopeState is the mutable per-request scope record. It is mutable so
// that Exit can deactivate the scope for everyone still holding the
// context, which is what makes "query after Exit" a hard error instead
// of a silent unscoped query.
type scopeState struct {
	mu     sync.Mutex
	scope  Scope
	active bool
}

func (s *scopeState) snapshot() (Scope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope, s.active
}

type ctxKey struct{}

// Enter activates tenant scoping for the current unit of work and
// returns the context carrying the scope. The subScopeID is optional
// and further narrows the scope (e.g. a business unit inside the
// organization).
func Enter(ctx context.Context, tenantID, subScopeID string) (context.Context, error) {
	if tenantID == "" {
		return nil, &ScopeError{Code: CodeInvalidScope, Message: "tenant id must not be empty"}
	}
	if st, ok := ctx.Value(ctxKey{}).(*scopeState); ok {
		if _, active := st.snapshot(); active {
			return nil, &ScopeError{Code: CodeAlreadyScoped, Message: "a tenant scope is already active"}
		}
	}
	st := &scopeState{
		scope:  Scope{TenantID: tenantID, SubScopeID: subScopeID},
		active: true,
	}
	return context.WithValue(ctx, ctxKey{}, st), nil
}

// EnterSystem activates a system scope: queries run without a tenant
// predicate. Callers must be separately authorized for cross-tenant
// access; nothing in this package grants that implicitly.
func EnterSystem(ctx context.Context) (context.Context, error) {
	if st, ok := ctx.Value(ctxKey{}).(*scopeState); ok {
		if _, active := st.snapshot(); active {
			return nil, &ScopeError{Code: CodeAlreadyScoped, Message: "a tenant scope is already active"}
		}
	}
	st := &scopeState{
		scope:  Scope{System: true},
		active: true,
	}
	return context.WithValue(ctx, ctxKey{}, st), nil
}

// Exit deactivates the scope. It must be called exactly once per Enter;
// calling it without an active scope fails with InvalidScopeError.
func Exit(ctx context.Context) error {
	st, ok := ctx.Value(ctxKey{}).(*scopeState)
	if !ok {
		return &ScopeError{Code: CodeInvalidScope, Message: "exit without a matching enter"}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.active {
		return &ScopeError{Code: CodeInvalidScope, Message: "scope already exited"}
	}
	st.active = false
	return nil
}

// Current returns the active scope, or InvalidScopeError if none is
// active. Storage code calls this before binding any query.
func Current(ctx context.Context) (Scope, error) {
	st, ok := ctx.Value(ctxKey{}).(*scopeState)
	if !ok {
		return Scope{}, &ScopeError{Code: CodeInvalidScope, Message: "no active tenant scope"}
	}
	scope, active := st.snapshot()
	if !active {
		return Scope{}, &ScopeError{Code: CodeInvalidScope, Message: "no active tenant scope"}
	}
	return scope, nil
}
