package tenant

// Stable machine-readable codes for scope misuse. These are programmer
// errors: they fail the current unit of work and are never retried.
const (
	CodeInvalidScope  = "invalid_scope"
	CodeAlreadyScoped = "already_scoped"
)

// ScopeError reports misuse of the tenant scoping discipline.
type ScopeError struct {
	Code    string
	Message string
}

func (e *ScopeError) Error() string {
	return e.Message
}

// IsInvalidScope checks if an error is a scope error with the
// invalid_scope code.
func IsInvalidScope(err error) bool {
	se, ok := err.(*ScopeError)
	return ok && se.Code == CodeInvalidScope
}

// IsAlreadyScoped checks if an error is a scope error with the
// already_scoped code.
func IsAlreadyScoped(err error) bool {
	se, ok := err.(*ScopeError)
	return ok && se.Code == CodeAlreadyScoped
}
