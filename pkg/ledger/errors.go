package ledger

import "fmt"

// Stable machine-readable error codes surfaced to callers.
const (
	CodeInvalidArgument    = "invalid_argument"
	CodeInvalidQuery       = "invalid_query"
	CodePersistenceFailure = "persistence_failure"
	CodeNotFound           = "not_found"
)

// InvalidArgumentError indicates bad input to a ledger method. Fatal
// to the current unit of work, never retried.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string {
	return e.Message
}

// Code returns the stable machine-readable code.
func (e *InvalidArgumentError) Code() string { return CodeInvalidArgument }

// InvalidQueryError indicates an unscoped or empty search. The ledger
// never answers "everything", so empty criteria are rejected rather
// than returning the full log.
type InvalidQueryError struct {
	Message string
}

func (e *InvalidQueryError) Error() string {
	return e.Message
}

// Code returns the stable machine-readable code.
func (e *InvalidQueryError) Code() string { return CodeInvalidQuery }

// PersistenceError wraps a storage failure. On append the caller must
// roll back the accompanying business mutation; an unaudited mutation
// is worse than a rejected one.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Code returns the stable machine-readable code.
func (e *PersistenceError) Code() string { return CodePersistenceFailure }

// NotFoundError indicates a lookup by id matched nothing visible to
// the active tenant. Callers decide whether this is fatal.
type NotFoundError struct {
	TransactionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction %s not found", e.TransactionID)
}

// Code returns the stable machine-readable code.
func (e *NotFoundError) Code() string { return CodeNotFound }

// IsInvalidArgument checks if an error is an InvalidArgumentError.
func IsInvalidArgument(err error) bool {
	_, ok := err.(*InvalidArgumentError)
	return ok
}

// IsInvalidQuery checks if an error is an InvalidQueryError.
func IsInvalidQuery(err error) bool {
	_, ok := err.(*InvalidQueryError)
	return ok
}

// IsPersistenceFailure checks if an error is a PersistenceError.
func IsPersistenceFailure(err error) bool {
	_, ok := err.(*PersistenceError)
	return ok
}

// IsNotFound checks if an error is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}
