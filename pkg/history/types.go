package history

import (
	"fmt"
	"time"
)

// Key identifies one history partition.
type Key struct {
	OwnerUserID string `json:"owner_user_id"`
	ItemID      string `json:"item_id"`
	PropertyID  string `json:"property_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.OwnerUserID, k.ItemID, k.PropertyID)
}

// Entry is one submitted history row.
type Entry struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	OwnerUserID string    `json:"owner_user_id"`
	ItemID      string    `json:"item_id"`
	PropertyID  string    `json:"property_id"`
	Value       string    `json:"value"`
	OwnerActive bool      `json:"owner_active"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Partition holds one partition's most recent entries, newest first.
type Partition struct {
	Key     Key      `json:"key"`
	Entries []*Entry `json:"entries"`
}

// Result is the grouped query output, ordered by partition key
// descending. Partitions with no matching entries are absent rather
// than present with an empty slice.
type Result []Partition

// Get returns the entries for a partition key, if present.
func (r Result) Get(key Key) ([]*Entry, bool) {
	for _, p := range r {
		if p.Key == key {
			return p.Entries, true
		}
	}
	return nil, false
}

// Stable machine-readable error codes.
const (
	CodeInvalidArgument    = "invalid_argument"
	CodePersistenceFailure = "persistence_failure"
)

// InvalidArgumentError indicates bad input to a history query.
type InvalidArgumentError struct {
	Message string
}

func (e *InvalidArgumentError) Error() string { return e.Message }

// Code returns the stable machine-readable code.
func (e *InvalidArgumentError) Code() string { return CodeInvalidArgument }

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Code returns the stable machine-readable code.
func (e *PersistenceError) Code() string { return CodePersistenceFailure }

// IsInvalidArgument checks if an error is an InvalidArgumentError.
func IsInvalidArgument(err error) bool {
	_, ok := err.(*InvalidArgumentError)
	return ok
}

// IsPersistenceFailure checks if an error is a PersistenceError.
func IsPersistenceFailure(err error) bool {
	_, ok := err.(*PersistenceError)
	return ok
}
