package ledger

import (
	"time"

	"github.com/platinummonkey/tally/pkg/changes"
)

// TransactionType classifies the business mutation a transaction
// records.
type TransactionType string

const (
	TypeCreate TransactionType = "CREATE"
	TypeUpdate TransactionType = "UPDATE"
	TypeDelete TransactionType = "DELETE"
)

// Valid reports whether the type is one of the known mutation kinds.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete:
		return true
	}
	return false
}

// TransactionRecord is one immutable entry in the audit ledger. ID is
// the insertion sequence number assigned by storage; TransactionID is
// the public identifier assigned at append time.
type TransactionRecord struct {
	ID            int64             `json:"id"`
	TransactionID string            `json:"transaction_id"`
	TenantID      string            `json:"tenant_id"`
	SubScopeID    string            `json:"sub_scope_id,omitempty"`
	RecordType    string            `json:"record_type"`
	RecordID      string            `json:"record_id"`
	Type          TransactionType   `json:"type"`
	ActorUserID   string            `json:"actor_user_id"`
	SourceIP      string            `json:"source_ip,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Description   string            `json:"description,omitempty"`
	OldSnapshot   string            `json:"old_snapshot,omitempty"`
	NewSnapshot   string            `json:"new_snapshot,omitempty"`
	Changes       changes.ChangeSet `json:"changes,omitempty"`
	TimestampUTC  time.Time         `json:"timestamp_utc"`
}

// SearchCriteria is the conjunction of predicates for a ledger search.
// At least one predicate must be set; the tenant predicate is implied
// by the active scope and never appears here.
type SearchCriteria struct {
	RecordID    string           `json:"record_id,omitempty"`
	RecordType  string           `json:"record_type,omitempty"`
	ActorUserID string           `json:"actor_user_id,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	Type        *TransactionType `json:"type,omitempty"`
	DateFrom    *time.Time       `json:"date_from,omitempty"`
	DateTo      *time.Time       `json:"date_to,omitempty"`
}

// Empty reports whether no predicate is set.
func (c SearchCriteria) Empty() bool {
	return c.RecordID == "" && c.RecordType == "" && c.ActorUserID == "" &&
		c.SessionID == "" && c.Type == nil && c.DateFrom == nil && c.DateTo == nil
}

// PageRequest selects a zero-based page. A PageSize above the
// configured maximum is clamped, not rejected; zero or negative means
// the default page size.
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Page is one page of search results. TotalCount is the number of
// records matching the criteria across all pages so callers can detect
// truncation.
type Page struct {
	Records    []*TransactionRecord `json:"records"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalCount int64                `json:"total_count"`
}

// Stats summarizes ledger contents for the active scope.
type Stats struct {
	TotalTransactions int64                     `json:"total_transactions"`
	ByType            map[TransactionType]int64 `json:"by_type"`
	ByRecordType      map[string]int64          `json:"by_record_type"`
	UniqueActors      int64                     `json:"unique_actors"`
	TimeRange         *TimeRange                `json:"time_range,omitempty"`
}

// TimeRange bounds a stats query.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
