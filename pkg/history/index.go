package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

// maxPartitionsPerQuery bounds the tuple list in one query. Requests
// above it fail rather than building an unbounded statement.
const maxPartitionsPerQuery = 250

// Querier is the subset of database/sql used for history writes.
// Both *sql.DB and *sql.Tx satisfy it.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Index is the PostgreSQL-backed per-partition history store.
type Index struct {
	db      *sql.DB
	reader  *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewIndex creates a history index over an existing database handle
// and ensures its schema. Schema and inserts always run on this
// handle, so give it the writer pool.
func NewIndex(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) (*Index, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	idx := &Index{
		db:      db,
		reader:  db,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/platinummonkey/tally/pkg/history"),
	}

	if err := idx.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure history_entries table: %w", err)
	}

	return idx, nil
}

// ReadFrom directs RecentPerPartition queries at a separate handle,
// normally a replica pool.
func (idx *Index) ReadFrom(db *sql.DB) {
	idx.reader = db
}

// ensureSchema creates the history_entries table if it doesn't exist
func (idx *Index) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS history_entries (
		id BIGSERIAL PRIMARY KEY,
		tenant_id VARCHAR(100) NOT NULL,
		owner_user_id VARCHAR(255) NOT NULL,
		item_id VARCHAR(255) NOT NULL,
		property_id VARCHAR(255) NOT NULL,
		value TEXT,
		owner_active BOOLEAN NOT NULL DEFAULT TRUE,
		submitted_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_partition ON history_entries(tenant_id, owner_user_id, item_id, property_id, submitted_at DESC);
	`

	_, err := idx.db.Exec(query)
	return err
}

// Insert appends one history entry, bound to the active tenant. Like
// ledger appends it runs on the caller's Querier so it can share the
// business transaction; a nil Querier uses the index's own handle.
func (idx *Index) Insert(ctx context.Context, q Querier, e *Entry) error {
	if e == nil {
		return &InvalidArgumentError{Message: "history entry is required"}
	}
	if e.OwnerUserID == "" || e.ItemID == "" || e.PropertyID == "" {
		return &InvalidArgumentError{Message: "owner, item and property ids are required"}
	}

	scope, err := tenant.Current(ctx)
	if err != nil {
		return err
	}
	if scope.System {
		return &InvalidArgumentError{Message: "insert requires a tenant scope, not a system scope"}
	}

	e.TenantID = scope.TenantID
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now().UTC().Truncate(time.Microsecond)
	}

	if q == nil {
		q = idx.db
	}

	query := `
		INSERT INTO history_entries (
			tenant_id, owner_user_id, item_id, property_id,
			value, owner_active, submitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
	`

	err = q.QueryRowContext(ctx, query,
		e.TenantID, e.OwnerUserID, e.ItemID, e.PropertyID,
		e.Value, e.OwnerActive, e.SubmittedAt,
	).Scan(&e.ID)
	if err != nil {
		return &PersistenceError{Op: "insert", Err: err}
	}
	return nil
}

// RecentPerPartition returns, for each requested partition, its k most
// recent entries, in one query. The database ranks rows per partition
// with a window function and discards ranks above k, so memory stays
// bounded no matter how much history each partition carries.
//
// Output is ordered by partition key descending and within a partition
// by submission time descending, entry id breaking ties. Partitions
// with no matching entries are absent from the result.
func (idx *Index) RecentPerPartition(ctx context.Context, ownerUserID string, keys []Key, k int, onlyActiveOwners bool) (Result, error) {
	ctx, span := idx.tracer.Start(ctx, "history.RecentPerPartition")
	defer span.End()

	start := time.Now()

	if k <= 0 {
		return nil, &InvalidArgumentError{Message: "k must be positive"}
	}
	if ownerUserID == "" {
		return nil, &InvalidArgumentError{Message: "owner user id is required"}
	}
	if len(keys) == 0 {
		return nil, &InvalidArgumentError{Message: "at least one partition key is required"}
	}
	if len(keys) > maxPartitionsPerQuery {
		return nil, &InvalidArgumentError{Message: fmt.Sprintf("at most %d partitions per query", maxPartitionsPerQuery)}
	}
	for _, key := range keys {
		if key.OwnerUserID != ownerUserID {
			return nil, &InvalidArgumentError{Message: fmt.Sprintf("partition %s does not belong to owner %s", key, ownerUserID)}
		}
	}

	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}

	// Every id is parameter bound; nothing user-supplied reaches the
	// SQL text.
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if !scope.System {
		whereClause += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, scope.TenantID)
		argCount++
	}

	whereClause += fmt.Sprintf(" AND owner_user_id = $%d", argCount)
	args = append(args, ownerUserID)
	argCount++

	whereClause += " AND ("
	for i, key := range keys {
		if i > 0 {
			whereClause += " OR "
		}
		whereClause += fmt.Sprintf("(item_id = $%d AND property_id = $%d)", argCount, argCount+1)
		args = append(args, key.ItemID, key.PropertyID)
		argCount += 2
	}
	whereClause += ")"

	if onlyActiveOwners {
		whereClause += " AND owner_active = TRUE"
	}

	query := fmt.Sprintf(`
		SELECT id, tenant_id, owner_user_id, item_id, property_id, value, owner_active, submitted_at
		FROM (
			SELECT h.*, ROW_NUMBER() OVER (
				PARTITION BY owner_user_id, item_id, property_id
				ORDER BY submitted_at DESC, id DESC
			) AS rn
			FROM history_entries h
			%s
		) ranked
		WHERE rn <= $%d
		ORDER BY owner_user_id DESC, item_id DESC, property_id DESC, submitted_at DESC, id DESC
	`, whereClause, argCount)
	args = append(args, k)

	span.SetAttributes(
		attribute.String("tenant.id", scope.TenantID),
		attribute.Int("history.partitions", len(keys)),
		attribute.Int("history.k", k),
	)

	rows, err := idx.reader.QueryContext(ctx, query, args...)
	if err != nil {
		idx.observeQuery(start, len(keys), err)
		return nil, &PersistenceError{Op: "recent_per_partition", Err: err}
	}
	defer rows.Close()

	var result Result
	for rows.Next() {
		e := &Entry{}
		err := rows.Scan(
			&e.ID, &e.TenantID, &e.OwnerUserID, &e.ItemID, &e.PropertyID,
			&e.Value, &e.OwnerActive, &e.SubmittedAt,
		)
		if err != nil {
			idx.observeQuery(start, len(keys), err)
			return nil, &PersistenceError{Op: "recent_per_partition", Err: err}
		}
		e.SubmittedAt = e.SubmittedAt.UTC()

		key := Key{OwnerUserID: e.OwnerUserID, ItemID: e.ItemID, PropertyID: e.PropertyID}
		if len(result) == 0 || result[len(result)-1].Key != key {
			result = append(result, Partition{Key: key})
		}
		last := &result[len(result)-1]
		last.Entries = append(last.Entries, e)
	}

	if err := rows.Err(); err != nil {
		idx.observeQuery(start, len(keys), err)
		return nil, &PersistenceError{Op: "recent_per_partition", Err: err}
	}

	idx.observeQuery(start, len(keys), nil)
	return result, nil
}

func (idx *Index) observeQuery(start time.Time, partitions int, err error) {
	if idx.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	idx.metrics.HistoryQueriesTotal.WithLabelValues(status).Inc()
	idx.metrics.HistoryQueryDuration.Observe(time.Since(start).Seconds())
	idx.metrics.HistoryPartitions.Observe(float64(partitions))
}
