package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

const (
	defaultPageSize = 50
	defaultMaxPage  = 500
)

// Querier is the subset of database/sql needed by ledger writes and
// reads. Both *sql.DB and *sql.Tx satisfy it, so Append can join
// whatever transaction the caller is already inside instead of opening
// its own.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Config tunes the ledger's pagination bounds.
type Config struct {
	// MaxPageSize caps page sizes; larger requests are clamped.
	MaxPageSize int
	// DefaultPageSize applies when a request leaves page size unset.
	DefaultPageSize int
}

// DBLedger is the PostgreSQL-backed append-only transaction ledger.
// Every query is bound to the tenant scope active on the context; a
// missing scope is an error, never an unscoped query.
type DBLedger struct {
	db      *sql.DB
	reader  Querier
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewDBLedger creates a ledger over an existing database handle and
// ensures its schema.
func NewDBLedger(db *sql.DB, cfg Config, logger *observability.Logger, metrics *observability.Metrics) (*DBLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = defaultMaxPage
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = defaultPageSize
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	l := &DBLedger{
		db:      db,
		reader:  db,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/platinummonkey/tally/pkg/ledger"),
	}

	if err := l.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure transactions table: %w", err)
	}

	return l, nil
}

// ReadFrom directs read queries at a separate handle, normally a
// replica pool. Schema and appends stay on the handle given to
// NewDBLedger.
func (l *DBLedger) ReadFrom(db *sql.DB) {
	l.reader = db
}

// Within returns a view of the ledger whose reads run on q. A caller
// that appended inside its own open transaction uses this view to
// observe the uncommitted append from the same unit of work.
func (l *DBLedger) Within(q Querier) *DBLedger {
	view := *l
	view.reader = q
	return &view
}

// ensureSchema creates the transactions table if it doesn't exist
func (l *DBLedger) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS transactions (
		id BIGSERIAL PRIMARY KEY,
		transaction_id UUID NOT NULL UNIQUE,
		tenant_id VARCHAR(100) NOT NULL,
		sub_scope_id VARCHAR(100),
		record_type VARCHAR(100) NOT NULL,
		record_id VARCHAR(255) NOT NULL,
		transaction_type VARCHAR(10) NOT NULL,
		actor_user_id VARCHAR(255) NOT NULL,
		source_ip VARCHAR(45),
		session_id VARCHAR(100),
		description TEXT,
		old_snapshot TEXT,
		new_snapshot TEXT,
		changes JSONB,
		timestamp_utc TIMESTAMP WITH TIME ZONE NOT NULL
	);

	-- Create indexes for the tenant-scoped query patterns
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_record ON transactions(tenant_id, record_id, timestamp_utc DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_actor ON transactions(tenant_id, actor_user_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_session ON transactions(tenant_id, session_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_type ON transactions(tenant_id, transaction_type);
	CREATE INDEX IF NOT EXISTS idx_transactions_tenant_timestamp ON transactions(tenant_id, timestamp_utc DESC);
	`

	_, err := l.db.Exec(query)
	return err
}

// Append persists one transaction record. It runs on the Querier the
// caller supplies, so passing the caller's *sql.Tx makes the audit
// write and the business mutation commit or roll back together. A nil
// Querier uses the ledger's own handle. Within with the same
// transaction reads the append back before commit.
func (l *DBLedger) Append(ctx context.Context, q Querier, rec *TransactionRecord) error {
	ctx, span := l.tracer.Start(ctx, "ledger.Append")
	defer span.End()

	if rec == nil {
		return &InvalidArgumentError{Message: "transaction record is required"}
	}
	if rec.RecordID == "" {
		return &InvalidArgumentError{Message: "record id is required"}
	}
	if !rec.Type.Valid() {
		return &InvalidArgumentError{Message: fmt.Sprintf("unknown transaction type %q", rec.Type)}
	}
	if rec.ActorUserID == "" {
		return &InvalidArgumentError{Message: "actor user id is required"}
	}

	scope, err := tenant.Current(ctx)
	if err != nil {
		return err
	}
	if scope.System {
		return &InvalidArgumentError{Message: "append requires a tenant scope, not a system scope"}
	}

	rec.TenantID = scope.TenantID
	rec.SubScopeID = scope.SubScopeID
	if rec.TransactionID == "" {
		rec.TransactionID = uuid.NewString()
	}
	if rec.TimestampUTC.IsZero() {
		rec.TimestampUTC = time.Now().UTC().Truncate(time.Microsecond)
	}

	var changesJSON []byte
	if !rec.Changes.Empty() {
		changesJSON, err = json.Marshal(rec.Changes)
		if err != nil {
			return &InvalidArgumentError{Message: fmt.Sprintf("failed to marshal changes: %v", err)}
		}
	}

	if q == nil {
		q = l.db
	}

	query := `
		INSERT INTO transactions (
			transaction_id, tenant_id, sub_scope_id,
			record_type, record_id, transaction_type,
			actor_user_id, source_ip, session_id,
			description, old_snapshot, new_snapshot,
			changes, timestamp_utc
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14
		) RETURNING id
	`

	span.SetAttributes(
		attribute.String("tenant.id", scope.TenantID),
		attribute.String("transaction.type", string(rec.Type)),
		attribute.String("record.type", rec.RecordType),
	)

	err = q.QueryRowContext(ctx, query,
		rec.TransactionID, rec.TenantID, nullableString(rec.SubScopeID),
		rec.RecordType, rec.RecordID, string(rec.Type),
		rec.ActorUserID, nullableString(rec.SourceIP), nullableString(rec.SessionID),
		nullableString(rec.Description), nullableString(rec.OldSnapshot), nullableString(rec.NewSnapshot),
		changesJSON, rec.TimestampUTC,
	).Scan(&rec.ID)

	if err != nil {
		l.logger.WithError(err).WithFields(map[string]interface{}{
			"tenant_id": scope.TenantID,
			"record_id": rec.RecordID,
		}).Error("ledger append failed")
		if l.metrics != nil {
			l.metrics.LedgerErrorsTotal.WithLabelValues("append", CodePersistenceFailure).Inc()
		}
		return &PersistenceError{Op: "append", Err: err}
	}

	if l.metrics != nil {
		l.metrics.LedgerAppendsTotal.WithLabelValues(rec.RecordType, string(rec.Type)).Inc()
	}

	return nil
}

// GetByID retrieves one transaction by its public id, scoped to the
// active tenant. A record owned by another tenant is indistinguishable
// from one that doesn't exist.
func (l *DBLedger) GetByID(ctx context.Context, transactionID string) (*TransactionRecord, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.GetByID")
	defer span.End()

	if transactionID == "" {
		return nil, &InvalidArgumentError{Message: "transaction id is required"}
	}

	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	args := []interface{}{}
	argCount := 1

	if !scope.System {
		query += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, scope.TenantID)
		argCount++
	}

	query += fmt.Sprintf(" AND transaction_id = $%d", argCount)
	args = append(args, transactionID)

	rec, err := scanTransaction(l.reader.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{TransactionID: transactionID}
	}
	if err != nil {
		return nil, &PersistenceError{Op: "get", Err: err}
	}
	return rec, nil
}

// FindByRecordID returns the transactions for one business record,
// newest first, scoped to the active tenant.
func (l *DBLedger) FindByRecordID(ctx context.Context, recordID string, page PageRequest) (*Page, error) {
	if recordID == "" {
		return nil, &InvalidArgumentError{Message: "record id is required"}
	}
	return l.Search(ctx, SearchCriteria{RecordID: recordID}, page)
}

// FindByActor returns the transactions performed by one actor within
// an optional date range.
func (l *DBLedger) FindByActor(ctx context.Context, actorUserID string, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error) {
	if actorUserID == "" {
		return nil, &InvalidArgumentError{Message: "actor user id is required"}
	}
	return l.Search(ctx, SearchCriteria{ActorUserID: actorUserID, DateFrom: dateFrom, DateTo: dateTo}, page)
}

// FindByType returns the transactions of one mutation type within an
// optional date range.
func (l *DBLedger) FindByType(ctx context.Context, txType TransactionType, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error) {
	if !txType.Valid() {
		return nil, &InvalidArgumentError{Message: fmt.Sprintf("unknown transaction type %q", txType)}
	}
	return l.Search(ctx, SearchCriteria{Type: &txType, DateFrom: dateFrom, DateTo: dateTo}, page)
}

// FindBySession returns every transaction recorded under one session.
func (l *DBLedger) FindBySession(ctx context.Context, sessionID string) (*Page, error) {
	if sessionID == "" {
		return nil, &InvalidArgumentError{Message: "session id is required"}
	}
	return l.Search(ctx, SearchCriteria{SessionID: sessionID}, PageRequest{PageSize: l.cfg.MaxPageSize})
}

// FindRecent returns the newest transactions for the active tenant,
// up to limit.
func (l *DBLedger) FindRecent(ctx context.Context, limit int) (*Page, error) {
	if limit <= 0 {
		return nil, &InvalidArgumentError{Message: "limit must be positive"}
	}
	return l.search(ctx, SearchCriteria{}, PageRequest{PageSize: limit}, true)
}

// Search runs a conjunction of the criteria's predicates, newest
// first. Empty criteria are rejected: the ledger never answers an
// unqualified "everything" query.
func (l *DBLedger) Search(ctx context.Context, criteria SearchCriteria, page PageRequest) (*Page, error) {
	if criteria.Empty() {
		return nil, &InvalidQueryError{Message: "search requires at least one criterion"}
	}
	return l.search(ctx, criteria, page, false)
}

const transactionColumns = `
	id, transaction_id, tenant_id, sub_scope_id,
	record_type, record_id, transaction_type,
	actor_user_id, source_ip, session_id,
	description, old_snapshot, new_snapshot,
	changes, timestamp_utc`

func (l *DBLedger) search(ctx context.Context, criteria SearchCriteria, page PageRequest, allowEmpty bool) (*Page, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Search")
	defer span.End()

	start := time.Now()
	op := "search"
	if allowEmpty {
		op = "recent"
	}

	if page.Page < 0 {
		return nil, &InvalidArgumentError{Message: "page must not be negative"}
	}
	pageSize := page.PageSize
	if pageSize <= 0 {
		pageSize = l.cfg.DefaultPageSize
	}
	if pageSize > l.cfg.MaxPageSize {
		pageSize = l.cfg.MaxPageSize
	}

	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}

	// The tenant predicate binds first; everything else is ANDed on.
	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if !scope.System {
		whereClause += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, scope.TenantID)
		argCount++

		if scope.SubScopeID != "" {
			whereClause += fmt.Sprintf(" AND sub_scope_id = $%d", argCount)
			args = append(args, scope.SubScopeID)
			argCount++
		}
	}

	if criteria.RecordID != "" {
		whereClause += fmt.Sprintf(" AND record_id = $%d", argCount)
		args = append(args, criteria.RecordID)
		argCount++
	}

	if criteria.RecordType != "" {
		whereClause += fmt.Sprintf(" AND record_type = $%d", argCount)
		args = append(args, criteria.RecordType)
		argCount++
	}

	if criteria.ActorUserID != "" {
		whereClause += fmt.Sprintf(" AND actor_user_id = $%d", argCount)
		args = append(args, criteria.ActorUserID)
		argCount++
	}

	if criteria.SessionID != "" {
		whereClause += fmt.Sprintf(" AND session_id = $%d", argCount)
		args = append(args, criteria.SessionID)
		argCount++
	}

	if criteria.Type != nil {
		whereClause += fmt.Sprintf(" AND transaction_type = $%d", argCount)
		args = append(args, string(*criteria.Type))
		argCount++
	}

	if criteria.DateFrom != nil {
		whereClause += fmt.Sprintf(" AND timestamp_utc >= $%d", argCount)
		args = append(args, *criteria.DateFrom)
		argCount++
	}

	if criteria.DateTo != nil {
		whereClause += fmt.Sprintf(" AND timestamp_utc <= $%d", argCount)
		args = append(args, *criteria.DateTo)
		argCount++
	}

	span.SetAttributes(attribute.String("tenant.id", scope.TenantID))

	result := &Page{
		Records:  make([]*TransactionRecord, 0),
		Page:     page.Page,
		PageSize: pageSize,
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM transactions %s", whereClause)
	if err := l.reader.QueryRowContext(ctx, countQuery, args...).Scan(&result.TotalCount); err != nil {
		l.observeQuery(op, start, err)
		return nil, &PersistenceError{Op: op, Err: err}
	}

	query := fmt.Sprintf(
		"SELECT %s FROM transactions %s ORDER BY timestamp_utc DESC, id DESC LIMIT $%d OFFSET $%d",
		transactionColumns, whereClause, argCount, argCount+1,
	)
	args = append(args, pageSize, page.Page*pageSize)

	rows, err := l.reader.QueryContext(ctx, query, args...)
	if err != nil {
		l.observeQuery(op, start, err)
		return nil, &PersistenceError{Op: op, Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			l.observeQuery(op, start, err)
			return nil, &PersistenceError{Op: op, Err: err}
		}
		result.Records = append(result.Records, rec)
	}

	if err := rows.Err(); err != nil {
		l.observeQuery(op, start, err)
		return nil, &PersistenceError{Op: op, Err: err}
	}

	l.observeQuery(op, start, nil)
	return result, nil
}

// Stats summarizes ledger contents for the active scope within an
// optional time range.
func (l *DBLedger) Stats(ctx context.Context, timeRange *TimeRange) (*Stats, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.Stats")
	defer span.End()

	scope, err := tenant.Current(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		ByType:       make(map[TransactionType]int64),
		ByRecordType: make(map[string]int64),
		TimeRange:    timeRange,
	}

	whereClause := "WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if !scope.System {
		whereClause += fmt.Sprintf(" AND tenant_id = $%d", argCount)
		args = append(args, scope.TenantID)
		argCount++
	}

	if timeRange != nil {
		whereClause += fmt.Sprintf(" AND timestamp_utc >= $%d", argCount)
		args = append(args, timeRange.Start)
		argCount++
		whereClause += fmt.Sprintf(" AND timestamp_utc <= $%d", argCount)
		args = append(args, timeRange.End)
		argCount++
	}
	_ = argCount

	err = l.reader.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM transactions %s", whereClause), args...).Scan(&stats.TotalTransactions)
	if err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}

	rows, err := l.reader.QueryContext(ctx, fmt.Sprintf("SELECT transaction_type, COUNT(*) FROM transactions %s GROUP BY transaction_type", whereClause), args...)
	if err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var txType TransactionType
		var count int64
		if err := rows.Scan(&txType, &count); err != nil {
			return nil, &PersistenceError{Op: "stats", Err: err}
		}
		stats.ByType[txType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}

	rows, err = l.reader.QueryContext(ctx, fmt.Sprintf("SELECT record_type, COUNT(*) FROM transactions %s GROUP BY record_type", whereClause), args...)
	if err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var recordType string
		var count int64
		if err := rows.Scan(&recordType, &count); err != nil {
			return nil, &PersistenceError{Op: "stats", Err: err}
		}
		stats.ByRecordType[recordType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}

	err = l.reader.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(DISTINCT actor_user_id) FROM transactions %s", whereClause), args...).Scan(&stats.UniqueActors)
	if err != nil {
		return nil, &PersistenceError{Op: "stats", Err: err}
	}

	return stats, nil
}

func (l *DBLedger) observeQuery(op string, start time.Time, err error) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	l.metrics.LedgerQueriesTotal.WithLabelValues(op, status).Inc()
	l.metrics.LedgerQueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*TransactionRecord, error) {
	rec := &TransactionRecord{}
	var subScope, sourceIP, sessionID, description, oldSnap, newSnap sql.NullString
	var changesJSON []byte

	err := row.Scan(
		&rec.ID, &rec.TransactionID, &rec.TenantID, &subScope,
		&rec.RecordType, &rec.RecordID, &rec.Type,
		&rec.ActorUserID, &sourceIP, &sessionID,
		&description, &oldSnap, &newSnap,
		&changesJSON, &rec.TimestampUTC,
	)
	if err != nil {
		return nil, err
	}

	rec.SubScopeID = subScope.String
	rec.SourceIP = sourceIP.String
	rec.SessionID = sessionID.String
	rec.Description = description.String
	rec.OldSnapshot = oldSnap.String
	rec.NewSnapshot = newSnap.String

	if len(changesJSON) > 0 {
		if err := json.Unmarshal(changesJSON, &rec.Changes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal changes: %w", err)
		}
	}

	rec.TimestampUTC = rec.TimestampUTC.UTC()
	return rec, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
