package ledger

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func newTestLedger(db *sql.DB) *DBLedger {
	return &DBLedger{
		db:     db,
		reader: db,
		cfg:    Config{MaxPageSize: 500, DefaultPageSize: 50},
		logger: testLogger(),
		tracer: otel.Tracer("test"),
	}
}

func scopedContext(t *testing.T, tenantID string) context.Context {
	t.Helper()
	ctx, err := tenant.Enter(context.Background(), tenantID, "")
	require.NoError(t, err)
	return ctx
}

func transactionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "transaction_id", "tenant_id", "sub_scope_id",
		"record_type", "record_id", "transaction_type",
		"actor_user_id", "source_ip", "session_id",
		"description", "old_snapshot", "new_snapshot",
		"changes", "timestamp_utc",
	})
}

func addTransaction(rows *sqlmock.Rows, id int64, tenantID, recordID string, txType TransactionType, ts time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "txn-"+recordID, tenantID, nil,
		"claim", recordID, string(txType),
		"user-1", nil, nil,
		nil, nil, nil,
		nil, ts,
	)
}

func TestNewDBLedger(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS transactions").WillReturnResult(sqlmock.NewResult(0, 0))

		ledger, err := NewDBLedger(db, Config{}, nil, nil)
		require.NoError(t, err)
		assert.NotNil(t, ledger)
		assert.Equal(t, 500, ledger.cfg.MaxPageSize)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		ledger, err := NewDBLedger(nil, Config{}, nil, nil)
		assert.Error(t, err)
		assert.Nil(t, ledger)
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS transactions").WillReturnError(errors.New("boom"))

		ledger, err := NewDBLedger(db, Config{}, nil, nil)
		assert.Error(t, err)
		assert.Nil(t, ledger)
		assert.Contains(t, err.Error(), "failed to ensure transactions table")
	})
}

func TestDBLedger_Append(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs(
				sqlmock.AnyArg(), "tenant-a", nil,
				"claim", "R1", "UPDATE",
				"user-1", nil, sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(),
			).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		rec := &TransactionRecord{
			RecordType:  "claim",
			RecordID:    "R1",
			Type:        TypeUpdate,
			ActorUserID: "user-1",
			SessionID:   "sess-1",
			Description: "status: ACTIVE -> SUBMITTED",
		}

		require.NoError(t, ledger.Append(ctx, nil, rec))
		assert.Equal(t, int64(42), rec.ID)
		assert.Equal(t, "tenant-a", rec.TenantID)
		assert.NotEmpty(t, rec.TransactionID)
		assert.False(t, rec.TimestampUTC.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("participates in caller transaction", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
		mock.ExpectRollback()

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)

		rec := &TransactionRecord{RecordID: "R1", Type: TypeCreate, ActorUserID: "user-1"}
		require.NoError(t, ledger.Append(ctx, tx, rec))

		// Rolling back the business transaction takes the audit write
		// with it.
		require.NoError(t, tx.Rollback())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no tenant scope", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		rec := &TransactionRecord{RecordID: "R1", Type: TypeCreate, ActorUserID: "user-1"}

		err := ledger.Append(context.Background(), nil, rec)
		assert.True(t, tenant.IsInvalidScope(err))
	})

	t.Run("system scope rejected", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx, err := tenant.EnterSystem(context.Background())
		require.NoError(t, err)

		rec := &TransactionRecord{RecordID: "R1", Type: TypeCreate, ActorUserID: "user-1"}
		err = ledger.Append(ctx, nil, rec)
		assert.True(t, IsInvalidArgument(err))
	})

	t.Run("invalid input", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		for name, rec := range map[string]*TransactionRecord{
			"nil record":   nil,
			"no record id": {Type: TypeCreate, ActorUserID: "user-1"},
			"bad type":     {RecordID: "R1", Type: "UPSERT", ActorUserID: "user-1"},
			"no actor":     {RecordID: "R1", Type: TypeCreate},
		} {
			assert.True(t, IsInvalidArgument(ledger.Append(ctx, nil, rec)), name)
		}
	})

	t.Run("storage failure", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectQuery("INSERT INTO transactions").WillReturnError(errors.New("connection reset"))

		rec := &TransactionRecord{RecordID: "R1", Type: TypeCreate, ActorUserID: "user-1"}
		err := ledger.Append(ctx, nil, rec)
		assert.True(t, IsPersistenceFailure(err))
	})
}

func TestDBLedger_FindByRecordID(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)

	t.Run("newest first for owning tenant", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-a", "R1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		rows := transactionRows()
		rows = addTransaction(rows, 3, "tenant-a", "R1", TypeUpdate, t3)
		rows = addTransaction(rows, 2, "tenant-a", "R1", TypeUpdate, t2)
		rows = addTransaction(rows, 1, "tenant-a", "R1", TypeUpdate, t1)
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", "R1", 10, 0).
			WillReturnRows(rows)

		page, err := ledger.FindByRecordID(ctx, "R1", PageRequest{Page: 0, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(3), page.TotalCount)
		require.Len(t, page.Records, 3)
		assert.Equal(t, t3, page.Records[0].TimestampUTC)
		assert.Equal(t, t2, page.Records[1].TimestampUTC)
		assert.Equal(t, t1, page.Records[2].TimestampUTC)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other tenant sees nothing", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-b")

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-b", "R1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-b", "R1", 10, 0).
			WillReturnRows(transactionRows())

		page, err := ledger.FindByRecordID(ctx, "R1", PageRequest{Page: 0, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(0), page.TotalCount)
		assert.Empty(t, page.Records)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty record id", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		_, err := ledger.FindByRecordID(ctx, "", PageRequest{})
		assert.True(t, IsInvalidArgument(err))
	})

	t.Run("no scope", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		_, err := ledger.FindByRecordID(context.Background(), "R1", PageRequest{})
		assert.True(t, tenant.IsInvalidScope(err))
	})
}

func TestDBLedger_Within(t *testing.T) {
	t.Run("reads see an append inside the same open transaction", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		rows := transactionRows()
		rows = addTransaction(rows, 1, "tenant-a", "R1", TypeCreate, time.Now().UTC())
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-a", "R1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", "R1", 10, 0).
			WillReturnRows(rows)
		mock.ExpectCommit()

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)

		rec := &TransactionRecord{RecordID: "R1", Type: TypeCreate, ActorUserID: "user-1"}
		require.NoError(t, ledger.Append(ctx, tx, rec))

		// The ordered expectations above put both read queries on the
		// transaction's connection, before the commit.
		page, err := ledger.Within(tx).FindByRecordID(ctx, "R1", PageRequest{Page: 0, PageSize: 10})
		require.NoError(t, err)
		assert.Equal(t, int64(1), page.TotalCount)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "R1", page.Records[0].RecordID)

		require.NoError(t, tx.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("view does not alter the ledger itself", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectBegin()
		mock.ExpectRollback()
		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-a", "R1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", "R1", 10, 0).
			WillReturnRows(transactionRows())

		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		_ = ledger.Within(tx)
		require.NoError(t, tx.Rollback())

		// The original ledger still reads from its own handle.
		_, err = ledger.FindByRecordID(ctx, "R1", PageRequest{Page: 0, PageSize: 10})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBLedger_ReadFrom(t *testing.T) {
	writerDB, writerMock := setupMockDB(t)
	defer writerDB.Close()
	readerDB, readerMock := setupMockDB(t)
	defer readerDB.Close()

	ledger := newTestLedger(writerDB)
	ledger.ReadFrom(readerDB)
	ctx := scopedContext(t, "tenant-a")

	readerMock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
		WithArgs("tenant-a", "R1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	readerMock.ExpectQuery("SELECT (.+) FROM transactions").
		WithArgs("tenant-a", "R1", 10, 0).
		WillReturnRows(transactionRows())

	_, err := ledger.FindByRecordID(ctx, "R1", PageRequest{Page: 0, PageSize: 10})
	require.NoError(t, err)

	// Appends still go to the writer handle.
	writerMock.ExpectQuery("INSERT INTO transactions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	rec := &TransactionRecord{RecordID: "R1", Type: TypeCreate, ActorUserID: "user-1"}
	require.NoError(t, ledger.Append(ctx, nil, rec))

	assert.NoError(t, readerMock.ExpectationsWereMet())
	assert.NoError(t, writerMock.ExpectationsWereMet())
}

func TestDBLedger_Search(t *testing.T) {
	t.Run("empty criteria rejected", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		_, err := ledger.Search(ctx, SearchCriteria{}, PageRequest{})
		assert.True(t, IsInvalidQuery(err))
	})

	t.Run("negative page rejected", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		_, err := ledger.Search(ctx, SearchCriteria{RecordID: "R1"}, PageRequest{Page: -1})
		assert.True(t, IsInvalidArgument(err))
	})

	t.Run("page size clamped to maximum", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-a", "R1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", "R1", 500, 0).
			WillReturnRows(transactionRows())

		page, err := ledger.Search(ctx, SearchCriteria{RecordID: "R1"}, PageRequest{PageSize: 10000})
		require.NoError(t, err)
		assert.Equal(t, 500, page.PageSize)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conjunction of criteria", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		to := from.AddDate(0, 0, 7)
		txType := TypeDelete

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-a", "user-9", "DELETE", from, to).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		rows := transactionRows()
		rows = addTransaction(rows, 7, "tenant-a", "R9", TypeDelete, from.Add(time.Hour))
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", "user-9", "DELETE", from, to, 50, 0).
			WillReturnRows(rows)

		page, err := ledger.Search(ctx, SearchCriteria{
			ActorUserID: "user-9",
			Type:        &txType,
			DateFrom:    &from,
			DateTo:      &to,
		}, PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), page.TotalCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sub scope binds too", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx, err := tenant.Enter(context.Background(), "tenant-a", "unit-7")
		require.NoError(t, err)

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-a", "unit-7", "R1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", "unit-7", "R1", 50, 0).
			WillReturnRows(transactionRows())

		_, err = ledger.Search(ctx, SearchCriteria{RecordID: "R1"}, PageRequest{})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("system scope searches across tenants", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx, err := tenant.EnterSystem(context.Background())
		require.NoError(t, err)

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("R1").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		rows := transactionRows()
		rows = addTransaction(rows, 2, "tenant-b", "R1", TypeCreate, time.Now().UTC())
		rows = addTransaction(rows, 1, "tenant-a", "R1", TypeCreate, time.Now().UTC().Add(-time.Hour))
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("R1", 50, 0).
			WillReturnRows(rows)

		page, err := ledger.Search(ctx, SearchCriteria{RecordID: "R1"}, PageRequest{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), page.TotalCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("storage failure", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).WillReturnError(errors.New("down"))

		_, err := ledger.Search(ctx, SearchCriteria{RecordID: "R1"}, PageRequest{})
		assert.True(t, IsPersistenceFailure(err))
	})
}

func TestDBLedger_GetByID(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		rows := transactionRows()
		rows = addTransaction(rows, 1, "tenant-a", "R1", TypeCreate, time.Now().UTC())
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", "txn-R1").
			WillReturnRows(rows)

		rec, err := ledger.GetByID(ctx, "txn-R1")
		require.NoError(t, err)
		assert.Equal(t, "R1", rec.RecordID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-b")

		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-b", "txn-R1").
			WillReturnRows(transactionRows())

		rec, err := ledger.GetByID(ctx, "txn-R1")
		assert.Nil(t, rec)
		assert.True(t, IsNotFound(err))
	})

	t.Run("empty id", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		_, err := ledger.GetByID(ctx, "")
		assert.True(t, IsInvalidArgument(err))
	})
}

func TestDBLedger_FindRecent(t *testing.T) {
	t.Run("tenant scoped with no other criteria", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
			WithArgs("tenant-a").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		rows := transactionRows()
		rows = addTransaction(rows, 1, "tenant-a", "R1", TypeCreate, time.Now().UTC())
		mock.ExpectQuery("SELECT (.+) FROM transactions").
			WithArgs("tenant-a", 20, 0).
			WillReturnRows(rows)

		page, err := ledger.FindRecent(ctx, 20)
		require.NoError(t, err)
		assert.Len(t, page.Records, 1)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-positive limit", func(t *testing.T) {
		db, _ := setupMockDB(t)
		defer db.Close()

		ledger := newTestLedger(db)
		ctx := scopedContext(t, "tenant-a")

		_, err := ledger.FindRecent(ctx, 0)
		assert.True(t, IsInvalidArgument(err))
	})
}

func TestDBLedger_Stats(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	ledger := newTestLedger(db)
	ctx := scopedContext(t, "tenant-a")

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM transactions`).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery("SELECT transaction_type, COUNT").
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"transaction_type", "count"}).
			AddRow("CREATE", 5).AddRow("UPDATE", 6).AddRow("DELETE", 1))
	mock.ExpectQuery("SELECT record_type, COUNT").
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"record_type", "count"}).
			AddRow("claim", 12))
	mock.ExpectQuery(`SELECT COUNT\(DISTINCT actor_user_id\) FROM transactions`).
		WithArgs("tenant-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	stats, err := ledger.Stats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.TotalTransactions)
	assert.Equal(t, int64(6), stats.ByType[TypeUpdate])
	assert.Equal(t, int64(12), stats.ByRecordType["claim"])
	assert.Equal(t, int64(3), stats.UniqueActors)
	assert.NoError(t, mock.ExpectationsWereMet())
}
