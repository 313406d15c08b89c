package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a scriptable Store for handler tests.
type fakeStore struct {
	searchCriteria SearchCriteria
	searchPage     PageRequest
	recentLimit    int
	getID          string

	page  *Page
	rec   *TransactionRecord
	stats *Stats
	data  []byte
	err   error
}

func (f *fakeStore) Append(ctx context.Context, q Querier, rec *TransactionRecord) error {
	return f.err
}

func (f *fakeStore) GetByID(ctx context.Context, transactionID string) (*TransactionRecord, error) {
	f.getID = transactionID
	return f.rec, f.err
}

func (f *fakeStore) FindByRecordID(ctx context.Context, recordID string, page PageRequest) (*Page, error) {
	return f.page, f.err
}

func (f *fakeStore) FindByActor(ctx context.Context, actorUserID string, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error) {
	return f.page, f.err
}

func (f *fakeStore) FindByType(ctx context.Context, txType TransactionType, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error) {
	return f.page, f.err
}

func (f *fakeStore) FindBySession(ctx context.Context, sessionID string) (*Page, error) {
	return f.page, f.err
}

func (f *fakeStore) FindRecent(ctx context.Context, limit int) (*Page, error) {
	f.recentLimit = limit
	return f.page, f.err
}

func (f *fakeStore) Search(ctx context.Context, criteria SearchCriteria, page PageRequest) (*Page, error) {
	f.searchCriteria = criteria
	f.searchPage = page
	return f.page, f.err
}

func (f *fakeStore) Stats(ctx context.Context, timeRange *TimeRange) (*Stats, error) {
	return f.stats, f.err
}

func (f *fakeStore) Export(ctx context.Context, criteria SearchCriteria, format ExportFormat) ([]byte, error) {
	return f.data, f.err
}

func newTestHandler(store Store) *Handler {
	return NewHandler(store, testLogger())
}

func doRequest(h *Handler, method, target string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestHandler_SearchTransactions(t *testing.T) {
	t.Run("passes criteria and page through", func(t *testing.T) {
		store := &fakeStore{page: &Page{Records: []*TransactionRecord{}, Page: 2, PageSize: 25}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions?record_id=rec-1&actor=user-7&page=2&page_size=25")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "rec-1", store.searchCriteria.RecordID)
		assert.Equal(t, "user-7", store.searchCriteria.ActorUserID)
		assert.Equal(t, 2, store.searchPage.Page)
		assert.Equal(t, 25, store.searchPage.PageSize)
	})

	t.Run("parses transaction type and date bounds", func(t *testing.T) {
		store := &fakeStore{page: &Page{}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions?record_id=rec-1&type=UPDATE&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z")

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, store.searchCriteria.Type)
		assert.Equal(t, TypeUpdate, *store.searchCriteria.Type)
		require.NotNil(t, store.searchCriteria.DateFrom)
		assert.Equal(t, 2026, store.searchCriteria.DateFrom.Year())
	})

	t.Run("rejects unknown transaction type", func(t *testing.T) {
		h := newTestHandler(&fakeStore{})

		w := doRequest(h, "GET", "/api/v1/audit/transactions?type=UPSERT")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "unknown transaction type")
	})

	t.Run("rejects malformed from time", func(t *testing.T) {
		h := newTestHandler(&fakeStore{})

		w := doRequest(h, "GET", "/api/v1/audit/transactions?from=yesterday")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects malformed page", func(t *testing.T) {
		h := newTestHandler(&fakeStore{})

		w := doRequest(h, "GET", "/api/v1/audit/transactions?record_id=rec-1&page=first")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("empty criteria surfaces invalid_query", func(t *testing.T) {
		store := &fakeStore{err: &InvalidQueryError{Message: "at least one search criterion is required"}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions")

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, CodeInvalidQuery, resp["code"])
	})

	t.Run("storage failure answers 500 with code", func(t *testing.T) {
		store := &fakeStore{err: &PersistenceError{Op: "search", Err: errors.New("connection reset")}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions?record_id=rec-1")

		assert.Equal(t, http.StatusInternalServerError, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, CodePersistenceFailure, resp["code"])
	})

	t.Run("untyped failure still carries a code", func(t *testing.T) {
		store := &fakeStore{err: errors.New("disk on fire")}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions?record_id=rec-1")

		assert.Equal(t, http.StatusInternalServerError, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, CodePersistenceFailure, resp["code"])
	})
}

func TestHandler_RecentTransactions(t *testing.T) {
	t.Run("defaults the limit", func(t *testing.T) {
		store := &fakeStore{page: &Page{}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions/recent")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 20, store.recentLimit)
	})

	t.Run("honors an explicit limit", func(t *testing.T) {
		store := &fakeStore{page: &Page{}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions/recent?limit=5")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 5, store.recentLimit)
	})

	t.Run("rejects a malformed limit", func(t *testing.T) {
		h := newTestHandler(&fakeStore{})

		w := doRequest(h, "GET", "/api/v1/audit/transactions/recent?limit=many")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestHandler_GetTransaction(t *testing.T) {
	t.Run("returns the record", func(t *testing.T) {
		store := &fakeStore{rec: &TransactionRecord{
			TransactionID: "tx-1",
			RecordType:    "verification",
			Type:          TypeUpdate,
		}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions/tx-1")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "tx-1", store.getID)
		assert.Contains(t, w.Body.String(), "verification")
	})

	t.Run("missing record answers 404 with code", func(t *testing.T) {
		store := &fakeStore{err: &NotFoundError{TransactionID: "tx-missing"}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/transactions/tx-missing")

		assert.Equal(t, http.StatusNotFound, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, CodeNotFound, resp["code"])
	})
}

func TestHandler_ExportTransactions(t *testing.T) {
	t.Run("csv sets download headers", func(t *testing.T) {
		store := &fakeStore{data: []byte("transaction_id,record_id\ntx-1,rec-1\n")}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/export?record_id=rec-1&format=csv")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), "transactions.csv")
	})

	t.Run("ndjson sets the streaming content type", func(t *testing.T) {
		store := &fakeStore{data: []byte(`{"transaction_id":"tx-1"}` + "\n")}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/export?record_id=rec-1&format=ndjson")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	})

	t.Run("defaults to json", func(t *testing.T) {
		store := &fakeStore{data: []byte(`[]`)}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/export?record_id=rec-1")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})
}

func TestHandler_GetStats(t *testing.T) {
	t.Run("returns stats", func(t *testing.T) {
		store := &fakeStore{stats: &Stats{
			TotalTransactions: 42,
			ByType:            map[TransactionType]int64{TypeCreate: 30, TypeUpdate: 12},
			UniqueActors:      7,
		}}
		h := newTestHandler(store)

		w := doRequest(h, "GET", "/api/v1/audit/stats")

		assert.Equal(t, http.StatusOK, w.Code)

		var stats Stats
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
		assert.Equal(t, int64(42), stats.TotalTransactions)
		assert.Equal(t, int64(7), stats.UniqueActors)
	})

	t.Run("rejects a malformed start time", func(t *testing.T) {
		h := newTestHandler(&fakeStore{})

		w := doRequest(h, "GET", "/api/v1/audit/stats?start=lastweek")

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
