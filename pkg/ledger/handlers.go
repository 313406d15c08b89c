package ledger

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

// Store is the ledger surface handlers and the audit facade consume.
// DBLedger implements it directly and CachedLedger wraps it with the
// cache tiers.
type Store interface {
	Append(ctx context.Context, q Querier, rec *TransactionRecord) error
	GetByID(ctx context.Context, transactionID string) (*TransactionRecord, error)
	FindByRecordID(ctx context.Context, recordID string, page PageRequest) (*Page, error)
	FindByActor(ctx context.Context, actorUserID string, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error)
	FindByType(ctx context.Context, txType TransactionType, dateFrom, dateTo *time.Time, page PageRequest) (*Page, error)
	FindBySession(ctx context.Context, sessionID string) (*Page, error)
	FindRecent(ctx context.Context, limit int) (*Page, error)
	Search(ctx context.Context, criteria SearchCriteria, page PageRequest) (*Page, error)
	Stats(ctx context.Context, timeRange *TimeRange) (*Stats, error)
	Export(ctx context.Context, criteria SearchCriteria, format ExportFormat) ([]byte, error)
}

// Handler serves the audit query API.
type Handler struct {
	store  Store
	logger *observability.Logger
}

// NewHandler creates an audit API handler.
func NewHandler(store Store, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes registers the audit query endpoints.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/audit/transactions", h.SearchTransactions).Methods("GET")
	router.HandleFunc("/api/v1/audit/transactions/recent", h.RecentTransactions).Methods("GET")
	router.HandleFunc("/api/v1/audit/transactions/{id}", h.GetTransaction).Methods("GET")
	router.HandleFunc("/api/v1/audit/export", h.ExportTransactions).Methods("GET")
	router.HandleFunc("/api/v1/audit/stats", h.GetStats).Methods("GET")
}

// SearchTransactions handles GET /api/v1/audit/transactions
func (h *Handler) SearchTransactions(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	page, err := parsePage(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	result, err := h.store.Search(r.Context(), criteria, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusOK, result, "failed to encode search results")
}

// RecentTransactions handles GET /api/v1/audit/transactions/recent
func (h *Handler) RecentTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			httputil.WriteValidationError(w, "invalid limit")
			return
		}
		limit = parsed
	}

	result, err := h.store.FindRecent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusOK, result, "failed to encode recent transactions")
}

// GetTransaction handles GET /api/v1/audit/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := mux.Vars(r)["id"]

	rec, err := h.store.GetByID(r.Context(), transactionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusOK, rec, "failed to encode transaction")
}

// ExportTransactions handles GET /api/v1/audit/export
func (h *Handler) ExportTransactions(w http.ResponseWriter, r *http.Request) {
	criteria, err := parseCriteria(r)
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}

	format := ExportFormat(r.URL.Query().Get("format"))
	data, err := h.store.Export(r.Context(), criteria, format)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	switch format {
	case ExportFormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="transactions.csv"`)
	case ExportFormatNDJSON:
		w.Header().Set("Content-Type", "application/x-ndjson")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetStats handles GET /api/v1/audit/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	var timeRange *TimeRange

	startRaw := r.URL.Query().Get("start")
	endRaw := r.URL.Query().Get("end")
	if startRaw != "" || endRaw != "" {
		start, err := parseTimeParam(startRaw, time.Time{})
		if err != nil {
			httputil.WriteValidationError(w, "invalid start time")
			return
		}
		end, err := parseTimeParam(endRaw, time.Now().UTC())
		if err != nil {
			httputil.WriteValidationError(w, "invalid end time")
			return
		}
		timeRange = &TimeRange{Start: start, End: end}
	}

	stats, err := h.store.Stats(r.Context(), timeRange)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusOK, stats, "failed to encode stats")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsInvalidArgument(err), IsInvalidQuery(err):
		httputil.WriteErrorCode(w, http.StatusBadRequest, errorCode(err), err.Error())
	case IsNotFound(err):
		httputil.WriteErrorCode(w, http.StatusNotFound, CodeNotFound, err.Error())
	case tenant.IsInvalidScope(err), tenant.IsAlreadyScoped(err):
		// Scope misuse inside a request is a server bug, not a client
		// one. Log it loudly and answer 500.
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("tenant scope misuse")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, errorCode(err), err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("audit query failed")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, errorCode(err), err.Error())
	}
}

// errorCode extracts the stable code from any error in the taxonomy.
// Errors from outside it count as persistence failures so the code
// field never goes out empty.
func errorCode(err error) string {
	if coded, ok := err.(interface{ Code() string }); ok {
		return coded.Code()
	}
	if se, ok := err.(*tenant.ScopeError); ok {
		return se.Code
	}
	return CodePersistenceFailure
}

func parseCriteria(r *http.Request) (SearchCriteria, error) {
	q := r.URL.Query()
	criteria := SearchCriteria{
		RecordID:    q.Get("record_id"),
		RecordType:  q.Get("record_type"),
		ActorUserID: q.Get("actor"),
		SessionID:   q.Get("session_id"),
	}

	if raw := q.Get("type"); raw != "" {
		txType := TransactionType(raw)
		if !txType.Valid() {
			return SearchCriteria{}, &InvalidArgumentError{Message: "unknown transaction type " + strconv.Quote(raw)}
		}
		criteria.Type = &txType
	}

	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return SearchCriteria{}, &InvalidArgumentError{Message: "invalid from time"}
		}
		criteria.DateFrom = &from
	}

	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return SearchCriteria{}, &InvalidArgumentError{Message: "invalid to time"}
		}
		criteria.DateTo = &to
	}

	return criteria, nil
}

func parsePage(r *http.Request) (PageRequest, error) {
	q := r.URL.Query()
	page := PageRequest{}

	if raw := q.Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return PageRequest{}, &InvalidArgumentError{Message: "invalid page"}
		}
		page.Page = parsed
	}

	if raw := q.Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return PageRequest{}, &InvalidArgumentError{Message: "invalid page_size"}
		}
		page.PageSize = parsed
	}

	return page, nil
}

func parseTimeParam(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}
