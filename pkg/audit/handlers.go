package audit

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/changes"
	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

// Handler serves the audit ingest API for services that report their
// mutations over HTTP instead of embedding the facade.
type Handler struct {
	facade *Facade
	db     ledger.Querier
	logger *observability.Logger
}

// NewIngestHandler creates the audit ingest handler. Writes go through
// the given Querier, normally the writer connection.
func NewIngestHandler(facade *Facade, db ledger.Querier, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handler{facade: facade, db: db, logger: logger}
}

// RegisterRoutes registers the ingest endpoint.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/audit/transactions", h.RecordTransaction).Methods("POST")
}

type recordRequest struct {
	RecordType  string         `json:"record_type"`
	RecordID    string         `json:"record_id"`
	Type        string         `json:"type"`
	OldSnapshot map[string]any `json:"old_snapshot"`
	NewSnapshot map[string]any `json:"new_snapshot"`
	Actor       struct {
		UserID    string `json:"user_id"`
		SourceIP  string `json:"source_ip"`
		SessionID string `json:"session_id"`
	} `json:"actor"`
}

// RecordTransaction handles POST /api/v1/audit/transactions. The
// tenant comes from the scope the middleware entered for this request.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}

	if req.RecordType == "" || req.RecordID == "" {
		httputil.WriteErrorCode(w, http.StatusBadRequest, ledger.CodeInvalidArgument, "record_type and record_id are required")
		return
	}
	txType := ledger.TransactionType(req.Type)
	if !txType.Valid() {
		httputil.WriteErrorCode(w, http.StatusBadRequest, ledger.CodeInvalidArgument, "type must be CREATE, UPDATE or DELETE")
		return
	}

	oldSnap, err := snapshotFrom(req.OldSnapshot)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, ledger.CodeInvalidArgument, "invalid old_snapshot: "+err.Error())
		return
	}
	newSnap, err := snapshotFrom(req.NewSnapshot)
	if err != nil {
		httputil.WriteErrorCode(w, http.StatusBadRequest, ledger.CodeInvalidArgument, "invalid new_snapshot: "+err.Error())
		return
	}

	switch txType {
	case ledger.TypeCreate:
		if newSnap == nil {
			httputil.WriteErrorCode(w, http.StatusBadRequest, ledger.CodeInvalidArgument, "create requires new_snapshot")
			return
		}
	case ledger.TypeDelete:
		if oldSnap == nil {
			httputil.WriteErrorCode(w, http.StatusBadRequest, ledger.CodeInvalidArgument, "delete requires old_snapshot")
			return
		}
	}

	actor := Actor{
		UserID:    req.Actor.UserID,
		SourceIP:  req.Actor.SourceIP,
		SessionID: req.Actor.SessionID,
	}

	rec, err := h.facade.RecordScoped(r.Context(), h.db, req.RecordType, req.RecordID, txType, oldSnap, newSnap, actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusCreated, rec, "failed to encode transaction")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case ledger.IsInvalidArgument(err):
		httputil.WriteErrorCode(w, http.StatusBadRequest, ledger.CodeInvalidArgument, err.Error())
	case tenant.IsInvalidScope(err), tenant.IsAlreadyScoped(err):
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("tenant scope misuse")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, scopeCode(err), err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("audit write failed")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, ledger.CodePersistenceFailure, err.Error())
	}
}

func scopeCode(err error) string {
	if se, ok := err.(*tenant.ScopeError); ok {
		return se.Code
	}
	return ledger.CodePersistenceFailure
}

func snapshotFrom(fields map[string]any) (changes.Snapshot, error) {
	if fields == nil {
		return nil, nil
	}
	return changes.NewSnapshot(fields)
}
