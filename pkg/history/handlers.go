package history

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

// Handler serves the per-partition history API.
type Handler struct {
	index  *Index
	logger *observability.Logger
}

// NewHandler creates a history API handler.
func NewHandler(index *Index, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Handler{index: index, logger: logger}
}

// RegisterRoutes registers the history endpoints.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/history/recent", h.RecentPerPartition).Methods("POST")
}

type recentRequest struct {
	OwnerUserID      string `json:"owner_user_id"`
	Partitions       []Key  `json:"partitions"`
	K                int    `json:"k"`
	OnlyActiveOwners bool   `json:"only_active_owners"`
}

// RecentPerPartition handles POST /api/v1/history/recent. The request
// carries the partition list in the body because partition sets are
// too large for query strings.
func (h *Handler) RecentPerPartition(w http.ResponseWriter, r *http.Request) {
	var req recentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteValidationError(w, "invalid request body")
		return
	}

	result, err := h.index.RecentPerPartition(r.Context(), req.OwnerUserID, req.Partitions, req.K, req.OnlyActiveOwners)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	httputil.WriteJSONOrError(w, http.StatusOK, result, "failed to encode history")
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case IsInvalidArgument(err):
		httputil.WriteErrorCode(w, http.StatusBadRequest, errorCode(err), err.Error())
	case tenant.IsInvalidScope(err), tenant.IsAlreadyScoped(err):
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("tenant scope misuse")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, errorCode(err), err.Error())
	default:
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("history query failed")
		httputil.WriteErrorCode(w, http.StatusInternalServerError, errorCode(err), err.Error())
	}
}

// Errors from outside the taxonomy count as persistence failures so
// the code field never goes out empty.
func errorCode(err error) string {
	if coded, ok := err.(interface{ Code() string }); ok {
		return coded.Code()
	}
	if se, ok := err.(*tenant.ScopeError); ok {
		return se.Code
	}
	return CodePersistenceFailure
}
