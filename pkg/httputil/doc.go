// Package httputil provides HTTP handler utilities for consistent error
// handling, JSON encoding/decoding, and request parsing.
//
// # Responses
//
// Success responses:
//
//	httputil.WriteJSON(w, http.StatusOK, result)
//	httputil.WriteCreated(w, record)
//	httputil.WriteJSONOrError(w, http.StatusOK, page, "failed to encode page")
//
// Error responses always carry an "error" message and, when the caller
// supplies one, a stable "code":
//
//	httputil.WriteValidationError(w, "record_id is required")
//	httputil.WriteErrorCode(w, http.StatusBadRequest, "invalid_query", err.Error())
//	httputil.WriteNotFoundError(w, "transaction not found")
//
// # Request Parsing
//
// JSON bodies:
//
//	var req SearchRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//	    return
//	}
//
// Path and query parameters:
//
//	id, err := httputil.ParsePathString(r, "id")
//	limit, err := httputil.ParseQueryInt(r, "limit", 20)
//	redacted, err := httputil.ParseQueryBool(r, "include_redacted", false)
//
// # Middleware
//
//	handler := httputil.Chain(
//	    httputil.RequestIDMiddleware,
//	    httputil.LoggingMiddleware(logger),
//	    httputil.RecoveryMiddleware(logger),
//	    httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
