package middleware

import (
	"net/http"

	"github.com/platinummonkey/tally/pkg/httputil"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/tenant"
)

// Header names carrying the tenant identity. The upstream gateway
// authenticates the caller and sets these; this service trusts them.
const (
	TenantHeader   = "X-Tenant-ID"
	SubScopeHeader = "X-Sub-Scope-ID"
)

// TenantScope enters a tenant scope for each request and guarantees
// the scope is exited when the request finishes, whether it returns
// normally or panics. Requests without a tenant header are rejected
// before any handler runs.
func TenantScope(logger *observability.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := r.Header.Get(TenantHeader)
			if tenantID == "" {
				httputil.WriteValidationError(w, "missing "+TenantHeader+" header")
				return
			}

			ctx, err := tenant.Enter(r.Context(), tenantID, r.Header.Get(SubScopeHeader))
			if err != nil {
				logger.WithError(err).WithField("tenant_id", tenantID).Error("failed to enter tenant scope")
				httputil.WriteInternalError(w, err)
				return
			}

			// Runs on panic unwinding too, so a dying request can
			// never leave its scope active.
			defer func() {
				if exitErr := tenant.Exit(ctx); exitErr != nil {
					logger.WithError(exitErr).WithField("tenant_id", tenantID).Error("failed to exit tenant scope")
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
