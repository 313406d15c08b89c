// Package tenant provides request-scoped tenant isolation.
//
// Every storage query issued while a scope is active is bound to the
// scope's tenant. The scope travels in the request context, so two
// concurrent requests can never observe each other's tenant, and a
// request that dies mid-flight cannot leave a stale tenant behind for
// the next request on a reused connection.
//
// Usage:
//
//	ctx, err := tenant.Enter(ctx, "org-1", "")
//	if err != nil {
//		return err
//	}
//	defer tenant.Exit(ctx)
//
// Enter while a scope is already active fails with AlreadyScopedError
// instead of silently replacing the tenant. Exit must run exactly once
// per Enter; middleware.TenantScope guarantees this on every exit path
// including panics.
package tenant
