// Package middleware provides the HTTP middleware chain for the audit
// service: tenant scope establishment and teardown, and Redis-backed
// per-tenant rate limiting shared across instances.
package middleware
