// Package ledger is the append-only transaction audit log.
//
// Every business mutation gets one immutable TransactionRecord, written
// by Append on the caller's own *sql.Tx so audit and mutation commit or
// roll back together. All reads are bound to the tenant scope carried
// on the context; a record owned by another tenant is invisible even
// when the caller knows its id.
package ledger
