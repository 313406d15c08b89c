// Package audit orchestrates the write path of the audit subsystem.
//
// The Facade wraps a business create, update or delete: it enters the
// tenant scope, diffs the before and after snapshots, appends one
// TransactionRecord to the ledger on the caller's transaction, and
// exits the scope on every path including panics. Callers hand it
// their open *sql.Tx so the audit write commits or rolls back with
// the mutation it describes.
package audit
