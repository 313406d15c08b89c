// Package history answers "the K most recent entries per partition"
// in a single query.
//
// A partition is one (owner, item, property) tuple. Fetching recent
// history for many partitions one query at a time costs a round trip
// per partition; Index.RecentPerPartition instead ranks rows inside
// the database with a window function and keeps only ranks 1..k, so
// the cost is one bounded query regardless of partition count.
package history
