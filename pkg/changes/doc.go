// Package changes computes field-level diffs between snapshots of a
// domain record.
//
// A Snapshot is a flat field name to scalar value mapping taken at a
// point in time. Detector.Diff compares an old and a new snapshot of
// the same record type and produces a ChangeSet listing only the
// fields that differ. Snapshots serialize deterministically so stored
// diffs can be re-parsed and re-diffed for display later.
//
// Field ordering and sensitivity flags come from a Registry of record
// type definitions, which can be loaded from YAML and hot-reloaded.
package changes
