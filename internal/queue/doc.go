// Package queue persists labeling jobs and their tasks in SQLite.
//
// The Store is both the Job Store (job rows, atomic counters, warnings, the
// finished artifact) and the lease-based Task Queue (one task row per unit).
// Every task state change appends a TaskEvent in the same transaction, and
// counters only move inside the transaction that makes a task terminal, so
// completed + failed + pending == total holds for every reader.
//
// Tasks are leased with UPDATE ... RETURNING and guarded by a lease token;
// stale tokens get ErrLeaseLost. Explicit failures back off exponentially and
// expired leases are reclaimed with exactly one attempt increment.
//
// Observers receive a Transition after each committed change that affects a
// job's counters or status.
//
// Schema changes bump the version in schema.go; users clear the database to
// adopt the new schema.
package queue
