// Package progress turns committed queue transitions into per-job progress
// snapshots.
//
// The Publisher coalesces intermediate snapshots by count and time and
// delivers each job's terminal snapshot exactly once to every subscriber and
// sink. Sinks forward snapshots to the log or to Redis pub/sub.
package progress
