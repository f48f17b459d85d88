// Package logs reads the daemon's JSON log files for the CLI.
//
// Tail returns the last N lines of a file, or the lines appended after a
// byte offset, optionally waiting for new output. Lines can be narrowed to a
// single job by their job_id field so `labelflow logs --job` follows one
// job through decomposition, labeling and finalization.
package logs
