// Package daemon coordinates the long-running labelflow process.
//
// It wires configuration, the job store, the progress publisher and its
// sinks, the model client, the worker pool and the orchestrator into a single
// lifecycle with flock-based locking to prevent multiple instances, and
// serves the HTTP API over the same store.
//
// Keep orchestration logic here: labeling and job state transitions live in
// their own packages while the daemon focuses on startup, shutdown, and the
// API boundary.
package daemon
