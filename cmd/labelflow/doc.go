// Package main hosts the labelflow CLI entrypoint and command graph.
//
// Job commands open the queue database directly through api.JobService, so
// they work whether or not the daemon is running; the daemon picks up new
// submissions on its next orchestrator tick. Only `watch` talks to the
// daemon's HTTP API, because progress snapshots live in the daemon process.
package main
