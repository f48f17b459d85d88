// Package api defines the wire-format types of the labelflow HTTP API, the
// JobService shared by the daemon's handlers and the CLI, and a small HTTP
// client for the daemon.
//
// # Key Types
//
// JobView: transport representation of a job with derived pending count and
// RFC3339 timestamps.
//
// JobService: submission, listing, status, cancellation, retry, audit and
// download over a JobStore. The CLI opens the store directly and drives the
// same service the daemon serves over HTTP.
//
// Client: talks to a running daemon; Watch consumes the NDJSON progress
// stream of one job until its terminal snapshot.
//
// # Design Notes
//
// Payloads use snake_case JSON keys matching the submission record. Raw input
// bytes travel base64 encoded in the "raw_bytes" field.
package api
