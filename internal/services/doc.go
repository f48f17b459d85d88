// Package services defines shared utilities consumed by the orchestrator,
// the worker pool, and the model provider integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, task IDs, worker names, and
//     correlation identifiers for logging and tracing.
//   - The error taxonomy markers plus the Wrap helper that let callers decide
//     between retrying a task, failing it, or failing the whole job.
//
// Use these helpers when wiring new pipeline code so operational behaviour
// (error handling, observability, retries) stays uniform.
package services
