// Package orchestrator drives labeling jobs through their lifecycle.
//
// A Manager polls the store and, per job, decomposes the input into tasks,
// carries out requested cancellations, finalizes jobs whose tasks are all
// settled and fails jobs that outlive the watchdog. Decomposition and
// finalization are single-owner per job: a file lock under the lock
// directory plus compare-and-set status transitions. A cron schedule
// archives old terminal jobs.
package orchestrator
