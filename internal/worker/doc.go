// Package worker runs the labeling worker pool.
//
// Each worker leases one task at a time from the queue, asks the model
// client for a label, validates it against the job's label set and settles
// the task with Ack, Nack, Fail or Discard. A heartbeat extends the lease
// while the model call is in flight, and a reclaim loop returns expired
// leases to the queue.
package worker
