// Package notifications posts job completion alerts to an ntfy topic.
//
// Sink plugs into the progress publisher and sends one message per finished
// job. Intermediate snapshots are ignored. When progress.ntfy_topic is empty
// NewSink returns nil and the daemon registers nothing.
package notifications
