// Package modelclient sends classification and instruction prompts to model
// backends.
//
// A model id has the form "<provider>:<model>"; ids without a known provider
// prefix go to the configured default provider. Each provider shares one
// token-bucket limiter across all workers. Calls are retried with
// exponential backoff while the failure is retryable, then the next model of
// the fallback chain is tried. Authentication and malformed-request failures
// skip straight to the next model.
//
// Classification responses are parsed leniently: JSON validated against a
// small schema first, then a "label" pattern, then the raw text. The returned
// label is NFC-normalised but not checked against the label set; that is the
// worker's job.
package modelclient
