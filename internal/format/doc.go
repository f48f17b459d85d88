// Package format decodes labeling input files into ordered units and encodes
// them back with one added label field while leaving every other byte of the
// source untouched.
//
// Three adapters share the Adapter interface: JSON (object members),
// CSV (a trailing column) and XML (an attribute on each record element).
// Decode never rewrites the input; it records byte spans so Encode can splice
// label values into the original bytes. Encode(Decode(x), nil) reproduces x
// for JSON and XML, and x plus an empty trailing column for CSV.
//
// Structural failures wrap services.ErrParse. Records without text become
// skipped units with a Warning and are emitted unlabeled.
package format
