// Package preflight provides readiness checks for the directories, database
// and model providers labelflow depends on.
//
// The CLI "labelflow preflight" command runs RunAll and renders the results;
// the daemon runs the offline subset at startup and logs failures without
// refusing to start. Model probes send one tiny completion per configured
// model and are skipped unless requested.
package preflight
