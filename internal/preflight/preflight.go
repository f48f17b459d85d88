package preflight

import (
	"context"

	"labelflow/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Options selects the optional checks.
type Options struct {
	// ProbeModels sends a test completion to every configured model.
	ProbeModels bool
}

// minFreeBytes is the free space below which the data directory check fails.
const minFreeBytes = 256 << 20

// RunAll executes every applicable preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config, opts Options) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results,
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Lock directory", cfg.Paths.LockDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	)
	if cfg.Output.WriteFiles {
		results = append(results, CheckDirectoryAccess("Output directory", cfg.Paths.OutputDir))
	}
	results = append(results, CheckDiskSpace("Data volume", cfg.Paths.DataDir, minFreeBytes))
	results = append(results, CheckDatabase(ctx, cfg))

	for _, model := range ConfiguredModels(cfg) {
		if opts.ProbeModels {
			results = append(results, CheckModel(ctx, cfg, model))
			continue
		}
		results = append(results, CheckCredentials(cfg, model))
	}
	return results
}

// Failed reports whether any result did not pass.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// ConfiguredModels returns the default mother and child models followed by
// their configured fallbacks, without duplicates.
func ConfiguredModels(cfg *config.Config) []string {
	seen := map[string]struct{}{}
	var models []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		models = append(models, id)
	}
	for _, primary := range []string{cfg.Models.ChildModel, cfg.Models.MotherModel} {
		add(primary)
		for _, fallback := range cfg.FallbacksFor(primary) {
			add(fallback)
		}
	}
	return models
}
