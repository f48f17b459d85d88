package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"labelflow/internal/config"
	"labelflow/internal/modelclient"
	"labelflow/internal/queue"
	"labelflow/internal/services"
	"labelflow/internal/services/llm"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckDiskSpace fails when the filesystem holding path has less than
// minFree bytes available to unprivileged users.
func CheckDiskSpace(name, path string, minFree uint64) Result {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: statfs: %v)", path, err)}
	}
	free := stat.Bavail * uint64(stat.Bsize)
	detail := fmt.Sprintf("%s (%s free)", path, humanBytes(free))
	if free < minFree {
		return Result{Name: name, Detail: detail + fmt.Sprintf(", need %s", humanBytes(minFree))}
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckDatabase opens the queue database and runs its integrity check.
func CheckDatabase(ctx context.Context, cfg *config.Config) Result {
	const name = "Queue database"

	store, err := queue.Open(cfg)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("open failed (%v)", err)}
	}
	defer store.Close()

	health, err := store.CheckHealth(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("health check failed (%v)", err)}
	}
	if !health.IntegrityCheck {
		return Result{Name: name, Detail: fmt.Sprintf("%s (integrity check failed: %s)", health.DBPath, health.Error)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (schema v%d, %d jobs)", health.DBPath, health.SchemaVersion, health.TotalJobs)}
}

// CheckCredentials verifies that the provider serving model has an API key.
// Ollama runs locally and needs none.
func CheckCredentials(cfg *config.Config, model string) Result {
	kind, settings, err := resolveProvider(cfg, model)
	name := "Model " + model
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	if kind != modelclient.KindOllama && strings.TrimSpace(settings.APIKey) == "" {
		return Result{Name: name, Detail: fmt.Sprintf("%s API key missing", kind)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s credentials present", kind)}
}

// CheckModel sends one small JSON completion to model. It uses a 30-second
// timeout and a single attempt. Ollama models are first looked up in the
// local model list so an unpulled model is reported as such.
func CheckModel(ctx context.Context, cfg *config.Config, model string) Result {
	name := "Model " + model
	kind, settings, err := resolveProvider(cfg, model)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	provider, err := modelclient.NewProvider(kind, settings)
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, modelName := modelclient.ParseModelID(model, kind)
	if lister, ok := provider.(modelclient.ModelLister); ok && kind == modelclient.KindOllama {
		served, err := lister.Models(checkCtx)
		if err != nil {
			return Result{Name: name, Detail: summarizeModelError(err)}
		}
		if !servesModel(served, modelName) {
			return Result{Name: name, Detail: fmt.Sprintf("ollama has no model %q (run `ollama pull %s`)", modelName, modelName)}
		}
	}
	content, err := provider.Complete(checkCtx, modelclient.Prompt{
		Model:     modelName,
		System:    "You must respond with JSON only.",
		User:      `Respond with {"ok":true}`,
		MaxTokens: 20,
		JSON:      true,
	})
	if err != nil {
		return Result{Name: name, Detail: summarizeModelError(err)}
	}
	var parsed struct {
		OK bool `json:"ok"`
	}
	if err := llm.DecodeJSON(content, &parsed); err != nil || !parsed.OK {
		return Result{Name: name, Detail: "reachable but returned an unexpected response"}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable", kind)}
}

// servesModel matches Ollama's implicit ":latest" tag.
func servesModel(served []string, model string) bool {
	for _, id := range served {
		if id == model || (!strings.Contains(model, ":") && id == model+":latest") {
			return true
		}
	}
	return false
}

func resolveProvider(cfg *config.Config, model string) (modelclient.Kind, config.Provider, error) {
	fallback, ok := modelclient.ParseKind(cfg.Models.DefaultProvider)
	if !ok {
		fallback = modelclient.KindOpenRouter
	}
	kind, _ := modelclient.ParseModelID(model, fallback)
	settings, ok := cfg.ProviderSettings(string(kind))
	if !ok {
		return "", config.Provider{}, fmt.Errorf("unknown provider %q", kind)
	}
	return kind, settings, nil
}

// summarizeModelError produces a human-readable summary for probe failures.
func summarizeModelError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "probe timed out (provider unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "probe timed out (provider unreachable)"
	}
	switch services.ErrorKind(err) {
	case services.KindModelAuth:
		return "auth failed (check the API key)"
	case services.KindRateLimited:
		return "rate limited (key valid, quota exhausted)"
	}
	return err.Error()
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for value := n / unit; value >= unit; value /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
