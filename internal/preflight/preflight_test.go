package preflight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"labelflow/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDiskSpace(t *testing.T) {
	dir := t.TempDir()
	if result := CheckDiskSpace("disk", dir, 1); !result.Passed {
		t.Fatalf("expected pass with a 1 byte minimum, got: %s", result.Detail)
	}
	result := CheckDiskSpace("disk", dir, ^uint64(0))
	if result.Passed {
		t.Fatal("expected failure for an impossible minimum")
	}
	if !strings.Contains(result.Detail, "need") {
		t.Fatalf("expected detail to name the requirement, got %q", result.Detail)
	}
	if result := CheckDiskSpace("disk", filepath.Join(dir, "missing"), 1); result.Passed {
		t.Fatal("expected failure for missing path")
	}
}

func TestCheckDatabase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	result := CheckDatabase(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckCredentials(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Providers.OpenRouter.APIKey = ""
	cfg.Providers.Anthropic.APIKey = "sk-ant"

	cases := []struct {
		model string
		pass  bool
	}{
		{"openai/gpt-4o-mini", false},
		{"anthropic:claude-3-5-haiku", true},
		{"ollama:llama3:8b", true},
	}
	for _, tc := range cases {
		result := CheckCredentials(cfg, tc.model)
		if result.Passed != tc.pass {
			t.Errorf("%s: passed=%v detail=%q", tc.model, result.Passed, result.Detail)
		}
	}
}

func TestCheckModel_OK(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel = body.Model
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Providers.OpenRouter.BaseURL = srv.URL
	cfg.Providers.OpenRouter.APIKey = "good-key"

	result := CheckModel(context.Background(), cfg, "openrouter:vendor/model")
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if gotModel != "vendor/model" {
		t.Fatalf("expected provider prefix stripped, got %q", gotModel)
	}
}

func TestCheckModel_BadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testsupport.NewConfig(t)
	cfg.Providers.OpenRouter.BaseURL = srv.URL
	cfg.Providers.OpenRouter.APIKey = "bad-key"

	result := CheckModel(context.Background(), cfg, "openrouter:vendor/model")
	if result.Passed {
		t.Fatal("expected failure for bad key")
	}
	if !strings.Contains(result.Detail, "auth failed") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func ollamaServer(t *testing.T, models ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/v1/models" {
			data := make([]map[string]string, 0, len(models))
			for _, id := range models {
				data = append(data, map[string]string{"id": id})
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheckModel_OllamaPulled(t *testing.T) {
	srv := ollamaServer(t, "llama3:latest", "qwen2:7b")
	cfg := testsupport.NewConfig(t)
	cfg.Providers.Ollama.BaseURL = srv.URL + "/v1/chat/completions"

	if result := CheckModel(context.Background(), cfg, "ollama:llama3"); !result.Passed {
		t.Fatalf("expected pass for implicit latest tag, got: %s", result.Detail)
	}
	if result := CheckModel(context.Background(), cfg, "ollama:qwen2:7b"); !result.Passed {
		t.Fatalf("expected pass for tagged model, got: %s", result.Detail)
	}
}

func TestCheckModel_OllamaNotPulled(t *testing.T) {
	srv := ollamaServer(t, "llama3:latest")
	cfg := testsupport.NewConfig(t)
	cfg.Providers.Ollama.BaseURL = srv.URL + "/v1/chat/completions"

	result := CheckModel(context.Background(), cfg, "ollama:mistral")
	if result.Passed {
		t.Fatal("expected failure for missing model")
	}
	if !strings.Contains(result.Detail, "ollama pull mistral") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestConfiguredModelsIncludesFallbacksOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Models.ChildModel = "openrouter:a"
	cfg.Models.MotherModel = "openrouter:a"
	cfg.Models.Fallbacks = map[string][]string{"openrouter:a": {"anthropic:b", "openrouter:a"}}

	got := ConfiguredModels(cfg)
	if len(got) != 2 || got[0] != "openrouter:a" || got[1] != "anthropic:b" {
		t.Fatalf("unexpected models %v", got)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, Options{}); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_OfflineConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	cfg.Models.ChildModel = "ollama:llama3"
	cfg.Models.MotherModel = ""
	cfg.Models.Fallbacks = nil

	results := RunAll(context.Background(), cfg, Options{})
	if Failed(results) {
		for _, r := range results {
			if !r.Passed {
				t.Errorf("check %q failed: %s", r.Name, r.Detail)
			}
		}
	}
	// data, lock, log, output, disk, database, one model
	if len(results) != 7 {
		t.Fatalf("expected 7 results, got %d", len(results))
	}
}
