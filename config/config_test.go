package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MergesOverDefaults(t *testing.T) {
	t.Setenv("STORYFLOW_TEST_KEY", "sk-test")
	t.Setenv("OPENAI_API_KEY", "")

	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	body := `
server:
  port: ":9090"
llm:
  api_key: "${STORYFLOW_TEST_KEY}"
  default_provider: plan-llm
providers:
  - id: plan-llm
    type: openai
    kind: llm_text
    model: gpt-4o
  - id: flux
    type: worker
    kind: image_t2i
    endpoint: http://gpu:8000
    model: flux-dev
    max_concurrency: 3
pipeline:
  max_retry_attempts: 4
  global_inflight: 2
profiles:
  prod:
    frame_mode: first-last
    models:
      character_primary: flux-dev
`
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != ":9090" {
		t.Fatalf("Port=%q", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("APIKey=%q", cfg.LLM.APIKey)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-test" {
		t.Fatalf("provider APIKey=%q", got)
	}
	if got := cfg.Providers[0].MaxConcurrency; got != 1 {
		t.Fatalf("openai MaxConcurrency=%d", got)
	}
	if got := cfg.Providers[1].MaxConcurrency; got != 3 {
		t.Fatalf("worker MaxConcurrency=%d", got)
	}
	if cfg.Pipeline.MaxRetryAttempts != 4 || cfg.Pipeline.GlobalInflight != 2 {
		t.Fatalf("pipeline=%+v", cfg.Pipeline)
	}
	if cfg.Pipeline.TokenBudget != 2_000_000 {
		t.Fatalf("TokenBudget=%d", cfg.Pipeline.TokenBudget)
	}
	if cfg.Pipeline.RetryFloorSeconds != 2 {
		t.Fatalf("RetryFloorSeconds=%d", cfg.Pipeline.RetryFloorSeconds)
	}
	if got := cfg.Profiles.For(false).Models.CharacterPrimary; got != "flux-dev" {
		t.Fatalf("CharacterPrimary=%q", got)
	}
	if got := cfg.Profiles.For(true).FrameMode; got != "first-only" {
		t.Fatalf("test FrameMode=%q", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
