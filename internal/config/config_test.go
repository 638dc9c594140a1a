package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "debug: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true")
	}
	if cfg.Embed.Model != "BAAI/bge-m3" {
		t.Errorf("default embed model = %s", cfg.Embed.Model)
	}
	if cfg.Rerank.Threshold != 0.3 {
		t.Errorf("default rerank threshold = %v", cfg.Rerank.Threshold)
	}
	if cfg.Pipeline.RecallTopK != 100 {
		t.Errorf("default recall top-k = %d", cfg.Pipeline.RecallTopK)
	}
	if cfg.Rerank.TopK != 15 {
		t.Errorf("default rerank top-k = %d", cfg.Rerank.TopK)
	}
	if cfg.Embed.Timeout != 30*time.Second {
		t.Errorf("default embed timeout = %v", cfg.Embed.Timeout)
	}
	if cfg.Rerank.MinResults != 0 || cfg.Rerank.FallbackTop != 0 {
		t.Errorf("rerank fallback should default to off, got min_results=%d fallback_top=%d",
			cfg.Rerank.MinResults, cfg.Rerank.FallbackTop)
	}
}

func TestApplyDefaultsKeepsFallbackDisabled(t *testing.T) {
	cfg := &Config{}
	cfg.Rerank.MinResults = 0
	cfg.Rerank.FallbackTop = 0
	ApplyDefaults(cfg)
	if cfg.Rerank.MinResults != 0 {
		t.Errorf("min_results = %d, want 0", cfg.Rerank.MinResults)
	}
	if cfg.Rerank.FallbackTop != 0 {
		t.Errorf("fallback_top = %d, want 0", cfg.Rerank.FallbackTop)
	}
}

func TestLoadExpandsRelativePaths(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: ./data/concepts.db
  vector_index_path: ./data/vectors.bin
vault:
  path: ./notes
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	dir := filepath.Dir(path)
	if cfg.Storage.DatabasePath != filepath.Join(dir, "data/concepts.db") {
		t.Errorf("database path not expanded: %s", cfg.Storage.DatabasePath)
	}
	if cfg.Vault.Path != filepath.Join(dir, "notes") {
		t.Errorf("vault path not expanded: %s", cfg.Vault.Path)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
rerank:
  threshold: 0.5
  top_k: 20
pipeline:
  concurrency: 8
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rerank.Threshold != 0.5 {
		t.Errorf("threshold = %v", cfg.Rerank.Threshold)
	}
	if cfg.Rerank.TopK != 20 {
		t.Errorf("top_k = %d", cfg.Rerank.TopK)
	}
	if cfg.Pipeline.Concurrency != 8 {
		t.Errorf("concurrency = %d", cfg.Pipeline.Concurrency)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
