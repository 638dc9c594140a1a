// Package config provides configuration loading and structs for the Tsunagu engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Vault    VaultConfig    `yaml:"vault"`
	Embed    EmbedConfig    `yaml:"embedding"`
	Rerank   RerankConfig   `yaml:"rerank"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and indices.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path"`
	BleveIndexPath  string `yaml:"bleve_index_path"`
	VectorIndexPath string `yaml:"vector_index_path"`
}

// VaultConfig holds the note vault location and scan settings.
type VaultConfig struct {
	Path       string   `yaml:"path"`
	Subjects   []string `yaml:"subjects"`
	Extensions []string `yaml:"extensions"`
}

// EmbedConfig holds embedding service settings.
type EmbedConfig struct {
	// Provider selects the embedder: "http" (remote service), "onnx" (local
	// model, requires CGO), or "mock".
	Provider   string        `yaml:"provider"`
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	ModelPath  string        `yaml:"model_path"` // onnx provider only
	MaxTokens  int           `yaml:"max_tokens"` // onnx provider only
}

// RerankConfig holds relevance-scoring service settings.
type RerankConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	Model      string        `yaml:"model"`
	Threshold  float64       `yaml:"threshold"`
	TopK       int           `yaml:"top_k"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	// MinResults and FallbackTop: when both are set and fewer than MinResults
	// candidates clear the threshold, keep the FallbackTop highest-scoring
	// candidates instead. Zero (the default) keeps the threshold a hard filter.
	MinResults  int `yaml:"min_results"`
	FallbackTop int `yaml:"fallback_top"`
}

// PipelineConfig holds batch relink settings.
type PipelineConfig struct {
	RecallTopK         int  `yaml:"recall_top_k"`
	MaxEdgesPerConcept int  `yaml:"max_edges_per_concept"`
	Concurrency        int  `yaml:"concurrency"`
	MentionCandidates  bool `yaml:"mention_candidates"`
	// FullRelinkNewConcepts: when a scan adds more than this many concepts,
	// the next relink processes the whole corpus instead of only changed notes.
	FullRelinkNewConcepts int `yaml:"full_relink_new_concepts"`
}

// APIKey resolves the embedding service API key from the configured env var.
func (e *EmbedConfig) APIKey() string {
	return os.Getenv(e.APIKeyEnv)
}

// APIKey resolves the rerank service API key from the configured env var.
func (r *RerankConfig) APIKey() string {
	return os.Getenv(r.APIKeyEnv)
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Embed.ModelPath = expandPath(cfg.Embed.ModelPath, configDir)
	if cfg.Vault.Path != "" {
		cfg.Vault.Path = expandPath(cfg.Vault.Path, configDir)
	}

	return &cfg, nil
}

// Save writes the config to path. Used for persisting vault subject add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		if strings.HasPrefix(path, "~/") {
			return filepath.Join(home, path[2:])
		}
		return filepath.Join(home, path)
	}
	return path
}
