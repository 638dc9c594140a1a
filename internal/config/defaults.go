package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8086
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/tsunagu/data/db/concepts.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/tsunagu/data/indices/bleve"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/tsunagu/data/indices/vectors.bin"
	}
	if cfg.Vault.Extensions == nil {
		cfg.Vault.Extensions = []string{".md"}
	}
	if cfg.Embed.Provider == "" {
		cfg.Embed.Provider = "http"
	}
	if cfg.Embed.BaseURL == "" {
		cfg.Embed.BaseURL = "https://api.siliconflow.cn/v1"
	}
	if cfg.Embed.APIKeyEnv == "" {
		cfg.Embed.APIKeyEnv = "SILICONFLOW_API_KEY"
	}
	if cfg.Embed.Model == "" {
		cfg.Embed.Model = "BAAI/bge-m3"
	}
	if cfg.Embed.Dimensions == 0 {
		cfg.Embed.Dimensions = 1024
	}
	if cfg.Embed.BatchSize == 0 {
		cfg.Embed.BatchSize = 10
	}
	if cfg.Embed.Timeout == 0 {
		cfg.Embed.Timeout = 30 * time.Second
	}
	if cfg.Embed.MaxRetries == 0 {
		cfg.Embed.MaxRetries = 3
	}
	if cfg.Embed.MaxTokens == 0 {
		cfg.Embed.MaxTokens = 512
	}
	if cfg.Rerank.BaseURL == "" {
		cfg.Rerank.BaseURL = "https://api.siliconflow.cn/v1"
	}
	if cfg.Rerank.APIKeyEnv == "" {
		cfg.Rerank.APIKeyEnv = "SILICONFLOW_API_KEY"
	}
	if cfg.Rerank.Model == "" {
		cfg.Rerank.Model = "BAAI/bge-reranker-v2-m3"
	}
	if cfg.Rerank.Threshold == 0 {
		cfg.Rerank.Threshold = 0.3
	}
	if cfg.Rerank.TopK == 0 {
		cfg.Rerank.TopK = 15
	}
	if cfg.Rerank.Timeout == 0 {
		cfg.Rerank.Timeout = 30 * time.Second
	}
	if cfg.Rerank.MaxRetries == 0 {
		cfg.Rerank.MaxRetries = 3
	}
	// MinResults and FallbackTop stay zero unless set: the threshold is a hard
	// filter by default, and the sparse-corpus fallback is opt-in.
	if cfg.Pipeline.RecallTopK == 0 {
		cfg.Pipeline.RecallTopK = 100
	}
	if cfg.Pipeline.MaxEdgesPerConcept == 0 {
		cfg.Pipeline.MaxEdgesPerConcept = 15
	}
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 4
	}
	if cfg.Pipeline.FullRelinkNewConcepts == 0 {
		cfg.Pipeline.FullRelinkNewConcepts = 10
	}
}
