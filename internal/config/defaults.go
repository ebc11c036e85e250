package config

import (
	"fmt"
	"math"
	"path/filepath"
	"time"
)

const dataDir = "/usr/local/var/shirabe/data"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	if cfg.Index.MetadataFormat == "" {
		cfg.Index.MetadataFormat = "jsonl"
	}
	if cfg.Index.IndexPath == "" {
		cfg.Index.IndexPath = filepath.Join(dataDir, "index", "vectors.bin")
	}
	if cfg.Index.MetadataPath == "" {
		name := "metadata.jsonl"
		if cfg.Index.MetadataFormat == "sqlite" {
			name = "metadata.db"
		}
		cfg.Index.MetadataPath = filepath.Join(dataDir, "index", name)
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 64
	}
	if cfg.Index.FilterIndex == "" {
		cfg.Index.FilterIndex = "memory"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "all-MiniLM-L6-v2"
	}
	if cfg.Embedding.Provider == "onnx" && cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = filepath.Join(dataDir, "models", cfg.Embedding.Model+".onnx")
	}
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKeyEnv == "" {
		cfg.Embedding.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Embedding.Dimensions == 0 && cfg.Embedding.Provider != "openai" {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.Timeout == "" {
		cfg.Embedding.Timeout = "60s"
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}

	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = 5
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = 100
	}
	if cfg.Search.ScoreThreshold == nil {
		v := 0.3
		cfg.Search.ScoreThreshold = &v
	}
	if cfg.Search.Diversify == nil {
		v := true
		cfg.Search.Diversify = &v
	}
	if cfg.Search.MMRLambda == nil {
		v := 0.5
		cfg.Search.MMRLambda = &v
	}
	if cfg.Search.PoolFactor == 0 {
		cfg.Search.PoolFactor = 3
	}

	if cfg.Update.LedgerPath == "" {
		cfg.Update.LedgerPath = filepath.Join(dataDir, "ledger.db")
	}

	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jsonl", ".json", ".csv", ".xlsx", ".parquet"}
	}
	if cfg.Watch.Debounce == "" {
		cfg.Watch.Debounce = "500ms"
	}
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Index.IndexPath == c.Index.MetadataPath {
		return fmt.Errorf("index.index_path and index.metadata_path must differ")
	}
	if c.Index.EmbeddingDimension < 0 {
		return fmt.Errorf("index.embedding_dimension must not be negative")
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be positive")
	}
	switch c.Index.MetadataFormat {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("unknown index.metadata_format %q (supported: jsonl, sqlite)", c.Index.MetadataFormat)
	}
	switch c.Index.FilterIndex {
	case "memory", "scan", "bleve":
	default:
		return fmt.Errorf("unknown index.filter_index %q (supported: memory, scan, bleve)", c.Index.FilterIndex)
	}
	switch c.Embedding.Provider {
	case "hash", "openai", "onnx":
	default:
		return fmt.Errorf("unknown embedding.provider %q (supported: hash, openai, onnx)", c.Embedding.Provider)
	}
	if c.Embedding.RequestsPerSecond < 0 {
		return fmt.Errorf("embedding.requests_per_second must not be negative")
	}
	if _, err := time.ParseDuration(c.Embedding.Timeout); err != nil {
		return fmt.Errorf("invalid embedding.timeout: %w", err)
	}
	if c.Search.DefaultTopK <= 0 || c.Search.MaxTopK < c.Search.DefaultTopK {
		return fmt.Errorf("search.default_top_k must be positive and at most search.max_top_k")
	}
	if t := c.Search.ScoreThreshold; t != nil && (math.IsNaN(*t) || math.IsInf(*t, 0)) {
		return fmt.Errorf("search.score_threshold must be a finite number")
	}
	if l := c.Search.MMRLambda; l != nil && !(*l >= 0 && *l <= 1) {
		return fmt.Errorf("search.mmr_lambda must be in [0, 1]")
	}
	if c.Search.PoolFactor < 1 {
		return fmt.Errorf("search.pool_factor must be at least 1")
	}
	if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
		return fmt.Errorf("invalid watch.debounce: %w", err)
	}
	return nil
}
