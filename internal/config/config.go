// Package config provides configuration loading and structs for the shirabe retriever and updater.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug" toml:"debug"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Index     IndexConfig     `yaml:"index" toml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	Search    SearchConfig    `yaml:"search" toml:"search"`
	Update    UpdateConfig    `yaml:"update" toml:"update"`
	Watch     WatchConfig     `yaml:"watch" toml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
}

// IndexConfig locates the snapshot and controls how vectors are built. It is passed to both
// the retriever and the updater.
type IndexConfig struct {
	IndexPath          string `yaml:"index_path" toml:"index_path"`
	MetadataPath       string `yaml:"metadata_path" toml:"metadata_path"`
	EmbeddingDimension int    `yaml:"embedding_dimension" toml:"embedding_dimension"` // 0: taken from the first embeddings
	BatchSize          int    `yaml:"batch_size" toml:"batch_size"`
	Normalize          *bool  `yaml:"normalize" toml:"normalize"`
	MetadataFormat     string `yaml:"metadata_format" toml:"metadata_format"` // jsonl | sqlite
	FilterIndex        string `yaml:"filter_index" toml:"filter_index"`       // memory | scan | bleve
	Backup             *bool  `yaml:"backup" toml:"backup"`
}

// NormalizeOrDefault returns whether vectors are L2-normalized; defaults to true when unset.
func (c *IndexConfig) NormalizeOrDefault() bool {
	if c.Normalize != nil {
		return *c.Normalize
	}
	return true
}

// BackupOrDefault returns whether saves keep .bak copies; defaults to true when unset.
func (c *IndexConfig) BackupOrDefault() bool {
	if c.Backup != nil {
		return *c.Backup
	}
	return true
}

// EmbeddingConfig selects and configures the embedding provider.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider" toml:"provider"` // hash | openai | onnx
	Model             string  `yaml:"model" toml:"model"`
	ModelPath         string  `yaml:"model_path" toml:"model_path"`
	BaseURL           string  `yaml:"base_url" toml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env" toml:"api_key_env"`
	Dimensions        int     `yaml:"dimensions" toml:"dimensions"`
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Timeout           string  `yaml:"timeout" toml:"timeout"`
	MaxTokens         int     `yaml:"max_tokens" toml:"max_tokens"`
	CacheSize         int     `yaml:"cache_size" toml:"cache_size"`
}

// TimeoutDuration returns the request timeout. Validate has already checked the format.
func (c *EmbeddingConfig) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.Timeout)
	return d
}

// SearchConfig holds retrieval defaults.
type SearchConfig struct {
	DefaultTopK    int      `yaml:"default_top_k" toml:"default_top_k"`
	MaxTopK        int      `yaml:"max_top_k" toml:"max_top_k"`
	ScoreThreshold *float64 `yaml:"score_threshold" toml:"score_threshold"`
	Diversify      *bool    `yaml:"diversify" toml:"diversify"`
	MMRLambda      *float64 `yaml:"mmr_lambda" toml:"mmr_lambda"`
	PoolFactor     int      `yaml:"pool_factor" toml:"pool_factor"`
}

// UpdateConfig holds updater settings.
type UpdateConfig struct {
	LedgerPath string `yaml:"ledger_path" toml:"ledger_path"`
}

// WatchConfig holds directory watch settings used by the server.
type WatchConfig struct {
	Reload           bool     `yaml:"reload" toml:"reload"`
	InboxDirectories []string `yaml:"inbox_directories" toml:"inbox_directories"`
	Extensions       []string `yaml:"extensions" toml:"extensions"`
	Debounce         string   `yaml:"debounce" toml:"debounce"`
}

// DebounceDuration returns the debounce delay. Validate has already checked the format.
func (w *WatchConfig) DebounceDuration() time.Duration {
	d, _ := time.ParseDuration(w.Debounce)
	return d
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads and parses the config file at path (TOML for a .toml extension, YAML otherwise),
// applies defaults, expands paths and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Index.IndexPath = expandPath(cfg.Index.IndexPath, configDir)
	cfg.Index.MetadataPath = expandPath(cfg.Index.MetadataPath, configDir)
	cfg.Update.LedgerPath = expandPath(cfg.Update.LedgerPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.InboxDirectories {
		cfg.Watch.InboxDirectories[i] = expandPath(cfg.Watch.InboxDirectories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path with owner-only permissions, as TOML for a .toml extension.
func Save(path string, cfg *Config) error {
	var data []byte
	var err error
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
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
		return filepath.Join(home, path)
	}
	return path
}
