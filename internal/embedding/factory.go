package embedding

import (
	"fmt"
	"os"

	"github.com/hyperjump/shirabe/internal/config"
)

// Provider names accepted by New.
const (
	ProviderHash   = "hash"
	ProviderOpenAI = "openai"
	ProviderONNX   = "onnx"
)

// New builds the configured provider wrapped in an LRU cache of cfg.CacheSize entries.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case ProviderHash, "":
		e = NewHashEmbedder(cfg.Dimensions)
	case ProviderOpenAI:
		apiKey := ""
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
		}
		if apiKey == "" && (cfg.BaseURL == "" || cfg.BaseURL == DefaultOpenAIBaseURL) {
			return nil, fmt.Errorf("API key not found in environment variable: %s", cfg.APIKeyEnv)
		}
		oe, err := NewOpenAIEmbedder(OpenAIConfig{
			BaseURL:           cfg.BaseURL,
			Model:             cfg.Model,
			APIKey:            apiKey,
			Dimensions:        cfg.Dimensions,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Timeout:           cfg.TimeoutDuration(),
		})
		if err != nil {
			return nil, err
		}
		e = oe
	case ProviderONNX:
		oe, err := NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			return nil, err
		}
		e = oe
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: hash, openai, onnx)", cfg.Provider)
	}
	return NewCachedEmbedder(e, cfg.CacheSize), nil
}
