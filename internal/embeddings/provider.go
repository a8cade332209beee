// Package embeddings provides the embedding capability consumed by the
// engine and the workspace indexer. Dense transformer models are external
// collaborators reached over HTTP; the in-process hash provider serves
// tests and offline operation.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Provider generates dense vector embeddings from text.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, one per input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension for the current model.
	Dimension() int

	// Close releases resources held by the provider.
	Close() error
}

// Config selects and parameterizes a provider.
type Config struct {
	// Provider is "remote" or "hash".
	Provider string `koanf:"provider"`

	// BaseURL is the embedding server URL (remote only).
	BaseURL string `koanf:"base_url"`

	// Model is the embedding model name (remote only).
	Model string `koanf:"model"`

	// Dimension is the embedding dimension. Required for hash; for remote
	// it is inferred from the model name when zero.
	Dimension int `koanf:"dimension"`

	// TimeoutSeconds bounds each outbound call. Default 30.
	TimeoutSeconds int `koanf:"timeout_seconds"`

	// MaxRetries caps retry attempts in the retry decorator. Default 3.
	MaxRetries int `koanf:"max_retries"`
}

// NewProvider creates a provider from the configuration, wrapped with the
// retry policy.
func NewProvider(cfg Config) (Provider, error) {
	var p Provider
	switch cfg.Provider {
	case "remote", "":
		svc, err := NewRemoteProvider(cfg)
		if err != nil {
			return nil, err
		}
		p = svc
	case "hash":
		if cfg.Dimension <= 0 {
			return nil, fmt.Errorf("%w: hash provider requires a dimension", ErrInvalidConfig)
		}
		p = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	return WithRetry(p, cfg.MaxRetries), nil
}

// detectDimension returns the embedding dimension for a model name,
// defaulting to 384 (bge-small class models).
func detectDimension(model string) int {
	switch {
	case contains(model, "large"):
		return 1024
	case contains(model, "base"):
		return 768
	case contains(model, "small"), contains(model, "mini"):
		return 384
	default:
		return 384
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
