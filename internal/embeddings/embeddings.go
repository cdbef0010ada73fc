// Package embeddings provides the embedding capability used by
// synchronization and retrieval: turning text into vectors via an
// external inference server.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmbeddingUnavailable indicates the embedding backend cannot
	// produce vectors right now. Callers treat it as transient.
	ErrEmbeddingUnavailable = errors.New("embedding capability unavailable")

	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Embedder turns text into vectors.
type Embedder interface {
	// EmbedDocuments generates one vector per input text.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery generates a vector for a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds configuration for the embedding client.
type Config struct {
	// Provider selects the backend. "tei" is the only provider today.
	Provider string

	// BaseURL is the base URL of the inference server.
	BaseURL string

	// Model is the embedding model name, informational for TEI.
	Model string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// RequestsPerSecond caps outbound embedding requests. Zero disables
	// rate limiting.
	RequestsPerSecond float64

	// Burst is the rate limiter burst size.
	Burst int

	// Timeout bounds each HTTP request. Zero means 30 seconds.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// NewProvider builds an Embedder from config, wrapping it with a rate
// limiter when one is configured.
func NewProvider(cfg Config) (Embedder, error) {
	if cfg.Provider == "" {
		cfg.Provider = "tei"
	}

	var embedder Embedder
	switch cfg.Provider {
	case "tei":
		svc, err := NewService(cfg)
		if err != nil {
			return nil, err
		}
		embedder = svc
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}

	if cfg.RequestsPerSecond > 0 {
		embedder = NewRateLimited(embedder, cfg.RequestsPerSecond, cfg.Burst)
	}
	return embedder, nil
}
