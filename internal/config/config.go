// Package config provides configuration loading for retrieverd.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/retrieverd/internal/logging"
)

// Config is the root configuration for the retrieverd daemon.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
	Store      StoreConfig      `koanf:"store"`
	Index      IndexConfig      `koanf:"index"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Sync       SyncConfig       `koanf:"sync"`
	Resolve    ResolveConfig    `koanf:"resolve"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds authoritative record store settings.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" opens an in-memory DB.
	Path string `koanf:"path"`
}

// IndexConfig selects and configures the embedding index backend.
type IndexConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider   string        `koanf:"provider"`
	VectorSize int           `koanf:"vector_size"`
	Chromem    ChromemConfig `koanf:"chromem"`
	Qdrant     QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem index.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the remote qdrant index.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	APIKey Secret `koanf:"api_key"`
	UseTLS bool   `koanf:"use_tls"`
}

// EmbeddingsConfig configures the embedding capability client.
type EmbeddingsConfig struct {
	Provider          string        `koanf:"provider"`
	BaseURL           string        `koanf:"base_url"`
	Model             string        `koanf:"model"`
	APIKey            Secret        `koanf:"api_key"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
}

// SyncConfig bounds synchronization work.
type SyncConfig struct {
	Workers      int           `koanf:"workers"`
	ChunkSize    int           `koanf:"chunk_size"`
	ChunkOverlap int           `koanf:"chunk_overlap"`
	Timeout      time.Duration `koanf:"timeout"`
}

// ResolveConfig bounds retrieval work.
type ResolveConfig struct {
	TierTimeout time.Duration `koanf:"tier_timeout"`
	DefaultTopK int           `koanf:"default_top_k"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	cfg.Logging.ApplyDefaults()

	if cfg.Store.Path == "" {
		cfg.Store.Path = "~/.config/retrieverd/records.db"
	}

	if cfg.Index.Provider == "" {
		cfg.Index.Provider = "chromem"
	}
	if cfg.Index.VectorSize == 0 {
		cfg.Index.VectorSize = 384 // bge-small-en-v1.5 dimensions
	}
	if cfg.Index.Qdrant.Host == "" {
		cfg.Index.Qdrant.Host = "localhost"
	}
	if cfg.Index.Qdrant.Port == 0 {
		cfg.Index.Qdrant.Port = 6334
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 30 * time.Second
	}
	if cfg.Embeddings.RequestsPerSecond == 0 {
		cfg.Embeddings.RequestsPerSecond = 10
	}
	if cfg.Embeddings.Burst == 0 {
		cfg.Embeddings.Burst = 20
	}

	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 4
	}
	if cfg.Sync.ChunkSize == 0 {
		cfg.Sync.ChunkSize = 1000
	}
	if cfg.Sync.ChunkOverlap == 0 {
		cfg.Sync.ChunkOverlap = 150
	}
	if cfg.Sync.Timeout == 0 {
		cfg.Sync.Timeout = 5 * time.Minute
	}

	if cfg.Resolve.TierTimeout == 0 {
		cfg.Resolve.TierTimeout = 5 * time.Second
	}
	if cfg.Resolve.DefaultTopK == 0 {
		cfg.Resolve.DefaultTopK = 5
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in [1, 65535], got %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Index.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("index.provider must be chromem or qdrant, got %q", c.Index.Provider)
	}
	if c.Index.VectorSize < 1 {
		return fmt.Errorf("index.vector_size must be positive, got %d", c.Index.VectorSize)
	}
	if c.Embeddings.Provider != "tei" {
		return fmt.Errorf("embeddings.provider must be tei, got %q", c.Embeddings.Provider)
	}
	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("embeddings.base_url is required")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be positive, got %d", c.Sync.Workers)
	}
	if c.Sync.ChunkSize < 1 {
		return fmt.Errorf("sync.chunk_size must be positive, got %d", c.Sync.ChunkSize)
	}
	if c.Sync.ChunkOverlap < 0 || c.Sync.ChunkOverlap >= c.Sync.ChunkSize {
		return fmt.Errorf("sync.chunk_overlap must be in [0, chunk_size), got %d", c.Sync.ChunkOverlap)
	}
	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive, got %s", c.Sync.Timeout)
	}
	if c.Resolve.TierTimeout <= 0 {
		return fmt.Errorf("resolve.tier_timeout must be positive, got %s", c.Resolve.TierTimeout)
	}
	if c.Resolve.DefaultTopK < 1 {
		return fmt.Errorf("resolve.default_top_k must be positive, got %d", c.Resolve.DefaultTopK)
	}
	return nil
}
