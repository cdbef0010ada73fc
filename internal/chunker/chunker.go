// Package chunker splits record text into bounded, overlapping chunks
// before embedding. Chunk boundaries are deterministic for a given
// configuration, so repeated synchronization of unchanged text produces
// identical chunk sets.
package chunker

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Config bounds chunk size and overlap, both measured in characters.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 150
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk overlap must be in [0, chunk size), got %d", c.ChunkOverlap)
	}
	return nil
}

// Chunker splits text recursively on paragraph, line, and word boundaries.
type Chunker struct {
	splitter textsplitter.TextSplitter
}

// New creates a Chunker from config.
func New(cfg Config) (*Chunker, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(cfg.ChunkSize),
		textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
	)
	return &Chunker{splitter: splitter}, nil
}

// Split chunks text. Blank text yields no chunks.
func (c *Chunker) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	chunks, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}
	return chunks, nil
}
