// Package index abstracts the embedding index: partitioned storage of
// embedded chunks with vector similarity queries. Two backends exist,
// the embedded chromem database and a remote qdrant cluster.
package index

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrIndexUnavailable indicates the index backend cannot be reached.
	// Callers treat it as transient and fall back where they can.
	ErrIndexUnavailable = errors.New("embedding index unavailable")

	// ErrInvalidConfig indicates invalid index configuration.
	ErrInvalidConfig = errors.New("invalid index configuration")
)

// Chunk is an embedded slice of a record, addressed by a deterministic ID
// so re-upserting the same record replaces rather than duplicates.
type Chunk struct {
	ID          string
	RecordID    string
	TenantID    string
	ProjectID   string
	Index       int
	Text        string
	Vector      []float32
	Fingerprint string
}

// ChunkID builds the deterministic chunk ID for position n of a record.
func ChunkID(recordID string, n int) string {
	return fmt.Sprintf("%s-chunk-%d", recordID, n)
}

// ScoredChunk is a query hit.
type ScoredChunk struct {
	ID          string
	RecordID    string
	Index       int
	Text        string
	Score       float32
	Fingerprint string
}

// Index is the embedding index.
type Index interface {
	// Upsert writes chunks into a partition, creating it if needed.
	// Chunks with existing IDs are replaced.
	Upsert(ctx context.Context, partition string, chunks []Chunk) error

	// Query returns up to topK chunks nearest to the vector, best first.
	// A missing partition yields no results, not an error.
	Query(ctx context.Context, partition string, vector []float32, topK int) ([]ScoredChunk, error)

	// DeleteByRecordID removes every chunk belonging to a record.
	// Missing partitions and records are no-ops.
	DeleteByRecordID(ctx context.Context, partition, recordID string) error

	// DeletePartition removes a partition and all its chunks. Deleting an
	// absent partition is a no-op.
	DeletePartition(ctx context.Context, partition string) error

	// PartitionExists reports whether a partition exists.
	PartitionExists(ctx context.Context, partition string) (bool, error)

	// Close releases backend resources.
	Close() error
}

// metadata keys shared by both backends.
const (
	metaRecordID    = "record_id"
	metaChunkIndex  = "chunk_index"
	metaFingerprint = "fingerprint"
)
