package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"github.com/fyrsmithlabs/retrieverd/internal/partition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("retrieverd.index.chromem")

// ChromemConfig holds configuration for the embedded chromem index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty keeps the
	// index in memory only.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemIndex implements Index on chromem-go, an embeddable pure-Go
// vector database. Partitions map to chromem collections. Vectors are
// always supplied by the caller; chromem never embeds on its own here.
type ChromemIndex struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger
}

var _ Index = (*ChromemIndex)(nil)

// NewChromemIndex creates a chromem-backed index. With a path configured
// the database persists across restarts.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if cfg.Path == "" {
		db = chromem.NewDB()
	} else {
		expanded, err := expandPath(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("expanding path: %w", err)
		}
		if err := os.MkdirAll(expanded, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", expanded, err)
		}
		db, err = chromem.NewPersistentDB(expanded, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("%w: opening chromem at %s: %v", ErrIndexUnavailable, expanded, err)
		}
		cfg.Path = expanded
	}

	logger.Info("chromem index initialized",
		zap.String("path", cfg.Path),
		zap.Bool("compress", cfg.Compress),
	)

	return &ChromemIndex{db: db, config: cfg, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// noEmbedFunc satisfies chromem's embedding hook. All vectors are
// precomputed, so reaching this is a bug.
func noEmbedFunc(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("index stores precomputed vectors only")
}

func (s *ChromemIndex) Upsert(ctx context.Context, name string, chunks []Chunk) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", name),
		attribute.Int("chunk_count", len(chunks)),
	)

	if len(chunks) == 0 {
		return nil
	}
	if err := partition.Validate(name); err != nil {
		return err
	}

	collection, err := s.db.GetOrCreateCollection(name, nil, noEmbedFunc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: getting collection %s: %v", ErrIndexUnavailable, name, err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:      chunk.ID,
			Content: chunk.Text,
			Metadata: map[string]string{
				metaRecordID:    chunk.RecordID,
				metaChunkIndex:  strconv.Itoa(chunk.Index),
				metaFingerprint: chunk.Fingerprint,
			},
			Embedding: chunk.Vector,
		}
	}

	// Concurrency of 1: embeddings are precomputed, nothing to parallelize.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: adding documents to %s: %v", ErrIndexUnavailable, name, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted chunks",
		zap.String("partition", name),
		zap.Int("count", len(chunks)),
	)
	return nil
}

func (s *ChromemIndex) Query(ctx context.Context, name string, vector []float32, topK int) ([]ScoredChunk, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", name),
		attribute.Int("top_k", topK),
	)

	if err := partition.Validate(name); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	collection := s.db.GetCollection(name, noEmbedFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "partition absent")
		return nil, nil
	}

	// chromem requires nResults <= document count.
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	results, err := collection.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: querying %s: %v", ErrIndexUnavailable, name, err)
	}

	scored := make([]ScoredChunk, len(results))
	for i, r := range results {
		scored[i] = scoredFromMetadata(r.ID, r.Content, r.Similarity, r.Metadata)
	}

	span.SetAttributes(attribute.Int("results_count", len(scored)))
	span.SetStatus(codes.Ok, "success")
	return scored, nil
}

func (s *ChromemIndex) DeleteByRecordID(ctx context.Context, name, recordID string) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.DeleteByRecordID")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", name),
		attribute.String("record_id", recordID),
	)

	if err := partition.Validate(name); err != nil {
		return err
	}

	collection := s.db.GetCollection(name, noEmbedFunc)
	if collection == nil {
		span.SetStatus(codes.Ok, "partition absent")
		return nil
	}

	if err := collection.Delete(ctx, map[string]string{metaRecordID: recordID}, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting record %s from %s: %v", ErrIndexUnavailable, recordID, name, err)
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *ChromemIndex) DeletePartition(ctx context.Context, name string) error {
	_, span := chromemTracer.Start(ctx, "ChromemIndex.DeletePartition")
	defer span.End()
	span.SetAttributes(attribute.String("partition", name))

	if err := partition.Validate(name); err != nil {
		return err
	}

	if s.db.GetCollection(name, noEmbedFunc) == nil {
		span.SetStatus(codes.Ok, "partition absent")
		return nil
	}

	if err := s.db.DeleteCollection(name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: deleting partition %s: %v", ErrIndexUnavailable, name, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Info("deleted partition", zap.String("partition", name))
	return nil
}

func (s *ChromemIndex) PartitionExists(ctx context.Context, name string) (bool, error) {
	_, span := chromemTracer.Start(ctx, "ChromemIndex.PartitionExists")
	defer span.End()
	span.SetAttributes(attribute.String("partition", name))

	if err := partition.Validate(name); err != nil {
		return false, err
	}

	exists := s.db.GetCollection(name, noEmbedFunc) != nil
	span.SetStatus(codes.Ok, "success")
	return exists, nil
}

// Close is a no-op; chromem persists writes as they happen.
func (s *ChromemIndex) Close() error {
	return nil
}

func scoredFromMetadata(id, content string, score float32, metadata map[string]string) ScoredChunk {
	chunk := ScoredChunk{
		ID:    id,
		Text:  content,
		Score: score,
	}
	if metadata != nil {
		chunk.RecordID = metadata[metaRecordID]
		chunk.Fingerprint = metadata[metaFingerprint]
		if n, err := strconv.Atoi(metadata[metaChunkIndex]); err == nil {
			chunk.Index = n
		}
	}
	return chunk
}
