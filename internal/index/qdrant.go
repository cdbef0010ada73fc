package index

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/fyrsmithlabs/retrieverd/internal/partition"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("retrieverd.index.qdrant")

// metaContent holds the chunk text in qdrant payloads.
const metaContent = "content"

// QdrantConfig holds configuration for the qdrant gRPC client.
type QdrantConfig struct {
	// Host is the qdrant server hostname or IP address.
	Host string

	// Port is the qdrant gRPC port (6334 by default, not the HTTP 6333).
	Port int

	// APIKey authenticates against qdrant cloud. Optional.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// VectorSize is the embedding dimensionality. Must match the embedder.
	VectorSize uint64

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int

	// RetryBackoff is the initial backoff, doubling per retry.
	RetryBackoff time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	return nil
}

// IsTransientError reports whether a gRPC error should be retried.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted, grpccodes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// isNotFound reports whether a gRPC error means the collection is absent.
func isNotFound(err error) bool {
	st, ok := status.FromError(err)
	return ok && st.Code() == grpccodes.NotFound
}

// QdrantIndex implements Index on qdrant's native gRPC client. Partitions
// map to qdrant collections, created lazily on first upsert.
type QdrantIndex struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger

	// partitions caches known-existing collections.
	partitions sync.Map
}

var _ Index = (*QdrantIndex)(nil)

// NewQdrantIndex creates a qdrant-backed index and verifies connectivity.
func NewQdrantIndex(cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	idx := &QdrantIndex{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrIndexUnavailable, err)
	}

	logger.Info("qdrant index initialized",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Bool("tls", cfg.UseTLS),
	)
	return idx, nil
}

func (s *QdrantIndex) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// retryOperation retries an operation with exponential backoff on
// transient gRPC failures.
func (s *QdrantIndex) retryOperation(ctx context.Context, operationName string, operation func() error) error {
	backoff := s.config.RetryBackoff

	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !IsTransientError(err) {
			return fmt.Errorf("%s failed (permanent): %w", operationName, err)
		}
		if attempt == s.config.MaxRetries {
			return fmt.Errorf("%w: %s failed after %d retries: %v", ErrIndexUnavailable, operationName, s.config.MaxRetries, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s canceled: %w", operationName, ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func (s *QdrantIndex) Upsert(ctx context.Context, name string, chunks []Chunk) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Upsert")
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

	if err := s.ensurePartition(ctx, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, chunk := range chunks {
		payload := map[string]*qdrant.Value{
			metaContent:     {Kind: &qdrant.Value_StringValue{StringValue: chunk.Text}},
			metaRecordID:    {Kind: &qdrant.Value_StringValue{StringValue: chunk.RecordID}},
			metaChunkIndex:  {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(chunk.Index)}},
			metaFingerprint: {Kind: &qdrant.Value_StringValue{StringValue: chunk.Fingerprint}},
		}

		// qdrant point IDs must be UUIDs. Hashing the chunk ID keeps
		// upserts idempotent: the same chunk always maps to the same point.
		pointID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(chunk.ID)).String()

		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointID),
			Vectors: qdrant.NewVectors(chunk.Vector...),
			Payload: payload,
		}
	}

	err := s.retryOperation(ctx, "upsert", func() error {
		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: name,
			Points:         points,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted chunks",
		zap.String("partition", name),
		zap.Int("count", len(chunks)),
	)
	return nil
}

func (s *QdrantIndex) Query(ctx context.Context, name string, vector []float32, topK int) ([]ScoredChunk, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.Query")
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

	var results []*qdrant.ScoredPoint
	err := s.retryOperation(ctx, "query", func() error {
		res, err := s.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: name,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			if isNotFound(err) {
				results = nil
				return nil
			}
			return err
		}
		results = res
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	scored := make([]ScoredChunk, 0, len(results))
	for _, point := range results {
		chunk := ScoredChunk{Score: point.Score}
		for k, v := range point.Payload {
			switch val := v.Kind.(type) {
			case *qdrant.Value_StringValue:
				switch k {
				case metaContent:
					chunk.Text = val.StringValue
				case metaRecordID:
					chunk.RecordID = val.StringValue
				case metaFingerprint:
					chunk.Fingerprint = val.StringValue
				}
			case *qdrant.Value_IntegerValue:
				if k == metaChunkIndex {
					chunk.Index = int(val.IntegerValue)
				}
			}
		}
		chunk.ID = ChunkID(chunk.RecordID, chunk.Index)
		scored = append(scored, chunk)
	}

	span.SetAttributes(attribute.Int("results_count", len(scored)))
	span.SetStatus(codes.Ok, "success")
	return scored, nil
}

func (s *QdrantIndex) DeleteByRecordID(ctx context.Context, name, recordID string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.DeleteByRecordID")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", name),
		attribute.String("record_id", recordID),
	)

	if err := partition.Validate(name); err != nil {
		return err
	}

	exists, err := s.PartitionExists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		span.SetStatus(codes.Ok, "partition absent")
		return nil
	}

	err = s.retryOperation(ctx, "delete_by_record", func() error {
		_, derr := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: name,
			Points: &qdrant.PointsSelector{
				PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
					Filter: &qdrant.Filter{
						Must: []*qdrant.Condition{
							{
								ConditionOneOf: &qdrant.Condition_Field{
									Field: &qdrant.FieldCondition{
										Key: metaRecordID,
										Match: &qdrant.Match{
											MatchValue: &qdrant.Match_Keyword{Keyword: recordID},
										},
									},
								},
							},
						},
					},
				},
			},
		})
		// The existence check may answer from the cache while the
		// collection was dropped externally. Absent means nothing to
		// delete; forget the cached entry.
		if isNotFound(derr) {
			s.partitions.Delete(name)
			return nil
		}
		return derr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	return nil
}

func (s *QdrantIndex) DeletePartition(ctx context.Context, name string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.DeletePartition")
	defer span.End()
	span.SetAttributes(attribute.String("partition", name))

	if err := partition.Validate(name); err != nil {
		return err
	}

	err := s.retryOperation(ctx, "delete_partition", func() error {
		err := s.client.DeleteCollection(ctx, name)
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	s.partitions.Delete(name)
	span.SetStatus(codes.Ok, "success")
	s.logger.Info("deleted partition", zap.String("partition", name))
	return nil
}

func (s *QdrantIndex) PartitionExists(ctx context.Context, name string) (bool, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantIndex.PartitionExists")
	defer span.End()
	span.SetAttributes(attribute.String("partition", name))

	if err := partition.Validate(name); err != nil {
		return false, err
	}

	if _, ok := s.partitions.Load(name); ok {
		return true, nil
	}

	var exists bool
	err := s.retryOperation(ctx, "partition_exists", func() error {
		info, err := s.client.GetCollectionInfo(ctx, name)
		if err != nil {
			if isNotFound(err) {
				exists = false
				return nil
			}
			return err
		}
		exists = info != nil
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if exists {
		s.partitions.Store(name, true)
	}
	span.SetStatus(codes.Ok, "success")
	return exists, nil
}

// ensurePartition creates the collection if it does not exist yet.
func (s *QdrantIndex) ensurePartition(ctx context.Context, name string) error {
	exists, err := s.PartitionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	err = s.retryOperation(ctx, "create_partition", func() error {
		err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.config.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		// Another writer may have created it between the existence check
		// and now.
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.AlreadyExists {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	s.partitions.Store(name, true)
	s.logger.Info("created partition",
		zap.String("partition", name),
		zap.Uint64("vector_size", s.config.VectorSize),
	)
	return nil
}
