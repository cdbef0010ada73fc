// Package resolver answers retrieval queries by walking an ordered list
// of tiers: the partitioned vector index first, partitions under legacy
// naming second, and a keyword scan over the authoritative store last.
// The first tier that yields results wins; tiers are never mixed within
// one response.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/retrieverd/internal/docstore"
	"github.com/fyrsmithlabs/retrieverd/internal/embeddings"
	"github.com/fyrsmithlabs/retrieverd/internal/index"
	"github.com/fyrsmithlabs/retrieverd/internal/partition"
	"github.com/fyrsmithlabs/retrieverd/internal/syncer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var resolveTracer = otel.Tracer("retrieverd.resolver")

// Tier identifies which fallback level produced a passage.
type Tier int

const (
	// TierVector is the partitioned embedding index under current naming.
	TierVector Tier = iota + 1
	// TierLegacy is the embedding index under pre-migration partition names.
	TierLegacy
	// TierKeyword is the term-frequency scan over the record store.
	TierKeyword
)

func (t Tier) String() string {
	switch t {
	case TierVector:
		return "vector"
	case TierLegacy:
		return "legacy"
	case TierKeyword:
		return "keyword"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ScoredPassage is one retrieval hit.
type ScoredPassage struct {
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	SourceTier Tier    `json:"source_tier"`
	RecordID   string  `json:"record_id"`
	ChunkIndex int     `json:"chunk_index"`
}

// Syncer triggers the self-healing sync when the vector tier comes up empty.
type Syncer interface {
	Sync(ctx context.Context, tenantID, projectID string, kind partition.Kind, force bool) (*syncer.Result, error)
}

// Config bounds resolver behavior.
type Config struct {
	// TierTimeout bounds each tier attempt.
	TierTimeout time.Duration
	// DefaultTopK applies when the caller passes topK <= 0.
	DefaultTopK int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.TierTimeout == 0 {
		c.TierTimeout = 5 * time.Second
	}
	if c.DefaultTopK == 0 {
		c.DefaultTopK = 5
	}
}

// Resolver walks the retrieval tiers for a tenant/project scope.
type Resolver struct {
	index    index.Index
	store    docstore.Store
	embedder embeddings.Embedder
	syncer   Syncer
	config   Config
	logger   *zap.Logger
}

// New creates a Resolver. The syncer may be nil, which disables
// self-healing; everything else is required except the logger.
func New(idx index.Index, store docstore.Store, embedder embeddings.Embedder, sync Syncer, cfg Config, logger *zap.Logger) (*Resolver, error) {
	if idx == nil {
		return nil, fmt.Errorf("index is required")
	}
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	return &Resolver{
		index:    idx,
		store:    store,
		embedder: embedder,
		syncer:   sync,
		config:   cfg,
		logger:   logger,
	}, nil
}

// resolveState carries per-request scratch across tiers, most importantly
// the query vector so it is embedded at most once.
type resolveState struct {
	tenantID  string
	projectID string
	query     string
	topK      int
	vector    []float32
}

func (r *Resolver) queryVector(ctx context.Context, st *resolveState) ([]float32, error) {
	if st.vector != nil {
		return st.vector, nil
	}
	vec, err := r.embedder.EmbedQuery(ctx, st.query)
	if err != nil {
		return nil, err
	}
	st.vector = vec
	return vec, nil
}

// Resolve walks the tiers in order and returns the first tier's results,
// tagged with their source. With the caller deadline exceeded before any
// tier completed it returns the deadline error; once at least one tier
// has completed it degrades to a best-effort empty result instead.
func (r *Resolver) Resolve(ctx context.Context, tenantID, projectID, query string, topK int) ([]ScoredPassage, error) {
	start := time.Now()
	ctx, span := resolveTracer.Start(ctx, "Resolver.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant", tenantID),
		attribute.String("project", projectID),
		attribute.Int("top_k", topK),
	)

	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if topK <= 0 {
		topK = r.config.DefaultTopK
	}

	st := &resolveState{tenantID: tenantID, projectID: projectID, query: query, topK: topK}

	tiers := []struct {
		tier Tier
		run  func(context.Context, *resolveState) ([]ScoredPassage, error)
	}{
		{TierVector, r.resolveVector},
		{TierLegacy, r.resolveLegacy},
		{TierKeyword, r.resolveKeyword},
	}

	completed := 0
	for _, t := range tiers {
		if ctx.Err() != nil {
			break
		}

		tierCtx, cancel := context.WithTimeout(ctx, r.config.TierTimeout)
		passages, err := t.run(tierCtx, st)
		cancel()

		if err != nil {
			tierFailures.WithLabelValues(t.tier.String()).Inc()
			r.logger.Warn("retrieval tier failed",
				zap.String("tier", t.tier.String()),
				zap.String("tenant", tenantID),
				zap.String("project", projectID),
				zap.Error(err),
			)
			continue
		}
		completed++

		if len(passages) > 0 {
			sortPassages(passages)
			if len(passages) > topK {
				passages = passages[:topK]
			}
			resolvesTotal.WithLabelValues(t.tier.String()).Inc()
			resolveDuration.Observe(time.Since(start).Seconds())
			span.SetAttributes(
				attribute.String("source_tier", t.tier.String()),
				attribute.Int("results", len(passages)),
			)
			span.SetStatus(codes.Ok, "success")
			return passages, nil
		}
	}

	if ctx.Err() != nil && completed == 0 {
		err := fmt.Errorf("resolve deadline exceeded before any tier completed: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resolvesTotal.WithLabelValues("none").Inc()
	resolveDuration.Observe(time.Since(start).Seconds())
	span.SetStatus(codes.Ok, "empty")
	return nil, nil
}

// resolveVector queries the current-naming partition. An empty first pass
// triggers one reconciling sync and a single requery: the usual cause of
// an empty partition is content that was never synchronized.
func (r *Resolver) resolveVector(ctx context.Context, st *resolveState) ([]ScoredPassage, error) {
	name, err := partition.Derive(st.tenantID, st.projectID, partition.KindDocuments)
	if err != nil {
		return nil, err
	}

	vec, err := r.queryVector(ctx, st)
	if err != nil {
		return nil, err
	}

	hits, err := r.index.Query(ctx, name, vec, st.topK)
	if err != nil {
		return nil, err
	}

	if len(hits) == 0 && r.syncer != nil {
		selfHeals.Inc()
		if _, err := r.syncer.Sync(ctx, st.tenantID, st.projectID, partition.KindDocuments, false); err != nil {
			// A concurrent sync is already filling the partition; requery
			// regardless. Other failures also degrade to the requery.
			if !errors.Is(err, syncer.ErrSyncConflict) {
				r.logger.Warn("self-heal sync failed",
					zap.String("partition", name),
					zap.Error(err),
				)
			}
		}
		hits, err = r.index.Query(ctx, name, vec, st.topK)
		if err != nil {
			return nil, err
		}
	}

	return passagesFromChunks(hits, TierVector), nil
}

// legacySchemes lists partition naming conventions from before derived
// names, oldest last. Extend here when another historical scheme surfaces.
var legacySchemes = []func(tenantID, projectID string, kind partition.Kind) string{
	partition.LegacyName,
}

// resolveLegacy queries partitions under historical naming conventions.
func (r *Resolver) resolveLegacy(ctx context.Context, st *resolveState) ([]ScoredPassage, error) {
	vec, err := r.queryVector(ctx, st)
	if err != nil {
		return nil, err
	}

	for _, scheme := range legacySchemes {
		name := scheme(st.tenantID, st.projectID, partition.KindDocuments)
		if name == "" {
			continue
		}
		exists, err := r.index.PartitionExists(ctx, name)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		hits, err := r.index.Query(ctx, name, vec, st.topK)
		if err != nil {
			return nil, err
		}
		if len(hits) > 0 {
			return passagesFromChunks(hits, TierLegacy), nil
		}
	}
	return nil, nil
}

// stopwords excluded from keyword matching.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "how": true, "in": true, "is": true,
	"it": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "will": true,
	"with": true,
}

// resolveKeyword scans authoritative records for significant query terms,
// ranking by total term frequency. It never touches the index or the
// embedder, so it still answers with both completely unreachable.
func (r *Resolver) resolveKeyword(ctx context.Context, st *resolveState) ([]ScoredPassage, error) {
	terms := significantTerms(st.query)
	if len(terms) == 0 {
		return nil, nil
	}

	records, err := r.store.ListRecords(ctx, st.tenantID, st.projectID)
	if err != nil {
		return nil, err
	}

	var passages []ScoredPassage
	for _, rec := range records {
		score := termFrequency(rec.Text, terms)
		if score == 0 {
			continue
		}
		passages = append(passages, ScoredPassage{
			Text:       rec.Text,
			Score:      float32(score),
			SourceTier: TierKeyword,
			RecordID:   rec.ID,
			ChunkIndex: 0,
		})
	}
	return passages, nil
}

// significantTerms lowercases the query, splits on non-alphanumerics and
// drops stopwords and single characters.
func significantTerms(query string) []string {
	fields := splitTerms(query)
	terms := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

func splitTerms(s string) []string {
	var fields []string
	var current []rune
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			current = append(current, r)
		case r >= 'A' && r <= 'Z':
			current = append(current, r+('a'-'A'))
		default:
			if len(current) > 0 {
				fields = append(fields, string(current))
				current = nil
			}
		}
	}
	if len(current) > 0 {
		fields = append(fields, string(current))
	}
	return fields
}

func termFrequency(text string, terms []string) int {
	fields := splitTerms(text)
	counts := make(map[string]int, len(fields))
	for _, f := range fields {
		counts[f]++
	}
	total := 0
	for _, term := range terms {
		total += counts[term]
	}
	return total
}

func passagesFromChunks(hits []index.ScoredChunk, tier Tier) []ScoredPassage {
	if len(hits) == 0 {
		return nil
	}
	passages := make([]ScoredPassage, len(hits))
	for i, h := range hits {
		passages[i] = ScoredPassage{
			Text:       h.Text,
			Score:      h.Score,
			SourceTier: tier,
			RecordID:   h.RecordID,
			ChunkIndex: h.Index,
		}
	}
	return passages
}

// sortPassages orders by score descending, then chunk index ascending,
// then record ID, so equal-scored results are stable across runs.
func sortPassages(passages []ScoredPassage) {
	sort.SliceStable(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		if passages[i].ChunkIndex != passages[j].ChunkIndex {
			return passages[i].ChunkIndex < passages[j].ChunkIndex
		}
		return passages[i].RecordID < passages[j].RecordID
	})
}
