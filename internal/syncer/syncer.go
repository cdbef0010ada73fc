// Package syncer reconciles authoritative records into embedding index
// partitions. A sync run is idempotent: it chunks and embeds only records
// whose fingerprint changed since the last run, removes chunks of records
// that disappeared from the store, and records the absorbed fingerprints
// in a SyncState so the next run can skip unchanged content.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/retrieverd/internal/chunker"
	"github.com/fyrsmithlabs/retrieverd/internal/docstore"
	"github.com/fyrsmithlabs/retrieverd/internal/embeddings"
	"github.com/fyrsmithlabs/retrieverd/internal/index"
	"github.com/fyrsmithlabs/retrieverd/internal/partition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var syncTracer = otel.Tracer("retrieverd.syncer")

// ErrSyncConflict indicates a sync for the same (tenant, project, kind)
// triple is already in flight.
var ErrSyncConflict = errors.New("sync already in progress for this scope")

// RecordError describes a single record that failed to sync.
type RecordError struct {
	RecordID string `json:"record_id"`
	Message  string `json:"message"`
}

// Result summarizes a sync run.
type Result struct {
	Partition     string        `json:"partition"`
	RecordsSynced int           `json:"records_synced"`
	ChunksWritten int           `json:"chunks_written"`
	Skipped       bool          `json:"skipped"`
	Errors        []RecordError `json:"errors,omitempty"`
}

// Config bounds orchestrator behavior.
type Config struct {
	// Workers bounds concurrent per-record work within one sync run.
	Workers int

	// Timeout bounds a whole sync run. A run joined by several callers
	// executes under this bound rather than any one caller's deadline.
	Timeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Orchestrator drives synchronization of record stores into the index.
type Orchestrator struct {
	store    docstore.Store
	index    index.Index
	embedder embeddings.Embedder
	chunker  *chunker.Chunker
	states   StateStore
	logger   *zap.Logger
	workers  int
	timeout  time.Duration

	// group collapses concurrent Sync calls for the same partition into
	// one run whose result all callers share.
	group singleflight.Group
	// locks serializes runs per partition across Sync and TrySync.
	locks sync.Map
}

// New creates an Orchestrator. All collaborators are required except the
// logger, which defaults to a no-op.
func New(store docstore.Store, idx index.Index, embedder embeddings.Embedder, ch *chunker.Chunker, states StateStore, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if idx == nil {
		return nil, fmt.Errorf("index is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if ch == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	return &Orchestrator{
		store:    store,
		index:    idx,
		embedder: embedder,
		chunker:  ch,
		states:   states,
		logger:   logger,
		workers:  cfg.Workers,
		timeout:  cfg.Timeout,
	}, nil
}

func (o *Orchestrator) lockFor(name string) *sync.Mutex {
	mu, _ := o.locks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Sync reconciles one (tenant, project, kind) triple into its partition.
// Concurrent calls for the same triple join the in-flight run and share
// its result. Per-record failures are reported in Result.Errors; only
// failures that prevent the run entirely surface as an error.
func (o *Orchestrator) Sync(ctx context.Context, tenantID, projectID string, kind partition.Kind, force bool) (*Result, error) {
	name, err := partition.Derive(tenantID, projectID, kind)
	if err != nil {
		return nil, err
	}

	v, err, shared := o.group.Do(name, func() (interface{}, error) {
		mu := o.lockFor(name)
		mu.Lock()
		defer mu.Unlock()
		// The run is shared by every caller that joins it, so it must
		// survive cancellation of whichever caller happened to start it.
		// Values (trace context) carry over; the run's own bound applies.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
		defer cancel()
		return o.doSync(runCtx, name, tenantID, projectID, force)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		o.logger.Debug("joined in-flight sync", zap.String("partition", name))
	}
	return v.(*Result), nil
}

// TrySync is the non-blocking variant: if a run for the triple is already
// in flight it returns ErrSyncConflict instead of waiting.
func (o *Orchestrator) TrySync(ctx context.Context, tenantID, projectID string, kind partition.Kind, force bool) (*Result, error) {
	name, err := partition.Derive(tenantID, projectID, kind)
	if err != nil {
		return nil, err
	}

	mu := o.lockFor(name)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: %s", ErrSyncConflict, name)
	}
	defer mu.Unlock()

	return o.doSync(ctx, name, tenantID, projectID, force)
}

// recordOutcome is the result of syncing one record.
type recordOutcome struct {
	recordID    string
	fingerprint string
	chunks      int
	err         error
}

func (o *Orchestrator) doSync(ctx context.Context, name, tenantID, projectID string, force bool) (*Result, error) {
	start := time.Now()
	ctx, span := syncTracer.Start(ctx, "Orchestrator.Sync")
	defer span.End()
	span.SetAttributes(
		attribute.String("partition", name),
		attribute.Bool("force", force),
	)

	records, err := o.store.ListRecords(ctx, tenantID, projectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		syncsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("listing records: %w", err)
	}

	state, err := o.states.Get(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		syncsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("loading sync state: %w", err)
	}

	prev := map[string]string{}
	if state != nil {
		prev = state.Fingerprints
	}

	current := make(map[string]string, len(records))
	for _, rec := range records {
		fp := rec.Fingerprint
		if fp == "" {
			fp = docstore.Fingerprint(rec.Text, rec.UpdatedAt)
		}
		current[rec.ID] = fp
	}

	// Fast path: nothing changed since the last run.
	if !force && fingerprintsEqual(prev, current) {
		span.SetStatus(codes.Ok, "skipped")
		syncsTotal.WithLabelValues("skipped").Inc()
		o.logger.Debug("sync skipped, no changes",
			zap.String("partition", name),
			zap.Int("records", len(records)),
		)
		return &Result{Partition: name, Skipped: true}, nil
	}

	var changed []docstore.Record
	for _, rec := range records {
		if force || prev[rec.ID] != current[rec.ID] {
			changed = append(changed, rec)
		}
	}

	outcomes := make([]recordOutcome, len(changed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for i, rec := range changed {
		i, rec := i, rec
		g.Go(func() error {
			outcomes[i] = o.syncRecord(gctx, name, rec, current[rec.ID])
			return nil
		})
	}
	_ = g.Wait()

	// Tombstones: records the partition absorbed earlier that are gone
	// from the store now.
	var tombstoneErrs []RecordError
	removed := make(map[string]bool)
	for id := range prev {
		if _, ok := current[id]; ok {
			continue
		}
		if err := o.index.DeleteByRecordID(ctx, name, id); err != nil {
			tombstoneErrs = append(tombstoneErrs, RecordError{RecordID: id, Message: err.Error()})
			continue
		}
		removed[id] = true
	}

	// Build the new fingerprint set: successes move forward, failures
	// keep their previous entry so the next run retries them.
	next := make(map[string]string, len(current))
	for id, fp := range prev {
		if !removed[id] {
			next[id] = fp
		}
	}
	result := &Result{Partition: name}
	for _, out := range outcomes {
		if out.err != nil {
			result.Errors = append(result.Errors, RecordError{RecordID: out.recordID, Message: out.err.Error()})
			continue
		}
		next[out.recordID] = out.fingerprint
		result.RecordsSynced++
		result.ChunksWritten += out.chunks
	}
	result.Errors = append(result.Errors, tombstoneErrs...)

	outcome := "success"
	if len(result.Errors) > 0 {
		outcome = "partial"
	}

	if err := o.states.Put(ctx, SyncState{
		Partition:    name,
		Fingerprints: next,
		LastSync:     time.Now().UTC(),
		Outcome:      outcome,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		syncsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("saving sync state: %w", err)
	}

	syncsTotal.WithLabelValues(outcome).Inc()
	recordsSynced.Add(float64(result.RecordsSynced))
	chunksWritten.Add(float64(result.ChunksWritten))
	syncDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("records_synced", result.RecordsSynced),
		attribute.Int("chunks_written", result.ChunksWritten),
		attribute.Int("record_errors", len(result.Errors)),
	)
	span.SetStatus(codes.Ok, outcome)

	o.logger.Info("sync complete",
		zap.String("partition", name),
		zap.Int("records_synced", result.RecordsSynced),
		zap.Int("chunks_written", result.ChunksWritten),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// syncRecord replaces one record's chunks in the partition. Embedding
// happens before any deletion, so a failure here leaves the previously
// indexed chunks untouched.
func (o *Orchestrator) syncRecord(ctx context.Context, name string, rec docstore.Record, fingerprint string) recordOutcome {
	out := recordOutcome{recordID: rec.ID, fingerprint: fingerprint}

	texts, err := o.chunker.Split(rec.Text)
	if err != nil {
		out.err = fmt.Errorf("chunking: %w", err)
		return out
	}

	if len(texts) == 0 {
		// Blank record: nothing to embed, just drop any stale chunks.
		if err := o.index.DeleteByRecordID(ctx, name, rec.ID); err != nil {
			out.err = err
		}
		return out
	}

	vectors, err := o.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		out.err = fmt.Errorf("embedding: %w", err)
		return out
	}

	chunks := make([]index.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = index.Chunk{
			ID:          index.ChunkID(rec.ID, i),
			RecordID:    rec.ID,
			TenantID:    rec.TenantID,
			ProjectID:   rec.ProjectID,
			Index:       i,
			Text:        text,
			Vector:      vectors[i],
			Fingerprint: fingerprint,
		}
	}

	// Delete then upsert removes chunks beyond the new chunk count;
	// same-ID chunks would be replaced by the upsert alone.
	if err := o.index.DeleteByRecordID(ctx, name, rec.ID); err != nil {
		out.err = fmt.Errorf("deleting stale chunks: %w", err)
		return out
	}
	if err := o.index.Upsert(ctx, name, chunks); err != nil {
		out.err = fmt.Errorf("upserting chunks: %w", err)
		return out
	}

	out.chunks = len(chunks)
	return out
}

// Cleanup removes every partition belonging to a tenant/project scope,
// current and legacy naming alike, along with the sync state. Cleaning an
// absent scope is a no-op.
func (o *Orchestrator) Cleanup(ctx context.Context, tenantID, projectID string) error {
	ctx, span := syncTracer.Start(ctx, "Orchestrator.Cleanup")
	defer span.End()

	var errs []error
	for _, kind := range partition.Kinds() {
		name, err := partition.Derive(tenantID, projectID, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := o.index.DeletePartition(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", name, err))
		}
		if err := o.states.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("state %s: %w", name, err))
		}

		if legacy := partition.LegacyName(tenantID, projectID, kind); legacy != "" && legacy != name {
			if err := o.index.DeletePartition(ctx, legacy); err != nil {
				errs = append(errs, fmt.Errorf("legacy partition %s: %w", legacy, err))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "success")
	o.logger.Info("cleanup complete",
		zap.String("tenant", tenantID),
		zap.String("project", projectID),
	)
	return nil
}

func fingerprintsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
