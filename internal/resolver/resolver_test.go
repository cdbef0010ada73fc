package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/retrieverd/internal/docstore"
	"github.com/fyrsmithlabs/retrieverd/internal/index"
	"github.com/fyrsmithlabs/retrieverd/internal/partition"
	"github.com/fyrsmithlabs/retrieverd/internal/syncer"
)

// fakeIndex serves canned results per partition and can fail wholesale.
type fakeIndex struct {
	results map[string][]index.ScoredChunk
	err     error
	queries atomic.Int32
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{results: make(map[string][]index.ScoredChunk)}
}

func (f *fakeIndex) Upsert(context.Context, string, []index.Chunk) error { return f.err }

func (f *fakeIndex) Query(_ context.Context, part string, _ []float32, topK int) ([]index.ScoredChunk, error) {
	f.queries.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	hits := f.results[part]
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (f *fakeIndex) DeleteByRecordID(context.Context, string, string) error { return f.err }
func (f *fakeIndex) DeletePartition(context.Context, string) error          { return f.err }

func (f *fakeIndex) PartitionExists(_ context.Context, part string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	_, ok := f.results[part]
	return ok, nil
}

func (f *fakeIndex) Close() error { return nil }

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

// fakeSyncer counts calls and optionally fills the index when invoked.
type fakeSyncer struct {
	calls  atomic.Int32
	err    error
	onSync func()
}

func (f *fakeSyncer) Sync(_ context.Context, _, _ string, _ partition.Kind, _ bool) (*syncer.Result, error) {
	f.calls.Add(1)
	if f.onSync != nil {
		f.onSync()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &syncer.Result{}, nil
}

func docsPartition(t *testing.T) string {
	t.Helper()
	name, err := partition.Derive("acme", "billing", partition.KindDocuments)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	return name
}

func newResolver(t *testing.T, idx *fakeIndex, store docstore.Store, emb *fakeEmbedder, sync Syncer) *Resolver {
	t.Helper()
	r, err := New(idx, store, emb, sync, Config{TierTimeout: time.Second, DefaultTopK: 5}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestResolveVectorTier(t *testing.T) {
	idx := newFakeIndex()
	idx.results[docsPartition(t)] = []index.ScoredChunk{
		{RecordID: "rec-1", Index: 1, Text: "second best", Score: 0.7},
		{RecordID: "rec-1", Index: 0, Text: "best match", Score: 0.9},
	}
	sync := &fakeSyncer{}
	r := newResolver(t, idx, docstore.NewMemoryStore(), &fakeEmbedder{}, sync)

	passages, err := r.Resolve(context.Background(), "acme", "billing", "match", 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("expected 2 passages, got %d", len(passages))
	}
	if passages[0].Text != "best match" || passages[0].SourceTier != TierVector {
		t.Errorf("first passage = %+v", passages[0])
	}
	if passages[1].Score > passages[0].Score {
		t.Error("passages not ordered by score")
	}
	if sync.calls.Load() != 0 {
		t.Errorf("non-empty tier must not sync, got %d calls", sync.calls.Load())
	}
}

func TestResolveSelfHealOnce(t *testing.T) {
	idx := newFakeIndex()
	sync := &fakeSyncer{}
	name := docsPartition(t)
	sync.onSync = func() {
		idx.results[name] = []index.ScoredChunk{
			{RecordID: "rec-1", Index: 0, Text: "freshly synced", Score: 0.8},
		}
	}
	r := newResolver(t, idx, docstore.NewMemoryStore(), &fakeEmbedder{}, sync)

	passages, err := r.Resolve(context.Background(), "acme", "billing", "synced", 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 1 || passages[0].Text != "freshly synced" {
		t.Fatalf("passages = %+v", passages)
	}
	if passages[0].SourceTier != TierVector {
		t.Errorf("tier = %v", passages[0].SourceTier)
	}
	if got := sync.calls.Load(); got != 1 {
		t.Errorf("expected exactly one self-heal sync, got %d", got)
	}
}

func TestResolveSelfHealDoesNotRepeat(t *testing.T) {
	idx := newFakeIndex()
	sync := &fakeSyncer{}
	store := docstore.NewMemoryStore()
	r := newResolver(t, idx, store, &fakeEmbedder{}, sync)

	// Sync does not populate anything; the resolver must requery once,
	// then move on rather than loop.
	passages, err := r.Resolve(context.Background(), "acme", "billing", "anything", 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 0 {
		t.Errorf("expected empty result, got %+v", passages)
	}
	if got := sync.calls.Load(); got != 1 {
		t.Errorf("expected one sync attempt, got %d", got)
	}
}

func TestResolveSyncConflictTolerated(t *testing.T) {
	idx := newFakeIndex()
	name := docsPartition(t)
	sync := &fakeSyncer{err: syncer.ErrSyncConflict}
	sync.onSync = func() {
		// A concurrent sync finished meanwhile.
		idx.results[name] = []index.ScoredChunk{
			{RecordID: "rec-1", Index: 0, Text: "from concurrent sync", Score: 0.5},
		}
	}
	r := newResolver(t, idx, docstore.NewMemoryStore(), &fakeEmbedder{}, sync)

	passages, err := r.Resolve(context.Background(), "acme", "billing", "concurrent", 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 1 || passages[0].Text != "from concurrent sync" {
		t.Errorf("passages = %+v", passages)
	}
}

func TestResolveLegacyTier(t *testing.T) {
	idx := newFakeIndex()
	legacy := partition.LegacyName("acme", "billing", partition.KindDocuments)
	idx.results[legacy] = []index.ScoredChunk{
		{RecordID: "old-1", Index: 0, Text: "pre-migration content", Score: 0.6},
	}
	sync := &fakeSyncer{}
	r := newResolver(t, idx, docstore.NewMemoryStore(), &fakeEmbedder{}, sync)

	passages, err := r.Resolve(context.Background(), "acme", "billing", "content", 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 1 || passages[0].SourceTier != TierLegacy {
		t.Fatalf("passages = %+v", passages)
	}
	if passages[0].Text != "pre-migration content" {
		t.Errorf("text = %q", passages[0].Text)
	}
}

func TestResolveKeywordTierWithIndexDown(t *testing.T) {
	idx := newFakeIndex()
	idx.err = index.ErrIndexUnavailable
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	seed := []docstore.Record{
		{ID: "rec-1", TenantID: "acme", ProjectID: "billing", Text: "invoice processing pipeline for invoice batches"},
		{ID: "rec-2", TenantID: "acme", ProjectID: "billing", Text: "unrelated payroll notes"},
		{ID: "rec-3", TenantID: "acme", ProjectID: "billing", Text: "one invoice mention"},
	}
	for _, rec := range seed {
		if err := store.PutRecord(ctx, rec); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
	}
	// The embedder is also down; keyword retrieval must not need it.
	r := newResolver(t, idx, store, &fakeEmbedder{err: errors.New("embedder down")}, &fakeSyncer{})

	passages, err := r.Resolve(ctx, "acme", "billing", "the invoice processing", 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 2 {
		t.Fatalf("expected 2 keyword hits, got %d: %+v", len(passages), passages)
	}
	if passages[0].RecordID != "rec-1" {
		t.Errorf("highest term frequency must rank first, got %+v", passages[0])
	}
	for _, p := range passages {
		if p.SourceTier != TierKeyword || p.ChunkIndex != 0 {
			t.Errorf("keyword passage malformed: %+v", p)
		}
	}
}

func TestResolveKeywordTieBreak(t *testing.T) {
	idx := newFakeIndex()
	idx.err = index.ErrIndexUnavailable
	store := docstore.NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"rec-b", "rec-a", "rec-c"} {
		if err := store.PutRecord(ctx, docstore.Record{
			ID: id, TenantID: "acme", ProjectID: "billing", Text: "shared keyword once",
		}); err != nil {
			t.Fatalf("PutRecord: %v", err)
		}
	}
	r := newResolver(t, idx, store, &fakeEmbedder{}, &fakeSyncer{})

	for run := 0; run < 3; run++ {
		passages, err := r.Resolve(ctx, "acme", "billing", "keyword", 5)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if len(passages) != 3 {
			t.Fatalf("expected 3 hits, got %d", len(passages))
		}
		for i, want := range []string{"rec-a", "rec-b", "rec-c"} {
			if passages[i].RecordID != want {
				t.Fatalf("run %d: tie-break order broken: %+v", run, passages)
			}
		}
	}
}

func TestResolveNoTierMixing(t *testing.T) {
	idx := newFakeIndex()
	idx.results[docsPartition(t)] = []index.ScoredChunk{
		{RecordID: "rec-1", Index: 0, Text: "vector hit", Score: 0.9},
	}
	legacy := partition.LegacyName("acme", "billing", partition.KindDocuments)
	idx.results[legacy] = []index.ScoredChunk{
		{RecordID: "old-1", Index: 0, Text: "legacy hit", Score: 0.9},
		{RecordID: "old-2", Index: 0, Text: "another legacy hit", Score: 0.8},
	}
	r := newResolver(t, idx, docstore.NewMemoryStore(), &fakeEmbedder{}, &fakeSyncer{})

	passages, err := r.Resolve(context.Background(), "acme", "billing", "hit", 5)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 1 {
		t.Fatalf("expected only vector tier results, got %d", len(passages))
	}
	for _, p := range passages {
		if p.SourceTier != TierVector {
			t.Errorf("mixed tier in response: %+v", p)
		}
	}
}

func TestResolveTopKTruncation(t *testing.T) {
	idx := newFakeIndex()
	idx.results[docsPartition(t)] = []index.ScoredChunk{
		{RecordID: "r", Index: 0, Text: "a", Score: 0.9},
		{RecordID: "r", Index: 1, Text: "b", Score: 0.8},
		{RecordID: "r", Index: 2, Text: "c", Score: 0.7},
	}
	r := newResolver(t, idx, docstore.NewMemoryStore(), &fakeEmbedder{}, &fakeSyncer{})

	passages, err := r.Resolve(context.Background(), "acme", "billing", "q", 2)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(passages) != 2 {
		t.Errorf("expected topK=2 truncation, got %d", len(passages))
	}
}

func TestResolveDeadlineExceeded(t *testing.T) {
	idx := newFakeIndex()
	r := newResolver(t, idx, docstore.NewMemoryStore(), &fakeEmbedder{}, &fakeSyncer{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	if _, err := r.Resolve(ctx, "acme", "billing", "query", 5); err == nil {
		t.Error("expected deadline error with zero tiers completed")
	}
}

func TestResolveEmptyQuery(t *testing.T) {
	r := newResolver(t, newFakeIndex(), docstore.NewMemoryStore(), &fakeEmbedder{}, &fakeSyncer{})
	if _, err := r.Resolve(context.Background(), "acme", "billing", "", 5); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestTierString(t *testing.T) {
	cases := map[Tier]string{TierVector: "vector", TierLegacy: "legacy", TierKeyword: "keyword"}
	for tier, want := range cases {
		if got := tier.String(); got != want {
			t.Errorf("Tier(%d).String() = %q, want %q", tier, got, want)
		}
	}
}
