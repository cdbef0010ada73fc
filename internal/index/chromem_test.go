package index

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{Path: t.TempDir()}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewChromemIndex: %v", err)
	}
	return idx
}

// axis returns a unit vector along the given axis, so similarity between
// distinct axes is zero and queries rank deterministically.
func axis(dims, n int) []float32 {
	v := make([]float32, dims)
	v[n%dims] = 1
	return v
}

func seedChunks(t *testing.T, idx *ChromemIndex, part string) {
	t.Helper()
	chunks := []Chunk{
		{ID: ChunkID("rec-a", 0), RecordID: "rec-a", Index: 0, Text: "alpha text", Vector: axis(4, 0), Fingerprint: "fp-a"},
		{ID: ChunkID("rec-a", 1), RecordID: "rec-a", Index: 1, Text: "alpha more", Vector: axis(4, 1), Fingerprint: "fp-a"},
		{ID: ChunkID("rec-b", 0), RecordID: "rec-b", Index: 0, Text: "beta text", Vector: axis(4, 2), Fingerprint: "fp-b"},
	}
	if err := idx.Upsert(context.Background(), part, chunks); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestChromemUpsertAndQuery(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	seedChunks(t, idx, "t_acme_p_billing_documents")

	results, err := idx.Query(ctx, "t_acme_p_billing_documents", axis(4, 0), 2)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	best := results[0]
	if best.RecordID != "rec-a" || best.Index != 0 {
		t.Errorf("best hit = %+v", best)
	}
	if best.Text != "alpha text" || best.Fingerprint != "fp-a" {
		t.Errorf("metadata round-trip failed: %+v", best)
	}
	if best.Score < results[1].Score {
		t.Errorf("results not ordered by score: %f < %f", best.Score, results[1].Score)
	}
}

func TestChromemQueryMissingPartition(t *testing.T) {
	idx := newTestIndex(t)
	results, err := idx.Query(context.Background(), "t_no_p_such_documents", axis(4, 0), 5)
	if err != nil {
		t.Fatalf("Query on missing partition: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestChromemQueryClampsTopK(t *testing.T) {
	idx := newTestIndex(t)
	seedChunks(t, idx, "t_acme_p_billing_documents")

	results, err := idx.Query(context.Background(), "t_acme_p_billing_documents", axis(4, 0), 50)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected all 3 chunks, got %d", len(results))
	}
}

func TestChromemUpsertReplaces(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	part := "t_acme_p_billing_documents"
	seedChunks(t, idx, part)

	// Re-upserting the same chunk ID replaces content in place.
	updated := []Chunk{
		{ID: ChunkID("rec-a", 0), RecordID: "rec-a", Index: 0, Text: "alpha revised", Vector: axis(4, 0), Fingerprint: "fp-a2"},
	}
	if err := idx.Upsert(ctx, part, updated); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.Query(ctx, part, axis(4, 0), 1)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].Text != "alpha revised" || results[0].Fingerprint != "fp-a2" {
		t.Errorf("upsert did not replace: %+v", results)
	}
}

func TestChromemDeleteByRecordID(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	part := "t_acme_p_billing_documents"
	seedChunks(t, idx, part)

	if err := idx.DeleteByRecordID(ctx, part, "rec-a"); err != nil {
		t.Fatalf("DeleteByRecordID: %v", err)
	}

	results, err := idx.Query(ctx, part, axis(4, 0), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	for _, r := range results {
		if r.RecordID == "rec-a" {
			t.Errorf("rec-a chunk survived deletion: %+v", r)
		}
	}
	if len(results) != 1 {
		t.Errorf("expected only rec-b to remain, got %d results", len(results))
	}

	// Deleting an absent record or from an absent partition is a no-op.
	if err := idx.DeleteByRecordID(ctx, part, "rec-nope"); err != nil {
		t.Errorf("delete absent record: %v", err)
	}
	if err := idx.DeleteByRecordID(ctx, "t_no_p_such_documents", "rec-a"); err != nil {
		t.Errorf("delete from absent partition: %v", err)
	}
}

func TestChromemDeletePartition(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	part := "t_acme_p_billing_documents"
	seedChunks(t, idx, part)

	exists, err := idx.PartitionExists(ctx, part)
	if err != nil || !exists {
		t.Fatalf("PartitionExists before delete = %v, %v", exists, err)
	}

	if err := idx.DeletePartition(ctx, part); err != nil {
		t.Fatalf("DeletePartition: %v", err)
	}

	exists, err = idx.PartitionExists(ctx, part)
	if err != nil || exists {
		t.Errorf("PartitionExists after delete = %v, %v", exists, err)
	}

	// Idempotent.
	if err := idx.DeletePartition(ctx, part); err != nil {
		t.Errorf("second DeletePartition: %v", err)
	}
}

func TestChromemPartitionIsolation(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	seedChunks(t, idx, "t_acme_p_billing_documents")

	other := []Chunk{
		{ID: ChunkID("rec-z", 0), RecordID: "rec-z", Index: 0, Text: "zeta", Vector: axis(4, 0), Fingerprint: "fp-z"},
	}
	if err := idx.Upsert(ctx, "t_globex_p_billing_documents", other); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	results, err := idx.Query(ctx, "t_globex_p_billing_documents", axis(4, 0), 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 || results[0].RecordID != "rec-z" {
		t.Errorf("partition leak: %+v", results)
	}
}

func TestChromemRejectsInvalidPartitionName(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	if err := idx.Upsert(ctx, "has.dot", []Chunk{{ID: "x", Vector: axis(4, 0)}}); err == nil {
		t.Error("Upsert accepted invalid partition name")
	}
	if _, err := idx.Query(ctx, "", axis(4, 0), 1); err == nil {
		t.Error("Query accepted empty partition name")
	}
}
