package vector

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hyperjump/tsunagu/internal/models"
)

func TestIndexUpsertQuery(t *testing.T) {
	ix, err := NewIndex(3)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	vecs := map[string][]float32{
		"minfa:a": {1, 0, 0},
		"minfa:b": {0.9, 0.1, 0},
		"minfa:c": {0, 1, 0},
	}
	for id, v := range vecs {
		if err := ix.Upsert(ctx, id, v); err != nil {
			t.Fatal(err)
		}
	}
	if ix.Size() != 3 {
		t.Errorf("Size=%d", ix.Size())
	}

	results, err := ix.Query(ctx, []float32{1, 0, 0}, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Identity != "minfa:a" {
		t.Errorf("top result should be minfa:a, got %s", results[0].Identity)
	}
}

func TestIndexQueryExcludesSelf(t *testing.T) {
	ix, _ := NewIndex(2)
	ctx := context.Background()
	_ = ix.Upsert(ctx, "x", []float32{1, 0})
	_ = ix.Upsert(ctx, "y", []float32{1, 0})

	results, err := ix.Query(ctx, []float32{1, 0}, 5, "x")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Identity == "x" {
			t.Error("query must exclude the given identity")
		}
	}
}

func TestIndexQueryTieBreakByIdentity(t *testing.T) {
	ix, _ := NewIndex(2)
	ctx := context.Background()
	// All identical vectors: identical scores, so order must be identity ascending.
	for _, id := range []string{"minfa:丙", "minfa:甲", "minfa:乙", "zz", "aa"} {
		_ = ix.Upsert(ctx, id, []float32{1, 0})
	}
	results, err := ix.Query(ctx, []float32{1, 0}, 5, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].Identity > results[i].Identity {
			t.Fatalf("ties not broken by identity ascending: %v", results)
		}
	}
}

func TestIndexCosineOnRawVectors(t *testing.T) {
	ix, _ := NewIndex(2)
	ctx := context.Background()
	// Unnormalized vectors pointing the same direction must score 1.
	_ = ix.Upsert(ctx, "long", []float32{10, 0})
	results, err := ix.Query(ctx, []float32{0.5, 0}, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Score < 0.999 {
		t.Errorf("cosine of parallel vectors = %v, want ~1", results[0].Score)
	}
}

func TestIndexDimensionMismatch(t *testing.T) {
	ix, _ := NewIndex(3)
	ctx := context.Background()

	var dimErr *models.DimensionMismatchError
	if err := ix.Upsert(ctx, "a", []float32{1, 0}); !errors.As(err, &dimErr) {
		t.Errorf("Upsert should fail with DimensionMismatchError, got %v", err)
	}
	if _, err := ix.Query(ctx, []float32{1}, 1, ""); !errors.As(err, &dimErr) {
		t.Errorf("Query should fail with DimensionMismatchError, got %v", err)
	}
}

func TestIndexUpsertReplaces(t *testing.T) {
	ix, _ := NewIndex(2)
	ctx := context.Background()
	_ = ix.Upsert(ctx, "a", []float32{1, 0})
	_ = ix.Upsert(ctx, "a", []float32{0, 1})
	if ix.Size() != 1 {
		t.Fatalf("upsert should replace, size=%d", ix.Size())
	}
	results, _ := ix.Query(ctx, []float32{0, 1}, 1, "")
	if results[0].Score < 0.999 {
		t.Errorf("replaced vector not used: score=%v", results[0].Score)
	}
}

func TestIndexRebuild(t *testing.T) {
	ix, _ := NewIndex(2)
	ctx := context.Background()
	_ = ix.Upsert(ctx, "old", []float32{1, 0})

	records := []*models.EmbeddingRecord{
		{Identity: "new1", Vector: []float32{0, 1}},
		{Identity: "new2", Vector: []float32{1, 1}},
	}
	if err := ix.Rebuild(ctx, records); err != nil {
		t.Fatal(err)
	}
	if ix.Size() != 2 {
		t.Errorf("size after rebuild = %d", ix.Size())
	}
	results, _ := ix.Query(ctx, []float32{0, 1}, 1, "")
	if results[0].Identity != "new1" {
		t.Errorf("rebuild contents wrong: %v", results)
	}
}

func TestIndexSaveLoad(t *testing.T) {
	ix, _ := NewIndex(2)
	ctx := context.Background()
	_ = ix.Upsert(ctx, "minfa:a", []float32{1, 0})
	_ = ix.Upsert(ctx, "minfa:b", []float32{0, 1})

	path := filepath.Join(t.TempDir(), "vectors.bin")
	if err := ix.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, _ := NewIndex(2)
	if err := loaded.Load(path); err != nil {
		t.Fatal(err)
	}
	if loaded.Size() != 2 {
		t.Fatalf("loaded size = %d", loaded.Size())
	}
	results, _ := loaded.Query(ctx, []float32{1, 0}, 1, "")
	if results[0].Identity != "minfa:a" {
		t.Errorf("loaded index query = %v", results)
	}
}
