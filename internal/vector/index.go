// Package vector provides the in-memory recall index over cached concept embeddings.
package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/hyperjump/tsunagu/internal/models"
)

// Result is a single recall hit.
type Result struct {
	Identity string
	Score    float64 // cosine similarity on raw vectors
}

// Index is a brute-force cosine index supporting incremental upserts and
// deterministic top-k queries. Insertions are mutually exclusive with queries;
// readers always observe a consistent snapshot.
type Index struct {
	dimensions int
	mu         sync.RWMutex
	pos        map[string]int
	identities []string
	vectors    [][]float32
	norms      []float64
}

// NewIndex creates an empty index for vectors of the given dimension.
func NewIndex(dimensions int) (*Index, error) {
	if dimensions <= 0 {
		return nil, &models.DimensionMismatchError{Got: dimensions, Want: 1}
	}
	return &Index{
		dimensions: dimensions,
		pos:        make(map[string]int),
	}, nil
}

// Upsert inserts or replaces the vector for identity. No rebuild is required.
func (ix *Index) Upsert(ctx context.Context, identity string, vec []float32) error {
	if len(vec) != ix.dimensions {
		return &models.DimensionMismatchError{Got: len(vec), Want: ix.dimensions}
	}
	stored := make([]float32, ix.dimensions)
	copy(stored, vec)
	norm := l2norm(stored)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if i, ok := ix.pos[identity]; ok {
		ix.vectors[i] = stored
		ix.norms[i] = norm
		return nil
	}
	ix.pos[identity] = len(ix.identities)
	ix.identities = append(ix.identities, identity)
	ix.vectors = append(ix.vectors, stored)
	ix.norms = append(ix.norms, norm)
	return nil
}

// Remove deletes the vector for identity. Removing an absent identity is a no-op.
func (ix *Index) Remove(ctx context.Context, identity string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	i, ok := ix.pos[identity]
	if !ok {
		return
	}
	last := len(ix.identities) - 1
	if i != last {
		ix.identities[i] = ix.identities[last]
		ix.vectors[i] = ix.vectors[last]
		ix.norms[i] = ix.norms[last]
		ix.pos[ix.identities[i]] = i
	}
	ix.identities = ix.identities[:last]
	ix.vectors = ix.vectors[:last]
	ix.norms = ix.norms[:last]
	delete(ix.pos, identity)
}

// Query returns the k highest-cosine-similarity entries, excluding the given
// identity. Ties are broken by identity string ascending so results are
// deterministic. A query vector of mismatched dimensionality fails with
// DimensionMismatchError.
func (ix *Index) Query(ctx context.Context, query []float32, k int, exclude string) ([]Result, error) {
	if len(query) != ix.dimensions {
		return nil, &models.DimensionMismatchError{Got: len(query), Want: ix.dimensions}
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if k <= 0 || len(ix.identities) == 0 {
		return nil, nil
	}

	qnorm := l2norm(query)
	results := make([]Result, 0, len(ix.identities))
	for i, identity := range ix.identities {
		if identity == exclude {
			continue
		}
		score := 0.0
		if qnorm > 0 && ix.norms[i] > 0 {
			var dot float64
			for j := 0; j < ix.dimensions; j++ {
				dot += float64(query[j]) * float64(ix.vectors[i][j])
			}
			score = dot / (qnorm * ix.norms[i])
		}
		results = append(results, Result{Identity: identity, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Identity < results[j].Identity
	})
	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

// Rebuild replaces the whole index from the given records, used for recovery
// after cache corruption or bulk import. Records with a mismatched dimension
// fail the rebuild and leave the index unchanged.
func (ix *Index) Rebuild(ctx context.Context, records []*models.EmbeddingRecord) error {
	pos := make(map[string]int, len(records))
	identities := make([]string, 0, len(records))
	vectors := make([][]float32, 0, len(records))
	norms := make([]float64, 0, len(records))
	for _, rec := range records {
		if len(rec.Vector) != ix.dimensions {
			return &models.DimensionMismatchError{Got: len(rec.Vector), Want: ix.dimensions}
		}
		vec := make([]float32, ix.dimensions)
		copy(vec, rec.Vector)
		pos[rec.Identity] = len(identities)
		identities = append(identities, rec.Identity)
		vectors = append(vectors, vec)
		norms = append(norms, l2norm(vec))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.pos = pos
	ix.identities = identities
	ix.vectors = vectors
	ix.norms = norms
	return nil
}

// Size returns the number of vectors in the index.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.identities)
}

// Dimensions returns the vector dimension the index was created with.
func (ix *Index) Dimensions() int {
	return ix.dimensions
}

func l2norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
