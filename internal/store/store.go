// Package store defines the persistence interface for concepts, embeddings, and link edges.
package store

import (
	"context"

	"github.com/hyperjump/tsunagu/internal/models"
)

// Store is the single source of truth for what concepts exist, their cached
// embeddings, and the link edges between them. Every mutation is durably
// persisted before the call returns.
type Store interface {
	// Concept operations
	//
	// UpsertConcept inserts or replaces a concept by identity and reports
	// whether it was newly created. It fails with models.ErrConflict when the
	// identity collides with another concept's alias, or when one of the
	// concept's aliases collides with another concept's identity.
	UpsertConcept(ctx context.Context, c *models.Concept) (created bool, err error)
	GetConcept(ctx context.Context, identity string) (*models.Concept, error)
	// ForEachConcept streams all concepts in insertion order. It is lazy (rows
	// are scanned one at a time) and restartable (each call starts over).
	// Returning an error from fn stops the iteration.
	ForEachConcept(ctx context.Context, fn func(*models.Concept) error) error
	// DeleteConcept removes a concept together with its embedding record and
	// every edge touching it, so no dangling references survive.
	DeleteConcept(ctx context.Context, identity string) error
	CountConcepts(ctx context.Context) (int64, error)

	// Relationship status per concept. The status and tracked fingerprint are
	// only ever written through CommitSynthesis so they always reflect a fully
	// committed run.
	GetLinkState(ctx context.Context, identity string) (models.LinkStatus, string, error)

	// Embedding cache snapshot
	GetEmbedding(ctx context.Context, identity string) (*models.EmbeddingRecord, error)
	PutEmbedding(ctx context.Context, rec *models.EmbeddingRecord) error
	AllEmbeddings(ctx context.Context) ([]*models.EmbeddingRecord, error)

	// Edge operations. Edges are undirected; EdgesFor returns every edge with
	// identity as either endpoint.
	PutEdge(ctx context.Context, edge models.LinkEdge) error
	EdgesFor(ctx context.Context, identity string) ([]models.LinkEdge, error)
	CountEdges(ctx context.Context) (int64, error)

	// CommitSynthesis applies one concept's synthesis result atomically: the
	// edge additions and removals, the new link status, and the tracked
	// fingerprint all land in a single transaction, or none of them do.
	CommitSynthesis(ctx context.Context, identity string, status models.LinkStatus, fingerprint string, added, removed []models.LinkEdge) error

	Close() error
}
