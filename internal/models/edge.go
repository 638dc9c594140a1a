package models

import "time"

// Provenance records which pipeline stage produced an edge.
type Provenance string

const (
	// ProvenanceRecall marks an edge produced from vector recall alone.
	ProvenanceRecall Provenance = "recall"
	// ProvenanceReranked marks an edge that cleared the rerank threshold.
	ProvenanceReranked Provenance = "reranked"
	// ProvenanceDegraded marks an edge produced from recall order because the
	// rerank service was unavailable.
	ProvenanceDegraded Provenance = "degraded"
	// ProvenanceCurated marks a manually curated edge. Curated edges are never
	// removed by synthesis.
	ProvenanceCurated Provenance = "curated"
)

// LinkEdge is an undirected relation between two concept identities.
// Endpoints are stored in canonical order (A < B lexicographically) so that an
// unordered pair has exactly one representation.
type LinkEdge struct {
	A          string     `json:"a" db:"a"`
	B          string     `json:"b" db:"b"`
	Provenance Provenance `json:"provenance" db:"provenance"`
	Score      float64    `json:"score" db:"score"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// NewLinkEdge builds a canonical edge between a and b. Callers must reject
// self-loops before constructing an edge; see Store.PutEdge.
func NewLinkEdge(a, b string, provenance Provenance, score float64) LinkEdge {
	if b < a {
		a, b = b, a
	}
	return LinkEdge{A: a, B: b, Provenance: provenance, Score: score, CreatedAt: time.Now()}
}

// PairKey returns the canonical "a|b" key for deduplication by unordered pair.
func (e *LinkEdge) PairKey() string {
	return e.A + "|" + e.B
}

// Other returns the opposite endpoint from identity, or "" when identity is
// not an endpoint of this edge.
func (e *LinkEdge) Other(identity string) string {
	switch identity {
	case e.A:
		return e.B
	case e.B:
		return e.A
	}
	return ""
}

// EdgeDiff reports what a synthesis run changed, for observability. Added
// covers new pairs and existing pairs whose provenance or score was refreshed.
type EdgeDiff struct {
	Added   []LinkEdge `json:"added"`
	Removed []LinkEdge `json:"removed"`
}
