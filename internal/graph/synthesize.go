// Package graph turns ranked candidate scores into the persisted edge set of a
// concept: merge with surviving prior edges, dedupe by unordered pair, cap per
// concept, and report the diff.
package graph

import (
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/models"
)

// Synthesizer computes the replacement edge set for one concept from its
// reranked candidates and its prior edges.
type Synthesizer struct {
	maxEdges int
	logger   *zap.Logger
}

// NewSynthesizer creates a synthesizer. maxEdges caps the machine-derived
// edges per concept; curated edges are exempt from the cap.
func NewSynthesizer(maxEdges int, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{maxEdges: maxEdges, logger: logger}
}

// Synthesize merges kept candidates with the concept's prior edges and returns
// the final edge set plus the additions and removals needed to get there.
//
// Rules:
//   - Curated edges are permanent: they always survive and are never replaced.
//   - A normal run replaces the concept's machine-derived edges (recall,
//     reranked, degraded) with the new candidate set.
//   - A degraded run only adds: prior machine edges survive, because a service
//     outage is no reason to discard links a healthy run produced.
//   - Self-loops and duplicate pairs are discarded.
//   - Machine edges are capped at maxEdges, lowest effective score first out.
func (s *Synthesizer) Synthesize(source string, kept []models.CandidateScore, degraded bool, prior []models.LinkEdge) ([]models.LinkEdge, models.EdgeDiff) {
	provenance := models.ProvenanceReranked
	if degraded {
		provenance = models.ProvenanceDegraded
	}

	priorByPair := make(map[string]models.LinkEdge, len(prior))
	for _, e := range prior {
		priorByPair[e.PairKey()] = e
	}

	// Proposed machine edges, deduped by pair, self-loops dropped.
	proposed := make([]models.LinkEdge, 0, len(kept))
	seen := make(map[string]struct{}, len(kept))
	for _, c := range kept {
		if c.Target == source || c.Target == "" {
			continue
		}
		edge := models.NewLinkEdge(source, c.Target, provenance, c.EffectiveScore())
		if _, dup := seen[edge.PairKey()]; dup {
			continue
		}
		seen[edge.PairKey()] = struct{}{}
		// A curated pair is never replaced. On a degraded run an existing pair
		// keeps its stored provenance and score so healthier evidence is not
		// downgraded; a normal run refreshes both, so an edge once created
		// degraded is repaired when a reranked run re-confirms it.
		if existing, ok := priorByPair[edge.PairKey()]; ok {
			if degraded || existing.Provenance == models.ProvenanceCurated {
				edge = existing
			} else {
				edge.CreatedAt = existing.CreatedAt
			}
		}
		proposed = append(proposed, edge)
	}

	sort.Slice(proposed, func(i, j int) bool {
		if proposed[i].Score != proposed[j].Score {
			return proposed[i].Score > proposed[j].Score
		}
		return proposed[i].PairKey() < proposed[j].PairKey()
	})
	if s.maxEdges > 0 && len(proposed) > s.maxEdges {
		s.logger.Debug("capping edges",
			zap.String("source", source),
			zap.Int("proposed", len(proposed)),
			zap.Int("max", s.maxEdges),
		)
		proposed = proposed[:s.maxEdges]
	}

	finalByPair := make(map[string]models.LinkEdge, len(proposed)+len(prior))
	for _, e := range proposed {
		finalByPair[e.PairKey()] = e
	}
	for _, e := range prior {
		if e.Provenance == models.ProvenanceCurated {
			finalByPair[e.PairKey()] = e
			continue
		}
		if degraded {
			// Additive run: machine edges from healthier runs survive.
			finalByPair[e.PairKey()] = e
		}
	}

	// Added carries new pairs and pairs whose provenance or score changed, so
	// the commit upserts refreshed edges too.
	var diff models.EdgeDiff
	for key, e := range finalByPair {
		existing, existed := priorByPair[key]
		if !existed || existing.Provenance != e.Provenance || existing.Score != e.Score {
			diff.Added = append(diff.Added, e)
		}
	}
	for key, e := range priorByPair {
		if _, kept := finalByPair[key]; !kept {
			diff.Removed = append(diff.Removed, e)
		}
	}
	sortEdges(diff.Added)
	sortEdges(diff.Removed)

	final := make([]models.LinkEdge, 0, len(finalByPair))
	for _, e := range finalByPair {
		final = append(final, e)
	}
	sortEdges(final)
	return final, diff
}

func sortEdges(edges []models.LinkEdge) {
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].A != edges[j].A {
			return edges[i].A < edges[j].A
		}
		return edges[i].B < edges[j].B
	})
}
