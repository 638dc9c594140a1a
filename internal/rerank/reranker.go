// Package rerank provides the second-stage relevance scoring over a recall shortlist.
package rerank

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/models"
)

// Scorer is the external cross-encoder relevance service: one score in [0, 1]
// per (query, document) pair.
type Scorer interface {
	Score(ctx context.Context, query string, documents []string) ([]float64, error)
	Close() error
}

// Candidate is one recall hit entering the rerank stage.
type Candidate struct {
	Identity    string
	Text        string
	RecallScore float64
}

// Result is the outcome of a rerank pass. When the scoring service failed, the
// recall ordering is kept and Degraded is set so provenance stays explicit.
type Result struct {
	// Kept is sorted by descending effective score. In the degraded case the
	// rerank scores are absent and recall scores order the list.
	Kept []models.CandidateScore
	// Dropped holds candidates rejected by the threshold hard filter.
	Dropped  []models.CandidateScore
	Degraded bool
}

// Stage reranks a shortlist and applies the score cutoff.
type Stage struct {
	scorer      Scorer
	threshold   float64
	topK        int
	minResults  int
	fallbackTop int
	logger      *zap.Logger
}

// NewStage creates a rerank stage with the given scorer and settings.
func NewStage(scorer Scorer, cfg *config.RerankConfig, logger *zap.Logger) *Stage {
	return &Stage{
		scorer:      scorer,
		threshold:   cfg.Threshold,
		topK:        cfg.TopK,
		minResults:  cfg.MinResults,
		fallbackTop: cfg.FallbackTop,
		logger:      logger,
	}
}

// Rerank scores candidates against the query text and returns them sorted by
// relevance, with candidates below the threshold dropped entirely. A scoring
// failure falls back to the unmodified recall ordering with Degraded set:
// recall-based linking degraded is preferable to no linking.
func (s *Stage) Rerank(ctx context.Context, source, queryText string, candidates []Candidate) Result {
	if len(candidates) == 0 {
		return Result{}
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Text
	}

	scores, err := s.scorer.Score(ctx, queryText, docs)
	if err != nil {
		s.logger.Warn("rerank service failed, falling back to recall order",
			zap.String("source", source),
			zap.Error(err),
		)
		return s.degraded(source, candidates)
	}

	scored := make([]models.CandidateScore, len(candidates))
	for i, c := range candidates {
		score := scores[i]
		scored[i] = models.CandidateScore{
			Source:      source,
			Target:      c.Identity,
			RecallScore: c.RecallScore,
			RerankScore: &score,
			Decision:    models.DecisionPending,
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if *scored[i].RerankScore != *scored[j].RerankScore {
			return *scored[i].RerankScore > *scored[j].RerankScore
		}
		return scored[i].Target < scored[j].Target
	})
	if s.topK > 0 && len(scored) > s.topK {
		scored = scored[:s.topK]
	}

	var kept, dropped []models.CandidateScore
	for _, c := range scored {
		if *c.RerankScore >= s.threshold {
			kept = append(kept, c)
		} else {
			c.Decision = models.DecisionRejected
			dropped = append(dropped, c)
		}
	}

	// Opt-in sparse-corpus fallback: when configured and the threshold starves
	// the result set, keep the few best candidates anyway. Off by default, the
	// threshold is a hard filter.
	if s.minResults > 0 && s.fallbackTop > 0 && len(kept) < s.minResults && len(scored) > len(kept) {
		n := s.fallbackTop
		if n > len(scored) {
			n = len(scored)
		}
		kept = append([]models.CandidateScore(nil), scored[:n]...)
		dropped = nil
		for _, c := range scored[n:] {
			c.Decision = models.DecisionRejected
			dropped = append(dropped, c)
		}
	}

	return Result{Kept: kept, Dropped: dropped}
}

func (s *Stage) degraded(source string, candidates []Candidate) Result {
	kept := make([]models.CandidateScore, 0, len(candidates))
	for i, c := range candidates {
		if s.topK > 0 && i >= s.topK {
			break
		}
		kept = append(kept, models.CandidateScore{
			Source:      source,
			Target:      c.Identity,
			RecallScore: c.RecallScore,
			Decision:    models.DecisionPending,
		})
	}
	return Result{Kept: kept, Degraded: true}
}
