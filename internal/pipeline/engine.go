// Package pipeline drives the per-concept linking run and the bounded-parallel
// batch over the corpus: embed (cached), recall, rerank, synthesize, commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/embedding"
	"github.com/hyperjump/tsunagu/internal/fingerprint"
	"github.com/hyperjump/tsunagu/internal/graph"
	"github.com/hyperjump/tsunagu/internal/mention"
	"github.com/hyperjump/tsunagu/internal/models"
	"github.com/hyperjump/tsunagu/internal/rerank"
	"github.com/hyperjump/tsunagu/internal/store"
	"github.com/hyperjump/tsunagu/internal/vector"
)

// Mentions is the full-text candidate source. It is optional: a nil Mentions
// leaves recall purely vector-based.
type Mentions interface {
	Candidates(ctx context.Context, c *models.Concept, limit int) ([]mention.Hit, error)
}

// Engine runs the linking pipeline over the concept corpus.
type Engine struct {
	store       store.Store
	cache       *embedding.Cache
	index       *vector.Index
	mentions    Mentions
	rerankStage *rerank.Stage
	synthesizer *graph.Synthesizer
	cfg         *config.PipelineConfig
	logger      *zap.Logger
}

// NewEngine wires the pipeline stages together. mentions may be nil.
func NewEngine(st store.Store, cache *embedding.Cache, index *vector.Index, mentions Mentions, stage *rerank.Stage, cfg *config.PipelineConfig, logger *zap.Logger) *Engine {
	return &Engine{
		store:       st,
		cache:       cache,
		index:       index,
		mentions:    mentions,
		rerankStage: stage,
		synthesizer: graph.NewSynthesizer(cfg.MaxEdgesPerConcept, logger),
		cfg:         cfg,
		logger:      logger,
	}
}

// ConceptReport is the outcome of one concept's pipeline run.
type ConceptReport struct {
	Identity string            `json:"identity"`
	Status   models.LinkStatus `json:"status,omitempty"`
	Skipped  bool              `json:"skipped,omitempty"`
	Degraded bool              `json:"degraded,omitempty"`
	Added    int               `json:"added"`
	Removed  int               `json:"removed"`
	Error    string            `json:"error,omitempty"`
}

// BatchReport summarizes one relink run.
type BatchReport struct {
	RunID     string          `json:"run_id"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Processed int             `json:"processed"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	Concepts  []ConceptReport `json:"concepts"`
}

// Warm rebuilds the in-memory vector index from the persisted embedding cache.
// Call once at startup before serving queries.
func (e *Engine) Warm(ctx context.Context) error {
	recs, err := e.store.AllEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	if err := e.index.Rebuild(ctx, recs); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	e.logger.Info("vector index warmed", zap.Int("vectors", e.index.Size()))
	return nil
}

// RunConcept runs the full pipeline for one concept. Unless force is set, a
// concept whose tracked fingerprint is unchanged since its last synthesis is
// skipped. An embedding failure aborts the run with nothing written; a rerank
// failure degrades to recall ordering and still commits. Stage progress is
// tracked in the report only; durable link state changes in one place, the
// final commit, so an interrupted run leaves the prior committed state intact.
func (e *Engine) RunConcept(ctx context.Context, identity string, force bool) ConceptReport {
	report := ConceptReport{Identity: identity}

	c, err := e.store.GetConcept(ctx, identity)
	if err != nil {
		report.Error = err.Error()
		return report
	}

	prior, err := e.store.EdgesFor(ctx, identity)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	text := c.DescriptionText(e.relatedTitles(ctx, identity, prior))
	fp := fingerprint.Hash(text)

	status, tracked, err := e.store.GetLinkState(ctx, identity)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	if !force && status == models.StatusSynthesized && tracked == fp {
		report.Status = status
		report.Skipped = true
		return report
	}

	rec, err := e.cache.GetOrCompute(ctx, identity, text)
	if err != nil {
		// No partial writes: the concept stays at its prior state.
		report.Error = err.Error()
		return report
	}
	if err := e.index.Upsert(ctx, identity, rec.Vector); err != nil {
		report.Error = err.Error()
		return report
	}

	candidates, err := e.recall(ctx, c, rec.Vector)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	report.Status = models.StatusRecalled

	result := e.rerankStage.Rerank(ctx, identity, text, candidates)
	report.Degraded = result.Degraded
	report.Status = models.StatusReranked

	_, diff := e.synthesizer.Synthesize(identity, result.Kept, result.Degraded, prior)
	if err := e.store.CommitSynthesis(ctx, identity, models.StatusSynthesized, fp, diff.Added, diff.Removed); err != nil {
		report.Error = err.Error()
		return report
	}

	report.Status = models.StatusSynthesized
	report.Added = len(diff.Added)
	report.Removed = len(diff.Removed)
	e.logger.Debug("concept linked",
		zap.String("identity", identity),
		zap.Int("added", report.Added),
		zap.Int("removed", report.Removed),
		zap.Bool("degraded", report.Degraded),
	)
	return report
}

// recall builds the rerank shortlist: vector neighbors first, then full-text
// mention hits not already recalled. Candidate text is the target's own
// description so the cross-encoder compares like with like.
func (e *Engine) recall(ctx context.Context, c *models.Concept, vec []float32) ([]rerank.Candidate, error) {
	hits, err := e.index.Query(ctx, vec, e.cfg.RecallTopK, c.Identity)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(hits))
	candidates := make([]rerank.Candidate, 0, len(hits))
	add := func(identity string, score float64) error {
		if _, dup := seen[identity]; dup {
			return nil
		}
		seen[identity] = struct{}{}
		target, err := e.store.GetConcept(ctx, identity)
		if err != nil {
			// The index or mention hit may lag a concurrent delete.
			if errors.Is(err, models.ErrNotFound) {
				return nil
			}
			return err
		}
		candidates = append(candidates, rerank.Candidate{
			Identity:    identity,
			Text:        target.DescriptionText(nil),
			RecallScore: score,
		})
		return nil
	}

	for _, h := range hits {
		if err := add(h.Identity, h.Score); err != nil {
			return nil, err
		}
	}
	if e.cfg.MentionCandidates && e.mentions != nil {
		mentionHits, err := e.mentions.Candidates(ctx, c, e.cfg.RecallTopK)
		if err != nil {
			// Mention recall is best-effort on top of vector recall.
			e.logger.Warn("mention recall failed", zap.String("identity", c.Identity), zap.Error(err))
			return candidates, nil
		}
		for _, h := range mentionHits {
			if err := add(h.Identity, 0); err != nil {
				return nil, err
			}
		}
	}
	return candidates, nil
}

// relatedTitles resolves up to three curated-neighbor titles for the
// description text. Only curated edges qualify: feeding machine-derived edges
// back into the embedded text would shift the fingerprint after every run.
func (e *Engine) relatedTitles(ctx context.Context, identity string, edges []models.LinkEdge) []string {
	var titles []string
	for _, edge := range edges {
		if len(titles) >= 3 {
			break
		}
		if edge.Provenance != models.ProvenanceCurated {
			continue
		}
		other := edge.Other(identity)
		if other == "" {
			continue
		}
		c, err := e.store.GetConcept(ctx, other)
		if err != nil {
			continue
		}
		titles = append(titles, c.Title)
	}
	return titles
}

// RunBatch relinks the given identities, or the whole corpus when identities
// is empty. Concepts run in parallel bounded by the configured concurrency;
// one concept's failure is reported and does not stop the others. Context
// cancellation stops picking up new concepts.
func (e *Engine) RunBatch(ctx context.Context, identities []string, force bool) (*BatchReport, error) {
	report := &BatchReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}

	if len(identities) == 0 {
		var err error
		identities, force, err = e.selectCorpus(ctx, force)
		if err != nil {
			return nil, err
		}
	}

	e.logger.Info("relink batch started",
		zap.String("run_id", report.RunID),
		zap.Int("concepts", len(identities)),
		zap.Bool("force", force),
	)

	concurrency := e.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	for _, identity := range identities {
		identity := identity
		if err := sem.Acquire(gctx, 1); err != nil {
			// Canceled: stop scheduling, keep what already ran.
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			r := e.RunConcept(gctx, identity, force)
			mu.Lock()
			report.Concepts = append(report.Concepts, r)
			switch {
			case r.Error != "":
				report.Failed++
			case r.Skipped:
				report.Skipped++
			default:
				report.Processed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(report.StartedAt)
	e.logger.Info("relink batch finished",
		zap.String("run_id", report.RunID),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// selectCorpus lists every identity and decides whether the run is forced:
// when the corpus gained more than the configured number of never-linked
// concepts, every neighborhood may have shifted, so everything is relinked.
func (e *Engine) selectCorpus(ctx context.Context, force bool) ([]string, bool, error) {
	var identities []string
	var fresh int
	err := e.store.ForEachConcept(ctx, func(c *models.Concept) error {
		identities = append(identities, c.Identity)
		status, _, err := e.store.GetLinkState(ctx, c.Identity)
		if err != nil {
			return err
		}
		if status == models.StatusUnlinked {
			fresh++
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if e.cfg.FullRelinkNewConcepts > 0 && fresh > e.cfg.FullRelinkNewConcepts {
		e.logger.Info("corpus grew past incremental threshold, full relink",
			zap.Int("new_concepts", fresh),
			zap.Int("threshold", e.cfg.FullRelinkNewConcepts),
		)
		force = true
	}
	return identities, force, nil
}

// IndexSize reports how many vectors the recall index currently holds.
func (e *Engine) IndexSize() int {
	return e.index.Size()
}

// RemoveConcept drops a concept from the engine's in-memory indexes.
// Store-level deletion (and edge cascade) is the caller's job.
func (e *Engine) RemoveConcept(ctx context.Context, identity string) {
	e.index.Remove(ctx, identity)
}
