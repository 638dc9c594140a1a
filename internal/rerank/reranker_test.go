package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/models"
)

// stubScorer returns fixed scores keyed by document text, or an error.
type stubScorer struct {
	scores map[string]float64
	err    error
}

func (s *stubScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float64, len(docs))
	for i, d := range docs {
		out[i] = s.scores[d]
	}
	return out, nil
}

func (s *stubScorer) Close() error { return nil }

func newStage(scorer Scorer, threshold float64) *Stage {
	return NewStage(scorer, &config.RerankConfig{
		Threshold:   threshold,
		TopK:        15,
		MinResults:  0,
		FallbackTop: 0,
	}, zap.NewNop())
}

func candidates() []Candidate {
	return []Candidate{
		{Identity: "minfa:无权处分", Text: "doc1", RecallScore: 0.9},
		{Identity: "minfa:抵押权", Text: "doc2", RecallScore: 0.8},
		{Identity: "minfa:合同效力", Text: "doc3", RecallScore: 0.7},
	}
}

func TestRerankSortsAndFilters(t *testing.T) {
	scorer := &stubScorer{scores: map[string]float64{"doc1": 0.5, "doc2": 0.95, "doc3": 0.1}}
	stage := newStage(scorer, 0.3)

	result := stage.Rerank(context.Background(), "minfa:善意取得", "query", candidates())
	if result.Degraded {
		t.Fatal("should not be degraded")
	}
	if len(result.Kept) != 2 {
		t.Fatalf("kept %d, want 2", len(result.Kept))
	}
	if result.Kept[0].Target != "minfa:抵押权" || result.Kept[1].Target != "minfa:无权处分" {
		t.Errorf("order wrong: %v, %v", result.Kept[0].Target, result.Kept[1].Target)
	}
	if len(result.Dropped) != 1 || result.Dropped[0].Target != "minfa:合同效力" {
		t.Errorf("dropped wrong: %+v", result.Dropped)
	}
	if result.Dropped[0].Decision != models.DecisionRejected {
		t.Errorf("dropped decision = %s", result.Dropped[0].Decision)
	}
}

func TestRerankBelowThresholdIsHardFilter(t *testing.T) {
	// High recall rank must not save a candidate below the rerank threshold.
	scorer := &stubScorer{scores: map[string]float64{"doc1": 0.1, "doc2": 0.2, "doc3": 0.9}}
	stage := newStage(scorer, 0.3)

	result := stage.Rerank(context.Background(), "src", "query", candidates())
	if len(result.Kept) != 1 || result.Kept[0].Target != "minfa:合同效力" {
		t.Errorf("kept = %+v", result.Kept)
	}
	for _, c := range result.Kept {
		if c.EffectiveScore() < 0.3 {
			t.Errorf("kept candidate below threshold: %+v", c)
		}
	}
}

func TestRerankDegradesOnServiceFailure(t *testing.T) {
	scorer := &stubScorer{err: &models.ServiceError{Stage: models.StageRerank, Err: errors.New("timeout")}}
	stage := newStage(scorer, 0.3)

	result := stage.Rerank(context.Background(), "src", "query", candidates())
	if !result.Degraded {
		t.Fatal("expected degraded result")
	}
	if len(result.Kept) != 3 {
		t.Fatalf("degraded should keep recall order, got %d", len(result.Kept))
	}
	// Recall ordering preserved, no rerank scores.
	if result.Kept[0].Target != "minfa:无权处分" || result.Kept[0].RerankScore != nil {
		t.Errorf("degraded kept[0] = %+v", result.Kept[0])
	}
}

func TestRerankMinResultsFallback(t *testing.T) {
	scorer := &stubScorer{scores: map[string]float64{"doc1": 0.2, "doc2": 0.25, "doc3": 0.1}}
	stage := NewStage(scorer, &config.RerankConfig{
		Threshold:   0.3,
		TopK:        15,
		MinResults:  3,
		FallbackTop: 2,
	}, zap.NewNop())

	result := stage.Rerank(context.Background(), "src", "query", candidates())
	if len(result.Kept) != 2 {
		t.Fatalf("fallback should keep top 2, got %d", len(result.Kept))
	}
	if result.Kept[0].Target != "minfa:抵押权" {
		t.Errorf("fallback kept[0] = %s", result.Kept[0].Target)
	}
}

func TestRerankDefaultConfigHasNoFallback(t *testing.T) {
	scorer := &stubScorer{scores: map[string]float64{"doc1": 0.1, "doc2": 0.2, "doc3": 0.05}}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	stage := NewStage(scorer, &cfg.Rerank, zap.NewNop())

	result := stage.Rerank(context.Background(), "src", "query", candidates())
	if len(result.Kept) != 0 {
		t.Fatalf("below-threshold candidates kept under default config: %+v", result.Kept)
	}
	if len(result.Dropped) != 3 {
		t.Errorf("dropped = %d, want 3", len(result.Dropped))
	}
}

func TestHTTPScorerScoreValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"index": 0, "relevance_score": 1.7},
			},
		})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(&config.RerankConfig{
		BaseURL: srv.URL, Model: "m", Timeout: time.Second, MaxRetries: 1,
	})
	_, err := scorer.Score(context.Background(), "q", []string{"d"})
	if !models.IsServiceError(err, models.StageRerank) {
		t.Fatalf("out-of-range score should be a rerank ServiceError, got %v", err)
	}
}

func TestHTTPScorerMapsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		// Respond out of order; the client must map scores back by index.
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"index": 1, "relevance_score": 0.9},
				{"index": 0, "relevance_score": 0.2},
			},
		})
	}))
	defer srv.Close()

	scorer := NewHTTPScorer(&config.RerankConfig{
		BaseURL: srv.URL, Model: "m", Timeout: time.Second, MaxRetries: 1,
	})
	scores, err := scorer.Score(context.Background(), "q", []string{"d0", "d1"})
	if err != nil {
		t.Fatal(err)
	}
	if scores[0] != 0.2 || scores[1] != 0.9 {
		t.Errorf("scores = %v", scores)
	}
}
