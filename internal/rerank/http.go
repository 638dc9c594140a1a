package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/models"
)

// HTTPScorer calls a BGE-reranker-style /rerank endpoint (SiliconFlow by
// default). Failures are retried with bounded backoff and surface as
// models.ServiceError so the stage can degrade.
type HTTPScorer struct {
	baseURL    string
	apiKey     string
	model      string
	maxRetries int
	client     *http.Client
}

// NewHTTPScorer creates a scorer backed by the configured remote service.
func NewHTTPScorer(cfg *config.RerankConfig) *HTTPScorer {
	return &HTTPScorer{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey(),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

type rerankRequest struct {
	Model           string   `json:"model"`
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	ReturnDocuments bool     `json:"return_documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Score returns one relevance score per document, in document order.
// Scores outside [0, 1] are a validation error, not clamped.
func (s *HTTPScorer) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(rerankRequest{
		Model:     s.model,
		Query:     query,
		Documents: documents,
	})
	if err != nil {
		return nil, &models.ServiceError{Stage: models.StageRerank, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &models.ServiceError{Stage: models.StageRerank, Err: ctx.Err()}
			case <-time.After(backoff(attempt)):
			}
		}
		scores, retryable, err := s.doScore(ctx, body, len(documents))
		if err == nil {
			return scores, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, &models.ServiceError{Stage: models.StageRerank, Err: lastErr}
}

func (s *HTTPScorer) doScore(ctx context.Context, body []byte, want int) ([]float64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("rerank returned %d: %s", resp.StatusCode, data)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, err
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("malformed rerank response: %w", err)
	}
	if len(parsed.Results) != want {
		return nil, false, fmt.Errorf("rerank returned %d scores for %d documents", len(parsed.Results), want)
	}
	scores := make([]float64, want)
	filled := make([]bool, want)
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= want {
			return nil, false, fmt.Errorf("rerank returned out-of-range index %d", r.Index)
		}
		if r.RelevanceScore < 0 || r.RelevanceScore > 1 {
			return nil, false, fmt.Errorf("rerank score %v for index %d outside [0,1]", r.RelevanceScore, r.Index)
		}
		scores[r.Index] = r.RelevanceScore
		filled[r.Index] = true
	}
	for i, ok := range filled {
		if !ok {
			return nil, false, fmt.Errorf("rerank response missing index %d", i)
		}
	}
	return scores, false, nil
}

// Close is a no-op for HTTPScorer.
func (s *HTTPScorer) Close() error {
	return nil
}

// backoff returns the wait before retry attempt n (1-based): 500ms, 1s, 2s, ... capped at 8s.
func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << (attempt - 1)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}
