package embedding

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

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint (BGE-M3 on
// SiliconFlow by default). Failures are retried with bounded backoff and
// surface as models.ServiceError.
type HTTPEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	maxRetries int
	client     *http.Client
}

// NewHTTPEmbedder creates an embedder backed by the configured remote service.
func NewHTTPEmbedder(cfg *config.EmbedConfig) *HTTPEmbedder {
	return &HTTPEmbedder{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey(),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: cfg.Timeout},
	}
}

type embedRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding for a single text.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in service-sized chunks, preserving input order.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	batch := e.batchSize
	if batch <= 0 {
		batch = 10
	}
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		copy(out[start:end], vecs)
	}
	return out, nil
}

func (e *HTTPEmbedder) embedChunk(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts, EncodingFormat: "float"})
	if err != nil {
		return nil, &models.ServiceError{Stage: models.StageEmbedding, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &models.ServiceError{Stage: models.StageEmbedding, Err: ctx.Err()}
			case <-time.After(backoff(attempt)):
			}
		}
		vecs, retryable, err := e.doEmbed(ctx, body, len(texts))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, &models.ServiceError{Stage: models.StageEmbedding, Err: lastErr}
}

func (e *HTTPEmbedder) doEmbed(ctx context.Context, body []byte, want int) ([][]float32, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("embeddings returned %d: %s", resp.StatusCode, data)
		// Rate limits and server-side errors are worth retrying; 4xx are not.
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, err
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, false, fmt.Errorf("malformed embeddings response: %w", err)
	}
	if len(parsed.Data) != want {
		return nil, false, fmt.Errorf("embeddings returned %d vectors for %d inputs", len(parsed.Data), want)
	}
	vecs := make([][]float32, want)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, false, fmt.Errorf("embeddings returned out-of-range index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, false, fmt.Errorf("embeddings response missing index %d", i)
		}
	}
	return vecs, false, nil
}

// backoff returns the wait before retry attempt n (1-based): 500ms, 1s, 2s, ... capped at 8s.
func backoff(attempt int) time.Duration {
	d := 500 * time.Millisecond << (attempt - 1)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	return d
}

// Dimensions returns the embedding dimension.
func (e *HTTPEmbedder) Dimensions() int {
	return e.dimensions
}

// Model returns the embedding model identifier.
func (e *HTTPEmbedder) Model() string {
	return e.model
}

// Close is a no-op for HTTPEmbedder.
func (e *HTTPEmbedder) Close() error {
	return nil
}
