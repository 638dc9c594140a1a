package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/models"
)

func newEmbedServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *HTTPEmbedder) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.EmbedConfig{
		BaseURL:    srv.URL,
		Model:      "BAAI/bge-m3",
		Dimensions: 4,
		BatchSize:  2,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
	}
	return srv, NewHTTPEmbedder(cfg)
}

func embedHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		resp := embedResponse{}
		// Return indices reversed to verify the client reorders by index.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 0, 0, 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestHTTPEmbedderBatchOrder(t *testing.T) {
	_, e := newEmbedServer(t, embedHandler(t))
	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	// With batch size 2, inputs are chunked (a,b) then (c); within each chunk
	// the vector at position i encodes i.
	if vecs[0][0] != 0 || vecs[1][0] != 1 || vecs[2][0] != 0 {
		t.Errorf("vectors out of order: %v %v %v", vecs[0][0], vecs[1][0], vecs[2][0])
	}
}

func TestHTTPEmbedderRetriesServerErrors(t *testing.T) {
	attempts := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		embedHandler(t)(w, r)
	}
	_, e := newEmbedServer(t, handler)
	if _, err := e.Embed(context.Background(), "a"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestHTTPEmbedderNonRetryableClientError(t *testing.T) {
	attempts := 0
	handler := func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	}
	_, e := newEmbedServer(t, handler)
	_, err := e.Embed(context.Background(), "a")
	if !models.IsServiceError(err, models.StageEmbedding) {
		t.Fatalf("expected embedding ServiceError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("client errors should not be retried, got %d attempts", attempts)
	}
}
