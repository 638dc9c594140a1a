package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/embedding"
	"github.com/hyperjump/tsunagu/internal/pipeline"
	"github.com/hyperjump/tsunagu/internal/rerank"
	"github.com/hyperjump/tsunagu/internal/store"
	"github.com/hyperjump/tsunagu/internal/vector"
)

type fixedScorer struct{}

func (fixedScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	out := make([]float64, len(docs))
	for i := range out {
		out[i] = 0.9
	}
	return out, nil
}

func (fixedScorer) Close() error { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "concepts.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Embed.Dimensions = 8

	idx, err := vector.NewIndex(cfg.Embed.Dimensions)
	if err != nil {
		t.Fatal(err)
	}
	cache := embedding.NewCache(st, embedding.NewMockEmbedder(cfg.Embed.Dimensions), zap.NewNop())
	stage := rerank.NewStage(fixedScorer{}, &cfg.Rerank, zap.NewNop())
	engine := pipeline.NewEngine(st, cache, idx, nil, stage, &cfg.Pipeline, zap.NewNop())

	srv := NewServer(engine, st, nil, nil, cfg, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func conceptPath(identity string) string {
	return "/api/v1/concepts/" + url.PathEscape(identity)
}

func TestUpsertAndGetConcept(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
		"title":   "善意取得",
		"subject": "minfa",
		"body":    "构成要件。",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upsert status = %d", resp.StatusCode)
	}
	var created struct {
		Identity string `json:"identity"`
		Created  bool   `json:"created"`
	}
	decode(t, resp, &created)
	if created.Identity != "minfa:善意取得" || !created.Created {
		t.Errorf("created = %+v", created)
	}

	// Same concept again is an update, not a create.
	resp = postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
		"title":   "善意取得",
		"subject": "minfa",
		"body":    "修订。",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second upsert status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	getResp, err := http.Get(ts.URL + conceptPath("minfa:善意取得"))
	if err != nil {
		t.Fatal(err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", getResp.StatusCode)
	}
	var got struct {
		Concept struct {
			Identity string `json:"identity"`
			Body     string `json:"body"`
		} `json:"concept"`
		Status string `json:"status"`
	}
	decode(t, getResp, &got)
	if got.Concept.Body != "修订。" {
		t.Errorf("body = %q", got.Concept.Body)
	}
}

func TestUpsertQueuesBackgroundRelink(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
		"title":   "无权处分",
		"subject": "minfa",
		"body":    "处分权欠缺。",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upsert status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The worker links the concept shortly after the write returns.
	deadline := time.Now().Add(5 * time.Second)
	for {
		getResp, err := http.Get(ts.URL + conceptPath("minfa:无权处分"))
		if err != nil {
			t.Fatal(err)
		}
		var got struct {
			Status string `json:"status"`
		}
		decode(t, getResp, &got)
		if got.Status == "synthesized" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("concept never linked, status = %q", got.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGetConceptNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + conceptPath("minfa:不存在"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestUpsertConflictingAlias(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
		"title":   "抵押权",
		"subject": "minfa",
	})
	resp.Body.Close()

	// Alias that collides with an existing identity.
	resp = postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
		"title":   "担保物权",
		"subject": "minfa",
		"aliases": []string{"minfa:抵押权"},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCuratedEdgeRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	for _, title := range []string{"无权处分", "善意取得"} {
		resp := postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
			"title":   title,
			"subject": "minfa",
		})
		resp.Body.Close()
	}

	resp := postJSON(t, ts, "/api/v1/edges", map[string]string{
		"a": "minfa:无权处分",
		"b": "minfa:善意取得",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("edge status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	edgesResp, err := http.Get(ts.URL + conceptPath("minfa:善意取得") + "/edges")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Identity string `json:"identity"`
		Edges    []struct {
			Other      string  `json:"other"`
			Provenance string  `json:"provenance"`
			Score      float64 `json:"score"`
		} `json:"edges"`
	}
	decode(t, edgesResp, &got)
	if len(got.Edges) != 1 {
		t.Fatalf("edges = %+v", got.Edges)
	}
	if got.Edges[0].Other != "minfa:无权处分" || got.Edges[0].Provenance != "curated" {
		t.Errorf("edge = %+v", got.Edges[0])
	}
}

func TestCreateEdgeUnknownConcept(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts, "/api/v1/edges", map[string]string{
		"a": "minfa:不存在", "b": "minfa:也不存在",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRelinkEndpoint(t *testing.T) {
	ts := newTestServer(t)

	for _, title := range []string{"合同", "要约", "承诺"} {
		resp := postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
			"title":   title,
			"subject": "minfa",
		})
		resp.Body.Close()
	}

	resp := postJSON(t, ts, "/api/v1/relink", map[string]interface{}{"force": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("relink status = %d", resp.StatusCode)
	}
	var report struct {
		RunID     string `json:"run_id"`
		Processed int    `json:"processed"`
		Failed    int    `json:"failed"`
	}
	decode(t, resp, &report)
	if report.RunID == "" {
		t.Error("missing run_id")
	}
	if report.Failed != 0 {
		t.Errorf("failed = %d", report.Failed)
	}
}

func TestDeleteConcept(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts, "/api/v1/concepts", map[string]interface{}{
		"title":   "质权",
		"subject": "minfa",
	})
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+conceptPath("minfa:质权"), nil)
	if err != nil {
		t.Fatal(err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", delResp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + conceptPath("minfa:质权"))
	if err != nil {
		t.Fatal(err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("after delete, get = %d", getResp.StatusCode)
	}
}

func TestHealthAndStatus(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health = %d", resp.StatusCode)
	}

	statusResp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Concepts int `json:"concepts"`
		Edges    int `json:"edges"`
		Config   struct {
			EmbeddingModel string `json:"embedding_model"`
		} `json:"config"`
	}
	decode(t, statusResp, &status)
	if status.Config.EmbeddingModel == "" {
		t.Error("status should report the embedding model")
	}
}
