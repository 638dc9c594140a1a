package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/models"
	"github.com/hyperjump/tsunagu/internal/store"
)

func (s *Server) handleUpsertConcept(w http.ResponseWriter, r *http.Request) {
	var input models.ConceptInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if input.Title == "" || input.Subject == "" {
		s.respondError(w, http.StatusBadRequest, "title and subject are required")
		return
	}
	if input.Identity == "" {
		input.Identity = input.Subject + ":" + input.Title
	}

	c := &models.Concept{
		Identity:  input.Identity,
		Title:     input.Title,
		Aliases:   input.Aliases,
		Tags:      input.Tags,
		Body:      input.Body,
		Subject:   input.Subject,
		UpdatedAt: time.Now(),
	}
	s.logger.Debug("upsert concept request", zap.String("identity", c.Identity))

	created, err := s.store.UpsertConcept(r.Context(), c)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("upsert failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.mentions != nil {
		if err := s.mentions.Index(r.Context(), c); err != nil {
			s.logger.Warn("mention indexing failed", zap.String("identity", c.Identity), zap.Error(err))
		}
	}

	s.enqueueRelink(c.Identity)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, map[string]interface{}{
		"identity": c.Identity,
		"created":  created,
	})
}

func (s *Server) handleGetConcept(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	c, err := s.store.GetConcept(r.Context(), identity)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "concept not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status, _, err := s.store.GetLinkState(r.Context(), identity)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"concept": c,
		"status":  status,
	})
}

func (s *Server) handleDeleteConcept(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	s.logger.Debug("delete concept request", zap.String("identity", identity))
	if err := s.store.DeleteConcept(r.Context(), identity); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "concept not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.engine.RemoveConcept(r.Context(), identity)
	if s.mentions != nil {
		if err := s.mentions.Delete(r.Context(), identity); err != nil {
			s.logger.Warn("mention delete failed", zap.String("identity", identity), zap.Error(err))
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"identity": identity, "status": "deleted"})
}

// edgeView is one edge seen from a concept's perspective.
type edgeView struct {
	Other      string            `json:"other"`
	Provenance models.Provenance `json:"provenance"`
	Score      float64           `json:"score"`
}

func (s *Server) handleConceptEdges(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	if _, err := s.store.GetConcept(r.Context(), identity); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "concept not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	edges, err := s.store.EdgesFor(r.Context(), identity)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]edgeView, 0, len(edges))
	for _, e := range edges {
		views = append(views, edgeView{
			Other:      e.Other(identity),
			Provenance: e.Provenance,
			Score:      e.Score,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"identity": identity,
		"edges":    views,
	})
}

type relinkRequest struct {
	Identities []string `json:"identities,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

func (s *Server) handleRelink(w http.ResponseWriter, r *http.Request) {
	var req relinkRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	report, err := s.engine.RunBatch(r.Context(), req.Identities, req.Force)
	if err != nil {
		s.logger.Error("relink failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

type edgeRequest struct {
	A string `json:"a"`
	B string `json:"b"`
}

func (s *Server) handleCreateEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.A == "" || req.B == "" {
		s.respondError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	for _, identity := range []string{req.A, req.B} {
		if _, err := s.store.GetConcept(r.Context(), identity); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				s.respondError(w, http.StatusNotFound, "concept not found: "+identity)
				return
			}
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	edge := models.NewLinkEdge(req.A, req.B, models.ProvenanceCurated, 1.0)
	if err := s.store.PutEdge(r.Context(), edge); err != nil {
		if errors.Is(err, models.ErrConflict) {
			s.respondError(w, http.StatusConflict, err.Error())
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		s.respondError(w, http.StatusNotImplemented, "vault is not configured")
		return
	}
	report, err := s.scanner.Scan(r.Context())
	if err != nil {
		s.logger.Error("scan failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	concepts, err := s.store.CountConcepts(ctx)
	if err != nil {
		s.logger.Error("status: count concepts failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	edges, err := s.store.CountEdges(ctx)
	if err != nil {
		s.logger.Error("status: count edges failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]interface{}{
		"concepts":          concepts,
		"edges":             edges,
		"vector_index_size": s.engine.IndexSize(),
		"config": map[string]interface{}{
			"embedding_model":      s.config.Embed.Model,
			"embedding_dimensions": s.config.Embed.Dimensions,
			"rerank_model":         s.config.Rerank.Model,
			"rerank_threshold":     s.config.Rerank.Threshold,
			"recall_top_k":         s.config.Pipeline.RecallTopK,
			"database_path":        s.config.Storage.DatabasePath,
		},
	}
	if diskBytes, err := store.DiskUsageBytes(
		s.config.Storage.DatabasePath,
		s.config.Storage.BleveIndexPath,
		s.config.Storage.VectorIndexPath,
	); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
