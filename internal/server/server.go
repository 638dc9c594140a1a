// Package server provides the HTTP API for Tsunagu.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/tsunagu/internal/config"
	"github.com/hyperjump/tsunagu/internal/ingest"
	"github.com/hyperjump/tsunagu/internal/pipeline"
	"github.com/hyperjump/tsunagu/internal/store"
)

// Server is the HTTP server for the Tsunagu API.
type Server struct {
	engine   *pipeline.Engine
	store    store.Store
	scanner  *ingest.Scanner
	mentions ingest.MentionIndexer
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server

	// Upserted concepts queue here for linking so the write path stays fast.
	// A single worker drains the queue, bounding pipeline concurrency from
	// upsert bursts; it stops with the server.
	relinkQueue  chan string
	relinkCancel context.CancelFunc
	relinkDone   chan struct{}
}

// NewServer creates a server with the given dependencies and starts its
// background relink worker. scanner and mentions may be nil when the vault
// and mention recall are disabled.
func NewServer(
	engine *pipeline.Engine,
	st store.Store,
	scanner *ingest.Scanner,
	mentions ingest.MentionIndexer,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:       engine,
		store:        st,
		scanner:      scanner,
		mentions:     mentions,
		config:       cfg,
		logger:       logger,
		relinkQueue:  make(chan string, 256),
		relinkCancel: cancel,
		relinkDone:   make(chan struct{}),
	}
	go s.relinkLoop(ctx)
	return s
}

func (s *Server) relinkLoop(ctx context.Context) {
	defer close(s.relinkDone)
	for {
		select {
		case <-ctx.Done():
			return
		case identity := <-s.relinkQueue:
			report := s.engine.RunConcept(ctx, identity, false)
			if report.Error != "" {
				s.logger.Warn("background relink failed",
					zap.String("identity", identity),
					zap.String("error", report.Error),
				)
			}
		}
	}
}

// enqueueRelink queues a concept for the background worker. When the queue is
// full the concept is left for the next batch relink instead of blocking the
// request.
func (s *Server) enqueueRelink(identity string) {
	select {
	case s.relinkQueue <- identity:
	default:
		s.logger.Warn("relink queue full, deferring to next batch run",
			zap.String("identity", identity))
	}
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(middleware.Compress(5))

	r.Post("/api/v1/concepts", s.handleUpsertConcept)
	r.Get("/api/v1/concepts/{identity}", s.handleGetConcept)
	r.Delete("/api/v1/concepts/{identity}", s.handleDeleteConcept)
	r.Get("/api/v1/concepts/{identity}/edges", s.handleConceptEdges)
	r.Post("/api/v1/relink", s.handleRelink)
	r.Post("/api/v1/edges", s.handleCreateEdge)
	r.Post("/api/v1/scan", s.handleScan)
	r.Get("/api/v1/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server and its relink worker.
func (s *Server) Stop(ctx context.Context) error {
	s.relinkCancel()
	select {
	case <-s.relinkDone:
	case <-ctx.Done():
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
