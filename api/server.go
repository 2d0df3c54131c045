// Package api serves the engine over HTTP and provides a client for it.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/poiesic/stagehand"
	"github.com/poiesic/stagehand/batch"
	"github.com/poiesic/stagehand/core"
	"github.com/poiesic/stagehand/events"
	"github.com/poiesic/stagehand/orchestrator"
	"github.com/poiesic/stagehand/storage"
	"github.com/rs/cors"
)

// maxBodySize bounds request bodies, inputs included.
const maxBodySize = 32 << 20

// Server exposes an Engine as a JSON API.
type Server struct {
	engine  Engine
	origins []string
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server) error

// WithAllowedOrigins sets the CORS origins. Default allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) error {
		s.origins = origins
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewServer creates a Server for engine.
func NewServer(engine Engine, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("api: engine is required")
	}
	s := &Server{
		engine:  engine,
		origins: []string{"*"},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "api")
	return s, nil
}

// Handler returns the routes wrapped with CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /items", s.handleSubmitItem)
	mux.HandleFunc("GET /items/{id}", s.handleItemStatus)
	mux.HandleFunc("POST /items/{id}/abort", s.handleAbortItem)
	mux.HandleFunc("POST /items/{id}/restart", s.handleRestartItem)
	mux.HandleFunc("POST /batches", s.handleSubmitBatch)
	mux.HandleFunc("GET /batches/{id}", s.handleBatchProgress)
	mux.HandleFunc("POST /batches/{id}/abort", s.handleAbortBatch)
	mux.HandleFunc("GET /batches/{id}/events", s.handleBatchEvents)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.Handle("GET /metrics", s.engine.Metrics().Handler())

	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case stagehand.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrItemExists), errors.Is(err, orchestrator.ErrNotRestartable):
		status = http.StatusConflict
	case core.CategoryOf(err) == core.CategoryValidation:
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Validation(fmt.Errorf("decode request: %w", err))
	}
	return nil
}

func parsePriority(s string) (core.Priority, error) {
	p, err := core.ParsePriority(s)
	if err != nil {
		return 0, core.Validation(err)
	}
	return p, nil
}

func (s *Server) handleSubmitItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	itemReq := stagehand.ItemRequest{
		ItemID:   req.ItemID,
		Type:     req.Type,
		Stages:   req.Stages,
		Priority: priority,
	}
	if req.Input != "" {
		itemReq.Input = strings.NewReader(req.Input)
	}
	id, err := s.engine.SubmitItem(r.Context(), itemReq)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ItemResponse{ItemID: id})
}

func (s *Server) handleItemStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.ItemStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAbortItem(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.AbortItem(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestartItem(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RestartItem(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	priority, err := parsePriority(req.Priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]batch.ItemSpec, len(req.Items))
	for i, it := range req.Items {
		items[i] = batch.ItemSpec{ItemID: it.ItemID, Type: it.Type, Stages: it.Stages}
		if it.Input != "" {
			items[i].Input = strings.NewReader(it.Input)
		}
	}
	id, err := s.engine.SubmitBatch(r.Context(), items, priority)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, BatchResponse{BatchID: id})
}

func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.engine.BatchProgress(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleAbortBatch(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.AbortBatch(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, AbortBatchResponse{Aborted: n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleBatchEvents streams the events of one batch as server-sent events
// until the batch completes or the client goes away.
func (s *Server) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	batchID := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errors.New("streaming not supported"))
		return
	}

	// subscribe before reading progress so no completion slips in between
	ch, unsub := s.engine.Events().Subscribe(batchID)
	defer unsub()

	progress, err := s.engine.BatchProgress(r.Context(), batchID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if progress.Complete {
		s.writeEvent(w, events.Event{Type: events.TypeBatchComplete, BatchID: batchID, Time: progress.CompletedAt})
		flusher.Flush()
		return
	}
	fmt.Fprintf(w, "event: connected\ndata: %q\n\n", batchID)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.writeEvent(w, e)
			flusher.Flush()
			if e.Type == events.TypeBatchComplete {
				return
			}
		}
	}
}

func (s *Server) writeEvent(w http.ResponseWriter, e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Warn("failed to encode event", "err", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
}
