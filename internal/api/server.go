package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imagecrawl/imagecrawl/internal/config"
	"github.com/imagecrawl/imagecrawl/internal/dispatcher"
	"github.com/imagecrawl/imagecrawl/internal/engine"
	"github.com/imagecrawl/imagecrawl/internal/executor"
	"github.com/imagecrawl/imagecrawl/internal/history"
	"github.com/imagecrawl/imagecrawl/internal/metrics"
	"github.com/imagecrawl/imagecrawl/internal/queue"
)

// Server wires HTTP handlers to the dispatcher and the run store.
type Server struct {
	router   chi.Router
	runs     history.RunStore
	dispatch *dispatcher.Dispatcher
	ids      engine.IDGenerator
	clock    engine.Clock
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	runs history.RunStore,
	dispatch *dispatcher.Dispatcher,
	ids engine.IDGenerator,
	clock engine.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runs:     runs,
		dispatch: dispatch,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(timeout))
	r.Use(metrics.Middleware)
	if cfg.Server.APIKey != "" {
		r.Use(apiKeyMiddleware(cfg.Server.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.submitRun)
			r.Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.getRun)
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Get("/status", s.workerStatus)
		r.Get("/history", s.runHistory)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if _, err := s.runs.List(ctx, nil, 1, 0); err != nil {
		s.logger.Warn("readiness probe failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "history store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	crawlReq, err := s.toCrawlRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runID, err := s.acceptRun(r.Context(), crawlReq)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			writeError(w, http.StatusServiceUnavailable, "run queue is full")
		case errors.Is(err, queue.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
		default:
			s.logger.Error("accept run failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to accept run")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.dispatch.Cancel(id.String()) {
		writeError(w, http.StatusConflict, "run is not active")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"run_id": id.String(),
		"status": "cancelling",
	})
}

func (s *Server) workerStatus(w http.ResponseWriter, _ *http.Request) {
	statuses := s.dispatch.Statuses()
	workers := make([]workerDTO, 0, len(statuses))
	for _, st := range statuses {
		workers = append(workers, workerDTO{
			Worker:    st.Worker,
			State:     st.State.String(),
			ActiveRun: st.ActiveRun,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) runHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"elapsed_ms": s.dispatch.History()})
}

// acceptRun records the run and hands it to the dispatcher. A run the queue
// rejects is finished as failed so it does not linger in queued forever.
func (s *Server) acceptRun(ctx context.Context, req engine.CrawlRequest) (string, error) {
	runID, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return "", fmt.Errorf("parse run id: %w", err)
	}
	req.RunID = runID
	now := s.clock.Now()
	rec := history.RunRecord{
		ID:        id,
		RootURI:   req.RootURI,
		MaxDepth:  req.MaxDepth,
		Strategy:  req.Strategy,
		Status:    history.StatusQueued,
		StartedAt: now,
	}
	if err := s.runs.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("create run record: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.dispatch.Enqueue(queueCtx, queue.Item{Request: req, EnqueuedAt: now}); err != nil {
		msg := err.Error()
		if finishErr := s.runs.Finish(
			ctx, id, s.clock.Now(), history.StatusFailed, 0, 0, &msg,
		); finishErr != nil {
			s.logger.Error("mark rejected run failed",
				zap.String("run_id", runID),
				zap.Error(finishErr),
			)
		}
		return "", err
	}
	return runID, nil
}

func (s *Server) toCrawlRequest(req submitRunRequest) (engine.CrawlRequest, error) {
	if strings.TrimSpace(req.RootURI) == "" {
		return engine.CrawlRequest{}, errors.New("root_uri required")
	}
	maxDepth := req.MaxDepth
	if maxDepth == 0 {
		maxDepth = s.cfg.Crawl.MaxDepth
	}
	if maxDepth < 1 {
		return engine.CrawlRequest{}, errors.New("max_depth must be >= 1")
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = s.cfg.Crawl.Strategy
	}
	if _, err := executor.New(strategy, 0); err != nil {
		return engine.CrawlRequest{}, fmt.Errorf("strategy: %w", err)
	}
	return engine.CrawlRequest{
		RootURI:  req.RootURI,
		MaxDepth: maxDepth,
		Strategy: strategy,
	}, nil
}

type submitRunRequest struct {
	RootURI  string `json:"root_uri"`
	MaxDepth int    `json:"max_depth"`
	Strategy string `json:"strategy"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
