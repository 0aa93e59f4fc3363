// Package ops exposes the operational HTTP surface: health probes, the
// Prometheus registry, governance snapshots, and task ingest.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coldbrook/crawlgate/internal/governor"
	"github.com/coldbrook/crawlgate/internal/id"
	"github.com/coldbrook/crawlgate/internal/kernel"
	"github.com/coldbrook/crawlgate/internal/memguard"
)

// Server wires HTTP handlers to the governor and the task channel.
type Server struct {
	router chi.Router
	gov    *governor.Governor
	gate   *memguard.Gate
	tasks  chan<- kernel.CrawlTask
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. tasks may be nil
// to disable HTTP ingest.
func NewServer(
	gov *governor.Governor,
	gate *memguard.Gate,
	gatherer prometheus.Gatherer,
	tasks chan<- kernel.CrawlTask,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		gov:    gov,
		gate:   gate,
		tasks:  tasks,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/domains", s.listDomains)
		r.Post("/tasks", s.submitTask)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.gate != nil && s.gate.Paused() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "paused"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listDomains(w http.ResponseWriter, _ *http.Request) {
	snaps := s.gov.Snapshots()
	writeJSON(w, http.StatusOK, map[string]any{"domains": snaps})
}

type taskRequest struct {
	URL      string  `json:"url"`
	Depth    int     `json:"depth"`
	Priority float64 `json:"priority"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "ingest disabled")
		return
	}
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := buildTask(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	select {
	case s.tasks <- task:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
	case <-r.Context().Done():
		writeError(w, http.StatusRequestTimeout, "ingest queue full")
	}
}

func buildTask(req taskRequest) (kernel.CrawlTask, error) {
	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" || !strings.HasPrefix(u.Scheme, "http") {
		return kernel.CrawlTask{}, errors.New("url must be absolute http(s)")
	}
	taskID, err := id.NewTaskID()
	if err != nil {
		return kernel.CrawlTask{}, fmt.Errorf("assign task id: %w", err)
	}
	return kernel.CrawlTask{
		ID:       taskID,
		URL:      req.URL,
		Domain:   u.Hostname(),
		Depth:    req.Depth,
		Priority: req.Priority,
	}, nil
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
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
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
					logger.Error("panic recovered", zap.Any("panic", rec))
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

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
