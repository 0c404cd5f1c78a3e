// Package api exposes the HTTP interface for the event extraction service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/metrics"
	"github.com/JakeFAU/event-scraper/internal/orgs"
	"github.com/JakeFAU/event-scraper/internal/pipeline"
	"github.com/JakeFAU/event-scraper/internal/scraper"
)

// Defaults applied to zero Options.
const (
	DefaultService        = "event-scraper"
	DefaultRequestTimeout = 120 * time.Second
	// maxBodyBytes leaves room for a base64 flyer.
	maxBodyBytes = 16 << 20
)

// TaskRunner accepts async tasks and reports their state.
type TaskRunner interface {
	Submit(ctx context.Context, task scraper.Task) (scraper.Task, error)
	Get(ctx context.Context, requestID string) (scraper.Task, error)
	ActiveCount() int
	QueueLength() int
	StatusCounts() map[scraper.TaskStatus]int
}

// OrgResolver resolves org profiles and their extractors.
type OrgResolver interface {
	Resolve(ctx context.Context, orgID string) (orgs.Profile, error)
	Profiles() ([]scraper.OrgProfile, error)
}

// Options tune the server.
type Options struct {
	Service        string
	Version        string
	APIKey         string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the task runner and the sync pipeline.
type Server struct {
	router   chi.Router
	tasks    TaskRunner
	orgs     OrgResolver
	pipeline *pipeline.Pipeline
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tasks TaskRunner, resolver OrgResolver, pipe *pipeline.Pipeline, opts Options) *Server {
	if opts.Service == "" {
		opts.Service = DefaultService
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:    tasks,
		orgs:     resolver,
		pipeline: pipe,
		opts:     opts,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/health", s.health)
		r.Post("/parse", s.submitExtraction)
		r.Post("/scrape", s.extractSync)

		r.Route("/v1", func(r chi.Router) {
			r.Route("/events", func(r chi.Router) {
				r.Post("/extract", s.submitExtraction)
				r.Post("/extract/sync", s.extractSync)
				r.Post("/image", s.extractImage)
			})
			r.Get("/tasks/{request_id}", s.getTask)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.orgs.Profiles(); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "org configuration unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type orgSummary struct {
	Name        string `json:"name"`
	LLMProvider string `json:"llm_provider"`
}

type healthResponse struct {
	Status      string                `json:"status"`
	Service     string                `json:"service"`
	Version     string                `json:"version"`
	ActiveTasks int                   `json:"active_tasks"`
	QueuedTasks int                   `json:"queued_tasks"`
	TaskCounts  map[string]int        `json:"task_counts,omitempty"`
	Orgs        map[string]orgSummary `json:"orgs"`
}

// health reports liveness plus the configured orgs. Credentials never leave
// the resolver: only names and provider kinds are listed.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		Service:     s.opts.Service,
		Version:     s.opts.Version,
		ActiveTasks: s.tasks.ActiveCount(),
		QueuedTasks: s.tasks.QueueLength(),
		Orgs:        map[string]orgSummary{},
	}
	if counts := s.tasks.StatusCounts(); len(counts) > 0 {
		resp.TaskCounts = make(map[string]int, len(counts))
		for status, n := range counts {
			resp.TaskCounts[string(status)] = n
		}
	}
	profiles, err := s.orgs.Profiles()
	if err != nil {
		s.logger.Error("list org profiles", zap.Error(err))
		resp.Status = "degraded"
	}
	for _, p := range profiles {
		resp.Orgs[p.ID] = orgSummary{Name: p.Name, LLMProvider: p.LLM.Provider}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	task, err := s.tasks.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, scraper.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("http_request_id", requestIDFrom(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

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

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSONTo(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, zap.NewNop())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONTo(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONTo(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSONTo(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
