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

	"github.com/JakeFAU/scrapegate/internal/config"
	"github.com/JakeFAU/scrapegate/internal/metrics"
	"github.com/JakeFAU/scrapegate/internal/resilience"
	"github.com/JakeFAU/scrapegate/internal/scrape"
)

const defaultRequestTimeout = 60 * time.Second

// Submitter accepts scrape requests for asynchronous execution.
type Submitter interface {
	Submit(ctx context.Context, req scrape.Request) (scrape.Task, error)
}

// Server wires HTTP handlers to the dispatcher, task store and engine.
type Server struct {
	router    chi.Router
	submitter Submitter
	store     scrape.TaskStore
	engine    *resilience.Engine
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. engine may be nil
// for API-only processes; the engine routes then answer 404.
func NewServer(
	submitter Submitter,
	store scrape.TaskStore,
	engine *resilience.Engine,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		submitter: submitter,
		store:     store,
		engine:    engine,
		cfg:       cfg,
		logger:    logger,
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey, s.logger))
		}
		r.Route("/scrapes", func(r chi.Router) {
			r.Post("/", s.submitScrape)
			r.Get("/{task_id}", s.getScrape)
		})
		r.Route("/engine", func(r chi.Router) {
			r.Get("/stats", s.engineStats)
			r.Post("/stats/reset", s.resetEngineStats)
			r.Get("/domains", s.engineDomains)
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
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitResponse struct {
	TaskID string            `json:"task_id"`
	Status scrape.TaskStatus `json:"status"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrape.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.submitter.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, submitStatus(err), err.Error())
		return
	}
	w.Header().Set("Location", "/v1/scrapes/"+task.ID)
	s.writeJSON(w, http.StatusAccepted, submitResponse{TaskID: task.ID, Status: task.Status})
}

func submitStatus(err error) int {
	switch {
	case resilience.KindOf(err) == resilience.KindValidation:
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, scrape.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type scrapeResponse struct {
	Task   scrape.Task    `json:"task"`
	Result *scrape.Result `json:"result,omitempty"`
}

func (s *Server) getScrape(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, scrape.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.logger.Error("get task failed", zap.String("task_id", taskID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	resp := scrapeResponse{Task: task}
	if task.Status == scrape.TaskStatusSucceeded {
		result, err := s.store.GetResult(r.Context(), taskID)
		switch {
		case err == nil:
			resp.Result = &result
		case !errors.Is(err, scrape.ErrTaskNotFound):
			s.logger.Error("get result failed", zap.String("task_id", taskID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to load result")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) engineStats(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusNotFound, "engine not running in this process")
		return
	}
	s.writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) resetEngineStats(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusNotFound, "engine not running in this process")
		return
	}
	s.engine.ResetStats()
	s.logger.Info("engine stats reset")
	w.WriteHeader(http.StatusNoContent)
}

type domainsResponse struct {
	Domains []resilience.DomainSnapshot `json:"domains"`
}

func (s *Server) engineDomains(w http.ResponseWriter, _ *http.Request) {
	if s.engine == nil {
		s.writeError(w, http.StatusNotFound, "engine not running in this process")
		return
	}
	s.writeJSON(w, http.StatusOK, domainsResponse{Domains: s.engine.Domains()})
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the server middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
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
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
				)
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

func apiKeyMiddleware(expected string, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg}, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
