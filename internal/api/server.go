// Package api exposes the HTTP interface for the catalog service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/instrument-catalog/internal/catalog"
	"github.com/JakeFAU/instrument-catalog/internal/config"
	"github.com/JakeFAU/instrument-catalog/internal/engine"
	"github.com/JakeFAU/instrument-catalog/internal/progress"
	"github.com/JakeFAU/instrument-catalog/internal/reconcile"
	"github.com/JakeFAU/instrument-catalog/internal/telemetry"
)

const (
	requestTimeout   = 60 * time.Second
	defaultRunLimit  = 50
	maxRunLimit      = 500
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Service is the slice of the engine the HTTP layer drives.
type Service interface {
	Sources() []string
	StartRun(ctx context.Context, name string, root catalog.Segment, opts engine.RunOptions) (string, error)
	ResumeRun(ctx context.Context, runID string, opts engine.RunOptions) error
	GetRunStatus(ctx context.Context, runID string) (catalog.RunRecord, error)
	CancelRun(ctx context.Context, runID string) error
	PauseRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, status *catalog.RunStatus, limit, offset int) ([]catalog.RunRecord, error)
	Entity(ctx context.Context, entityID string) (catalog.CanonicalEntity, error)
	Entities(ctx context.Context, filter catalog.EntityFilter, limit, offset int) ([]catalog.CanonicalEntity, error)
	EntityCounts(ctx context.Context) (map[string]int, error)
	Compare(ctx context.Context, naturalKey string) (reconcile.View, error)
	ArchivedPayload(ctx context.Context, path string) ([]byte, string, error)
}

// EventSource streams live progress events for one run.
type EventSource interface {
	Subscribe(runID [16]byte, buffer int) (<-chan progress.Event, func())
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the engine.
type Server struct {
	router chi.Router
	svc    Service
	events EventSource
	ready  ReadyFunc
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. events and ready
// may be nil.
func NewServer(svc Service, events EventSource, ready ReadyFunc, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		svc:    svc,
		events: events,
		ready:  ready,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		timeout := timeoutMiddleware(requestTimeout)

		r.With(timeout).Get("/sources", s.listSources)
		r.Route("/runs", func(r chi.Router) {
			r.With(timeout).Post("/", s.startRun)
			r.With(timeout).Get("/", s.listRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				// Event streams outlive the request timeout.
				r.Get("/events", s.streamRunEvents)
				r.Group(func(r chi.Router) {
					r.Use(timeout)
					r.Get("/", s.getRun)
					r.Post("/cancel", s.cancelRun)
					r.Post("/pause", s.pauseRun)
					r.Post("/resume", s.resumeRun)
				})
			})
		})
		r.Route("/entities", func(r chi.Router) {
			r.Use(timeout)
			r.Get("/", s.listEntities)
			r.Get("/{entity_id}", s.getEntity)
			r.Get("/{entity_id}/history", s.getEntityHistory)
		})
		r.With(timeout).Get("/stats", s.stats)
		r.With(timeout).Get("/compare", s.compare)
		r.With(timeout).Get("/raw", s.getRaw)
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
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.svc.Sources()})
}

// fail maps engine errors to HTTP statuses. Unexpected errors are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrUnknownSource):
		status = http.StatusBadRequest
	case errors.Is(err, catalog.ErrRunTerminal), errors.Is(err, catalog.ErrRunNotActive):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err))
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
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
				zap.String("request_id", requestID(r.Context())),
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
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

func requestID(ctx context.Context) string {
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
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
