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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlqueue/internal/config"
	"github.com/JakeFAU/crawlqueue/internal/metrics"
	"github.com/JakeFAU/crawlqueue/internal/queue"
)

// Queue is the subset of queue.Manager served over HTTP.
type Queue interface {
	Add(ctx context.Context, url string) (queue.Entry, error)
	Get(ctx context.Context) (queue.Entry, error)
	End(ctx context.Context, entry queue.Entry) (queue.Entry, error)
	SetRateLimit(ctx context.Context, domain string, seconds int) error
	Stats(ctx context.Context) (queue.Stats, error)
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the queue.
type Server struct {
	router chi.Router
	queue  Queue
	cfg    config.Config
	logger *zap.Logger
}

// requestTimeout must exceed the longest Get poll budget an operator would configure.
const requestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(q Queue, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		queue:  q,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.stats)
			r.Post("/entries", s.addEntries)
			r.Post("/claim", s.claim)
			r.Post("/entries/{id}/end", s.endEntry)
		})
		r.Put("/domains/{domain}/rate-limit", s.setRateLimit)
	})

	s.router = r
	return s
}

// Handler returns the Router, wrapped for trace propagation, for use with http.Server.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "crawlqueue.api")
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type addRequest struct {
	URLs []string `json:"urls"`
}

type addResponse struct {
	Entries []queue.Entry `json:"entries"`
	Created int           `json:"created"`
}

func (s *Server) addEntries(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.URLs) == 0 {
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	}
	resp := addResponse{Entries: make([]queue.Entry, 0, len(req.URLs))}
	for _, raw := range req.URLs {
		if strings.TrimSpace(raw) == "" {
			s.writeError(w, http.StatusBadRequest, "urls must not be empty")
			return
		}
		entry, err := s.queue.Add(r.Context(), raw)
		if err != nil {
			s.writeQueueError(w, err)
			return
		}
		if entry.Created {
			resp.Created++
		}
		resp.Entries = append(resp.Entries, entry)
	}
	status := http.StatusOK
	if resp.Created > 0 {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	entry, err := s.queue.Get(r.Context())
	if errors.Is(err, queue.ErrNoWorkAvailable) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func (s *Server) endEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.queue.End(r.Context(), queue.Entry{ID: id})
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

type rateLimitRequest struct {
	Seconds *int `json:"seconds"`
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds == nil {
		s.writeError(w, http.StatusBadRequest, "seconds required")
		return
	}
	if *req.Seconds < 0 {
		s.writeError(w, http.StatusBadRequest, "seconds must be >= 0")
		return
	}
	if err := s.queue.SetRateLimit(r.Context(), domain, *req.Seconds); err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"domain": domain, "seconds": *req.Seconds})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeQueueError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrEntryNotFound):
		s.writeError(w, http.StatusNotFound, "entry not found")
	case errors.Is(err, queue.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, "queue is shut down")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		s.logger.Error("queue operation failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
