// internal/server/server.go
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/valpere/marketrunner/internal/antidetect"
	"github.com/valpere/marketrunner/internal/cache"
	"github.com/valpere/marketrunner/internal/engine"
	"github.com/valpere/marketrunner/internal/proxy"
	"github.com/valpere/marketrunner/internal/security"
	"github.com/valpere/marketrunner/internal/utils"
	"github.com/valpere/marketrunner/pkg/types"
)

var serverLogger = utils.NewComponentLogger("server")

// Backend is the runtime surface the server exposes.
type Backend interface {
	Submit(ctx context.Context, tasks []types.TaskInput) ([]types.Result, error)
	ProxyPoolStats() proxy.PoolStats
	ProxySnapshots() []proxy.Snapshot
	CacheStats() cache.Stats
	FailureStats() engine.FailureStats
	BlockingHistory() []antidetect.PatternStats
	Workers() []engine.WorkerSlot
	Events(ctx context.Context) <-chan engine.Event
}

// Options configures the server. Nil handlers disable their routes.
type Options struct {
	Addr           string
	HealthHandler  http.Handler
	MetricsHandler http.Handler
	// MaxBatch bounds the number of tasks per submit request.
	MaxBatch int
	// MaxBodyBytes bounds the submit request body.
	MaxBodyBytes int64
	// RequestsPerSecond throttles the API; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	// TargetPolicy screens submitted URLs; nil accepts any valid URL.
	TargetPolicy *security.TargetPolicy
}

const (
	defaultMaxBatch     = 1000
	defaultMaxBodyBytes = 4 << 20
)

// Server is the operational HTTP surface.
type Server struct {
	backend Backend
	opts    Options
	router  *mux.Router
	limiter *rate.Limiter
}

// New creates a server and registers its routes.
func New(backend Backend, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = defaultMaxBatch
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	s := &Server{backend: backend, opts: opts, router: mux.NewRouter()}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.recoverMiddleware, s.loggingMiddleware)

	if s.opts.HealthHandler != nil {
		r.Handle("/health", s.opts.HealthHandler).Methods(http.MethodGet)
	}
	if s.opts.MetricsHandler != nil {
		r.Handle("/metrics", s.opts.MetricsHandler).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/events", s.eventsHandler).Methods(http.MethodGet)

	limited := api.NewRoute().Subrouter()
	limited.Use(s.rateLimitMiddleware)
	limited.HandleFunc("/tasks", s.submitHandler).Methods(http.MethodPost)
	limited.HandleFunc("/stats/proxies", s.proxyStatsHandler).Methods(http.MethodGet)
	limited.HandleFunc("/stats/cache", s.cacheStatsHandler).Methods(http.MethodGet)
	limited.HandleFunc("/stats/failures", s.failureStatsHandler).Methods(http.MethodGet)
	limited.HandleFunc("/stats/blocking", s.blockingHandler).Methods(http.MethodGet)
	limited.HandleFunc("/stats/workers", s.workersHandler).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		serverLogger.Infof("listening on %s", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	serverLogger.Info("server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		serverLogger.WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": time.Since(start).String(),
		}).Debug("request served")
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				serverLogger.Errorf("panic serving %s: %v\n%s", r.URL.Path, rec, debug.Stack())
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response status. It forwards Hijack so the
// websocket upgrade still works behind the middleware.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
