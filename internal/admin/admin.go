// Package admin provides the optional observability HTTP surface
// (SPEC_FULL.md supplemented features): health, Prometheus metrics,
// and a debug listing of configured upstream tags. Adapted from the
// teacher's internal/api/server.go middleware stack (chi, tollbooth,
// Prometheus) with the DNS-lookup/task-queue endpoints replaced by
// read-only introspection for a query-routing front-end; off by
// default unless an admin address is configured.
package admin

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RateLimit configures the tollbooth limiter in front of the admin
// surface. RequestsPerSecond of 0 disables rate limiting entirely,
// the same convention the teacher's api.Server used.
type RateLimit struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Server wraps a chi router exposing read-only operational endpoints.
type Server struct {
	router *chi.Mux
}

// RouteLister reports the upstream tags currently registered, for
// /debug/routes.
type RouteLister interface {
	Tags() []string
}

// NewServer configures the middleware stack and routes. registry may
// be nil, in which case /metrics serves the Prometheus default registry.
func NewServer(rl RateLimit, registry *prometheus.Registry, routes RouteLister) *Server {
	s := &Server{router: chi.NewRouter()}

	if rl.RequestsPerSecond > 0 {
		lmt := tollbooth.NewLimiter(rl.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: 10 * time.Minute})
		lmt.SetBurst(rl.BurstSize)
		ipSource := os.Getenv("RATE_LIMIT_IP_SOURCE")
		if ipSource == "" {
			ipSource = "RemoteAddr"
		}
		lmt.SetIPLookup(limiter.IPLookup{Name: ipSource, IndexFromRight: 0})
		lmt.SetMessage(`{"error":"rate limit exceeded"}`)
		lmt.SetMessageContentType("application/json")
		s.router.Use(func(next http.Handler) http.Handler {
			return tollbooth.HTTPMiddleware(lmt)(next)
		})
	}

	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)

	s.router.Get("/healthz", handleHealthz)
	s.router.Head("/healthz", handleHealthz)

	if registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	} else {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Get("/debug/routes", handleDebugRoutes(routes))

	return s
}

// Router exposes the chi.Mux for testing.
func (s *Server) Router() http.Handler { return s.router }

// Run starts the HTTP server on addr, blocking until it stops.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleDebugRoutes(routes RouteLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if routes == nil {
			respondJSON(w, http.StatusOK, map[string][]string{"upstreams": {}})
			return
		}
		respondJSON(w, http.StatusOK, map[string][]string{"upstreams": routes.Tags()})
	}
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
