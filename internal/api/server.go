// Package api exposes the pattern library, matcher, discovery and execution
// runner over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taku10101/playwright-secretary/internal/discovery"
	"github.com/taku10101/playwright-secretary/internal/engine"
	"github.com/taku10101/playwright-secretary/internal/history"
	"github.com/taku10101/playwright-secretary/internal/idempotency"
	"github.com/taku10101/playwright-secretary/internal/library"
	"github.com/taku10101/playwright-secretary/internal/matcher"
	"github.com/taku10101/playwright-secretary/internal/metrics"
	"github.com/taku10101/playwright-secretary/internal/pattern"
	"github.com/taku10101/playwright-secretary/internal/pool"
	"github.com/taku10101/playwright-secretary/pkg/httpx"
)

// Executions is the part of the runner the API drives.
type Executions interface {
	Submit(ctx context.Context, ref pattern.Ref, req engine.Request) (history.Execution, error)
	ExecutePattern(ctx context.Context, ref pattern.Ref, req engine.Request) (history.Execution, error)
	Cancel(ctx context.Context, id string) (history.Execution, error)
}

type Pages interface {
	Acquire(ctx context.Context) (pool.Lease, error)
	Release(lease pool.Lease, healthy bool)
	List() []pool.Slot
}

type Dependencies struct {
	Library     *library.Library
	Matcher     *matcher.Matcher
	Discoverer  *discovery.Discoverer
	Runner      Executions
	History     history.Store
	Pages       Pages
	Idempotency *idempotency.Guard
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// Artifacts serves stored screenshots under ArtifactBaseURL.
	Artifacts       http.Handler
	ArtifactBaseURL string
}

type Config struct {
	APIKey             string
	RateLimitPerMinute int
	// DiscoverTimeout bounds page loads made by /v1/discover.
	DiscoverTimeout time.Duration
}

type Server struct {
	deps        Dependencies
	cfg         Config
	logger      *zap.Logger
	rateLimiter *fixedWindowLimiter
}

func NewServer(deps Dependencies, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DiscoverTimeout <= 0 {
		cfg.DiscoverTimeout = 30 * time.Second
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if strings.TrimSpace(deps.ArtifactBaseURL) == "" {
		deps.ArtifactBaseURL = "/artifacts"
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}
	if cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = newFixedWindowLimiter(cfg.RateLimitPerMinute, time.Minute)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/v1/patterns", s.handlePatterns)
	mux.HandleFunc("/v1/patterns/", s.handlePatternPath)
	mux.HandleFunc("/v1/match", s.handleMatch)
	mux.HandleFunc("/v1/executions", s.handleExecutions)
	mux.HandleFunc("/v1/executions/", s.handleExecutionByID)
	mux.HandleFunc("/v1/discover", s.handleDiscover)
	mux.HandleFunc("/v1/stats", s.handleStats)
	if s.deps.Artifacts != nil && strings.HasPrefix(s.deps.ArtifactBaseURL, "/") {
		mux.Handle(s.deps.ArtifactBaseURL+"/", s.deps.Artifacts)
	}

	return s.instrument(s.withAPISecurity(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(rec, r)
		route := routeLabel(r.URL.Path)
		s.deps.Metrics.ObserveHTTP(route, rec.status)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)),
		)
	})
}

// routeLabel keeps metric cardinality bounded by dropping identifiers.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 0 || parts[0] == "":
		return "/"
	case parts[0] != "v1":
		return "/" + parts[0]
	case len(parts) == 1:
		return "/v1"
	}
	label := "/v1/" + parts[1]
	switch {
	case len(parts) == 3 && parts[1] == "patterns":
		return label + "/" + parts[2]
	case len(parts) >= 4 && parts[1] == "patterns":
		return label + "/{service}/{id}"
	case len(parts) == 3 && parts[1] == "executions":
		return label + "/{id}"
	case len(parts) >= 4 && parts[1] == "executions":
		return label + "/{id}/" + parts[3]
	}
	return label
}
