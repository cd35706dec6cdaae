// Package api exposes the detection engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/patternforge/internal/api/gateway"
	"github.com/lvonguyen/patternforge/internal/detection"
	splunk "github.com/lvonguyen/patternforge/internal/ingestion"
	"github.com/lvonguyen/patternforge/internal/mitre"
	"github.com/lvonguyen/patternforge/internal/observability"
	"github.com/lvonguyen/patternforge/internal/sink"
	"github.com/lvonguyen/patternforge/internal/telemetry/correlation"
	"github.com/lvonguyen/patternforge/internal/telemetry/normalization"
)

// Pinger reports whether a backing service is reachable.
type Pinger func(ctx context.Context) error

// Deps are the collaborators the API serves. Only Engine and Normalizer are
// required.
type Deps struct {
	Engine     *detection.Engine
	Normalizer *normalization.Normalizer
	Attack     *mitre.AttackFramework
	// Correlator groups batch alerts into chains; nil uses the defaults.
	Correlator *correlation.Correlator
	Publisher  sink.Publisher
	Hub        *sink.Hub
	HEC        *splunk.HECReceiver
	Limiter    *gateway.RateLimiter
	Metrics    *observability.Metrics
	// MetricsHandler serves /metrics when set.
	MetricsHandler http.Handler
	Tracer         trace.Tracer
	Logger         *zap.Logger
	Version        string
	// ReadyChecks run on /ready in addition to the engine check.
	ReadyChecks map[string]Pinger
	// RequestTimeout bounds each API request; 0 means 30s.
	RequestTimeout time.Duration
	// MaxBodyBytes bounds request bodies; 0 means 4MB.
	MaxBodyBytes int64
}

// Server holds the HTTP handlers.
type Server struct {
	deps     Deps
	logger   *zap.Logger
	tracer   trace.Tracer
	validate *validator.Validate
}

// NewServer creates a server over deps.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("patternforge/api")
	}
	if deps.Attack == nil {
		deps.Attack = mitre.NewAttackFramework(deps.Logger)
	}
	if deps.Correlator == nil {
		deps.Correlator = correlation.NewCorrelator(correlation.DefaultCorrelatorConfig())
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 30 * time.Second
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 4 << 20
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{
		deps:     deps,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		validate: validator.New(),
	}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Hub != nil {
			// Long-lived; no timeout or rate limit.
			r.Method(http.MethodGet, "/alerts/stream", s.deps.Hub)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.deps.RequestTimeout))
			if s.deps.Limiter != nil {
				r.Use(s.deps.Limiter.Middleware(nil, nil))
			}

			r.Post("/events", s.handleAnalyze)
			r.Post("/events/batch", s.handleAnalyzeBatch)

			r.Get("/patterns", s.handleListPatterns)
			r.Post("/patterns", s.handleAddPattern)

			r.Get("/stats", s.handleStats)
			r.Post("/stats/false-positives", s.handleFalsePositives)
			r.Get("/summary", s.handleSummary)

			r.Get("/categories", s.handleCategories)

			r.Get("/reputation/ip/{ip}", s.handleIPReputation)
			r.Get("/reputation/user/{user}", s.handleUserBehavior)
		})
	})

	// HEC-compatible endpoints (for Splunk integration)
	if s.deps.HEC != nil {
		mux := http.NewServeMux()
		s.deps.HEC.Routes(mux)
		r.Handle("/services/collector", mux)
		r.Handle("/services/collector/*", mux)
	}

	return r
}

// requestLogger logs each request and records HTTP metrics by route pattern.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)

		if s.deps.Metrics != nil {
			s.deps.Metrics.ObserveRequest(r.Method, route, status, elapsed)
		}
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
