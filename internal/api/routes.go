package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagelift/pagelift/internal/auth"
	"github.com/pagelift/pagelift/internal/middleware"
)

// RouterConfig carries everything the route table needs.
type RouterConfig struct {
	Track   *TrackHandlers
	Tests   *TestHandlers
	Funnels *FunnelHandlers
	Cohorts *CohortHandlers
	Health  *HealthHandlers

	// JWT service protecting the analyst endpoints. The tracking endpoint
	// stays public.
	JWT *auth.JWTService

	// Rate limiting for the tracking endpoint. A zero RateLimitConfig
	// falls back to the default tracking limit.
	RateLimitStore  middleware.RateLimitStore
	RateLimitConfig middleware.RateLimitConfig

	// Middleware metrics; the /metrics endpoint serves this registry.
	Metrics  *middleware.Metrics
	Registry *prometheus.Registry
}

// NewRouter builds the HTTP route table. Method and path-parameter
// matching use the standard library mux patterns.
func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	limit := cfg.RateLimitConfig
	if limit == (middleware.RateLimitConfig{}) {
		limit = middleware.DefaultTrackLimit()
	}
	rateLimited := middleware.RateLimiter(cfg.RateLimitStore, limit, middleware.IPKeyFunc(), cfg.Metrics)
	authed := auth.RequireAuth(cfg.JWT)

	mux.Handle("POST /analytics/track", rateLimited(http.HandlerFunc(cfg.Track.Track)))

	mux.Handle("GET /ab-tests/{testID}", authed(http.HandlerFunc(cfg.Tests.GetTest)))
	mux.Handle("POST /ab-tests/{testID}/declare-winner", authed(http.HandlerFunc(cfg.Tests.DeclareWinner)))
	mux.Handle("GET /analytics/funnels", authed(http.HandlerFunc(cfg.Funnels.Analyze)))
	mux.Handle("GET /analytics/cohorts", authed(http.HandlerFunc(cfg.Cohorts.Analyze)))

	mux.HandleFunc("GET /health", cfg.Health.Health)
	mux.HandleFunc("GET /ready", cfg.Health.Ready)

	if cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), ErrCodeNotFound)
			WriteError(w, ctx, http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
			return
		}
		WriteJSON(w, r.Context(), http.StatusOK, map[string]string{
			"service": "pagelift-analytics",
			"version": "0.1.0",
		})
	})

	return mux
}
