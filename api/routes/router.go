package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ilyaizen/habistat/api/controllers"
	"github.com/ilyaizen/habistat/api/middleware"
	"github.com/ilyaizen/habistat/pkg/config"
	"github.com/ilyaizen/habistat/pkg/logger"
	"github.com/ilyaizen/habistat/pkg/metrics"
	"github.com/ilyaizen/habistat/pkg/ratelimit"
)

// Params carries everything the HTTP surface depends on. DB and Store are
// required; the rest degrade to no-ops when nil.
type Params struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       controllers.Pinger
	Redis    controllers.Pinger
	Store    controllers.SyncStore
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.SyncMetrics
	HTTP     *metrics.HTTPMetrics
	Gatherer prometheus.Gatherer
}

func NewRouter(p Params) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.Metrics(p.HTTP),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	deps := map[string]controllers.Pinger{"db": p.DB}
	if p.Redis != nil {
		deps["redis"] = p.Redis
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})

	if p.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/public", func(r chi.Router) {
		r.Get("/ping", controllers.PublicPing())
	})

	policy := middleware.RateLimitPolicy{
		Name:      "sync",
		IPLimit:   int64(cfg.RateLimit.IPLimit),
		UserLimit: int64(cfg.RateLimit.UserLimit),
	}
	limit := func(next http.Handler) http.Handler { return next }
	if p.Limiter != nil {
		limit = middleware.RateLimit(policy, p.Limiter, p.Metrics, logg)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg), limit)
		r.Get("/me", controllers.WhoAmI())
		r.Get("/sync/{kind}", controllers.SyncPull(p.Store, p.Metrics, logg))
		r.Post("/sync/{kind}", controllers.SyncPush(p.Store, p.Metrics, logg))
	})

	return r
}
