package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// NewRouter builds and returns the Chi router with all routes configured.
// Public lookups need no auth; premium, cache and query log routes require
// the bearer token, and per-user routes additionally an X-User-ID header.
// Rate limiting is applied globally: 60 requests per minute per IP.
func NewRouter(handlers *Handlers, token string, db, redis pinger, log *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(Tracing)
	r.Use(httprate.LimitByIP(60, time.Minute))

	r.Get("/api/v1/health", HealthHandlerFunc(db, redis, log))

	r.Get("/api/v1/weather", handlers.GetWeather)
	r.Get("/api/v1/weather/cities/{city}", handlers.GetCityWeather)
	r.Get("/api/v1/weather/featured", handlers.GetFeatured)
	r.Post("/api/v1/weather/multiple", handlers.PostMultiple)
	r.Get("/api/v1/weather/forecast", handlers.GetForecast)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(token))
		r.Delete("/api/v1/weather/cache/{city}", handlers.DeleteCache)
		r.Get("/api/v1/weather/queries", handlers.GetRecentQueries)

		r.Group(func(r chi.Router) {
			r.Use(RequireCallerID)
			r.Get("/api/v1/weather/premium", handlers.GetPremium)
			r.Get("/api/v1/weather/queries/mine", handlers.GetMyQueries)
		})
	})

	return r
}

// Ensure chi.Mux implements http.Handler.
var _ http.Handler = (*chi.Mux)(nil)
