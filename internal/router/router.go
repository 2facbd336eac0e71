package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"greenhouse-ops/internal/config"
	"greenhouse-ops/internal/handler"
	"greenhouse-ops/internal/metrics"
	"greenhouse-ops/internal/middleware"
	"greenhouse-ops/internal/model"
)

type Handlers struct {
	Auth   *handler.AuthHandler
	User   *handler.UserHandler
	Audit  *handler.AuditHandler
	Health *handler.HealthHandler
}

func New(
	cfg *config.Config,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	m *metrics.Metrics,
	h Handlers,
) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery)
	if cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.Logging)
	r.Use(middleware.Metrics(m))
	r.Use(middleware.CORS(cfg.CORSOrigins))
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", h.Health.Health)

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(cfg.RequestTimeout))

		api.Route("/auth", func(auth chi.Router) {
			auth.Group(func(public chi.Router) {
				public.Use(rateLimitMiddleware.Handler)
				public.Post("/login", h.Auth.Login)
				public.Post("/refresh", h.Auth.Refresh)
			})

			auth.Group(func(private chi.Router) {
				private.Use(authMiddleware.RequireAuth)
				private.Use(rateLimitMiddleware.Handler)

				private.Post("/logout", h.Auth.Logout)
				private.Post("/password", h.Auth.ChangePassword)
				private.Get("/me", h.Auth.Me)
				private.Get("/sessions", h.Auth.Sessions)

				private.With(authMiddleware.RequireRoles(model.RoleAdmin)).Post("/register", h.Auth.Register)
				private.With(authMiddleware.RequireRoles(model.RoleAdmin)).Put("/users/{id}/status", h.User.SetStatus)
				private.With(authMiddleware.RequireRoles(model.RoleAdmin)).Get("/audit", h.Audit.List)
			})
		})
	})

	return r
}

// NewMetrics serves the prometheus endpoint. It is mounted on its own listener,
// never on the public API port.
func NewMetrics(m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}
