package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/tileflow/internal/api/middleware"
	"github.com/kiranshivaraju/tileflow/internal/api/response"
	"github.com/kiranshivaraju/tileflow/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	SubmitImage   http.HandlerFunc
	GetImage      http.HandlerFunc
	ListRegions   http.HandlerFunc
	ListTiles     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.With(deps.Auth.RequireScope(models.ScopeSubmit)).
			Post("/api/v1/images", orNotImplemented(deps.SubmitImage))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/images/{imageID}", orNotImplemented(deps.GetImage))
			r.Get("/api/v1/images/{imageID}/regions", orNotImplemented(deps.ListRegions))
			r.Get("/api/v1/images/{imageID}/regions/{regionID}/tiles", orNotImplemented(deps.ListTiles))
		})
	})

	return otelhttp.NewHandler(r, "tileflow.api")
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
