package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	mw "github.com/kiranshivaraju/bubblemon/internal/api/middleware"
	"github.com/kiranshivaraju/bubblemon/internal/api/response"
)

// IngestPath is where SDKs post bubble batches. The root path is accepted too.
const IngestPath = "/v1/bubbles"

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	SignatureAuth *mw.SignatureAuth
	Auth          *mw.Auth
	RateLimit     *mw.RateLimit

	IngestHandler  http.HandlerFunc
	HealthHandler  http.HandlerFunc
	ListGroups     http.HandlerFunc
	GetGroup       http.HandlerFunc
	MetricsHandler http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Ingest: browsers post here cross-origin.
	r.Group(func(r chi.Router) {
		r.Use(ingestCORS().Handler)

		r.Options(IngestPath, noContent)
		r.Options("/", noContent)

		r.Group(func(r chi.Router) {
			r.Use(deps.SignatureAuth.Verify)
			r.Use(deps.RateLimit.Limit)

			r.Post(IngestPath, orNotImplemented(deps.IngestHandler))
			r.Post("/", orNotImplemented(deps.IngestHandler))
		})
	})

	// Dashboard read API.
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/groups", orNotImplemented(deps.ListGroups))
		r.Get("/api/v1/groups/{groupID}", orNotImplemented(deps.GetGroup))
	})

	return r
}

func ingestCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:       []string{"*"},
		AllowedMethods:       []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Content-Type", mw.KeyHeader, mw.SignatureHeader, "X-N8N-Key"},
		OptionsSuccessStatus: http.StatusNoContent,
	})
}

// noContent answers OPTIONS requests that are not CORS preflights.
func noContent(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-BM-Key, X-BM-Signature, X-N8N-Key")
	w.WriteHeader(http.StatusNoContent)
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
