package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/framequeue/internal/api/middleware"
	"github.com/kiranshivaraju/framequeue/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler       http.HandlerFunc
	SubmitClipHandler   http.HandlerFunc
	SubmitStreamHandler http.HandlerFunc
	JobStatusHandler    http.HandlerFunc
	ResultHandler       http.HandlerFunc
	MatchResultHandler  http.HandlerFunc
	QueueHandler        http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "ROUTE_NOT_FOUND", "No such endpoint", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		if deps.Auth != nil {
			r.Use(deps.Auth.Authenticate)
		}
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/api/v1/clips", orNotImplemented(deps.SubmitClipHandler))
		r.Post("/api/v1/streams", orNotImplemented(deps.SubmitStreamHandler))
		r.Get("/api/v1/jobs/{requestID}", orNotImplemented(deps.JobStatusHandler))

		r.Get("/api/v1/results/{clipID}", orNotImplemented(deps.ResultHandler))
		r.Get("/api/v1/matches/{matchID}/result", orNotImplemented(deps.MatchResultHandler))

		r.Get("/api/v1/queue", orNotImplemented(deps.QueueHandler))
	})

	return r
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
