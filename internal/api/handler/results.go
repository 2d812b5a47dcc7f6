package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/framequeue/internal/api/response"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

// NewResultHandler returns the handler for GET /api/v1/results/{clipID}.
// ?type=stream looks the key up as a stream username.
func NewResultHandler(res Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := models.WorkKindClip
		if t := r.URL.Query().Get("type"); t != "" {
			kind = models.WorkKind(t)
			if !kind.Valid() {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "type must be clip or stream", nil)
				return
			}
		}
		writeLookup(w, r, res, store.ByWorkKey{Kind: kind, Key: chi.URLParam(r, "clipID")})
	}
}

// NewMatchResultHandler returns the handler for GET /api/v1/matches/{matchID}/result.
func NewMatchResultHandler(res Resolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeLookup(w, r, res, store.ByCorrelationID{ID: chi.URLParam(r, "matchID")})
	}
}

func writeLookup(w http.ResponseWriter, r *http.Request, res Resolver, l store.Lookup) {
	includeImage, _ := strconv.ParseBool(r.URL.Query().Get("include_image"))

	result, err := res.Result(r.Context(), l)
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RESULT_NOT_FOUND", "No stored result", nil)
	case err != nil:
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
			"Results are temporarily unavailable", nil)
	default:
		response.JSON(w, presentResult(result, includeImage))
	}
}
