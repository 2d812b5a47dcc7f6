package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/api/response"
	"github.com/kiranshivaraju/framequeue/internal/queue"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

const maxFrames = 120

// Resolver defines what the submit and result handlers depend on.
type Resolver interface {
	Resolve(ctx context.Context, req queue.Request) (*queue.Outcome, error)
	Result(ctx context.Context, l store.Lookup) (*models.CachedResult, error)
}

// StatusReader defines what the polling handlers depend on.
type StatusReader interface {
	Status(ctx context.Context, requestID uuid.UUID) (*queue.Status, error)
	Stats(ctx context.Context) (store.QueueStats, error)
}

type submitRequest struct {
	ClipID       string  `json:"clip_id"`
	Username     string  `json:"username"`
	ClipURL      *string `json:"clip_url"`
	MatchID      *string `json:"match_id"`
	NumFrames    int     `json:"num_frames"`
	Debug        bool    `json:"debug"`
	Force        bool    `json:"force"`
	IncludeImage bool    `json:"include_image"`
}

type cachedResponse struct {
	Outcome string               `json:"outcome"`
	Status  models.JobStatus     `json:"status"`
	Result  *models.CachedResult `json:"result"`
}

// jobView is a job laid out like its processing_queue row.
type jobView struct {
	RequestID               uuid.UUID        `json:"request_id"`
	RequestType             models.WorkKind  `json:"request_type"`
	ClipID                  *string          `json:"clip_id"`
	StreamUsername          *string          `json:"stream_username"`
	ClipURL                 *string          `json:"clip_url"`
	MatchID                 *string          `json:"match_id"`
	NumFrames               int              `json:"num_frames"`
	Debug                   bool             `json:"debug"`
	Force                   bool             `json:"force"`
	IncludeImage            bool             `json:"include_image"`
	Status                  models.JobStatus `json:"status"`
	CreatedAt               time.Time        `json:"created_at"`
	StartedAt               *time.Time       `json:"started_at"`
	CompletedAt             *time.Time       `json:"completed_at"`
	Position                int              `json:"position"`
	EstimatedWaitSeconds    float64          `json:"estimated_wait_seconds"`
	EstimatedCompletionTime *time.Time       `json:"estimated_completion_time"`
	ResultID                *int64           `json:"result_id"`
	ErrorMessage            *string          `json:"error_message"`
}

func newJobView(j *models.Job) jobView {
	v := jobView{
		RequestID:               j.RequestID,
		RequestType:             j.Kind,
		ClipURL:                 j.ClipURL,
		MatchID:                 j.MatchID,
		NumFrames:               j.Params.NumFrames,
		Debug:                   j.Params.Debug,
		Force:                   j.Params.Force,
		IncludeImage:            j.Params.IncludeImage,
		Status:                  j.Status,
		CreatedAt:               j.CreatedAt,
		StartedAt:               j.StartedAt,
		CompletedAt:             j.CompletedAt,
		Position:                j.Position,
		EstimatedWaitSeconds:    j.EstimatedWaitSeconds,
		EstimatedCompletionTime: j.EstimatedCompletionAt,
		ResultID:                j.ResultID,
		ErrorMessage:            j.ErrorMessage,
	}
	key := j.WorkKey
	if j.Kind == models.WorkKindStream {
		v.StreamUsername = &key
	} else {
		v.ClipID = &key
	}
	return v
}

type jobResponse struct {
	Outcome string `json:"outcome"`
	jobView
}

type statusResponse struct {
	jobView
	Result   *models.CachedResult `json:"result,omitempty"`
	Degraded bool                 `json:"degraded,omitempty"`
}

// NewSubmitHandler returns the handler for POST /api/v1/clips or /api/v1/streams.
func NewSubmitHandler(res Resolver, kind models.WorkKind) http.HandlerFunc {
	keyField := "clip_id"
	if kind == models.WorkKindStream {
		keyField = "username"
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		key := req.ClipID
		if kind == models.WorkKindStream {
			key = req.Username
		}
		if strings.TrimSpace(key) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", keyField+" is required", nil)
			return
		}
		if req.NumFrames < 0 || req.NumFrames > maxFrames {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "num_frames must be between 0 and 120", nil)
			return
		}

		out, err := res.Resolve(r.Context(), queue.Request{
			Kind:    kind,
			WorkKey: key,
			ClipURL: req.ClipURL,
			MatchID: req.MatchID,
			Params: models.Parameters{
				NumFrames:    req.NumFrames,
				Debug:        req.Debug,
				Force:        req.Force,
				IncludeImage: req.IncludeImage,
			},
		})
		if err != nil {
			writeResolveError(w, err)
			return
		}

		if out.Kind == queue.OutcomeCached {
			response.JSON(w, cachedResponse{
				Outcome: out.Kind.String(),
				Status:  models.JobStatusCompleted,
				Result:  presentResult(out.Result, req.IncludeImage),
			})
			return
		}
		response.Accepted(w, jobResponse{Outcome: out.Kind.String(), jobView: newJobView(out.Job)})
	}
}

// NewJobStatusHandler returns the handler for GET /api/v1/jobs/{requestID}.
func NewJobStatusHandler(q StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "requestID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "requestID must be a UUID", nil)
			return
		}

		st, err := q.Status(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No job with that request id", nil)
			return
		case err != nil:
			response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
				"Job status is temporarily unavailable", nil)
			return
		}

		response.JSON(w, statusResponse{
			jobView:  newJobView(st.Job),
			Result:   presentResult(st.Result, st.Job.Params.IncludeImage),
			Degraded: st.Degraded,
		})
	}
}

func writeResolveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidRequest):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, store.ErrStoreUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
			"The job store is unavailable, try again shortly", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// presentResult returns a copy of result without its image reference unless
// the caller asked for it. Results may be shared between requests.
func presentResult(result *models.CachedResult, includeImage bool) *models.CachedResult {
	if result == nil || includeImage {
		return result
	}
	c := *result
	c.Results = result.Results.WithoutImage()
	return &c
}
