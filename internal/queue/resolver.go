package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/framequeue/internal/cache"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/kiranshivaraju/framequeue/pkg/models"
	"golang.org/x/sync/singleflight"
)

var ErrInvalidRequest = errors.New("invalid request")

const resolveTimeout = 30 * time.Second

// OutcomeKind says which branch of resolution produced an Outcome.
type OutcomeKind int

const (
	// OutcomeCached carries a stored result; no work was queued.
	OutcomeCached OutcomeKind = iota
	// OutcomeInFlight carries the live status of an existing active job.
	OutcomeInFlight
	// OutcomeAdmitted carries the job that was just queued.
	OutcomeAdmitted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCached:
		return "cached"
	case OutcomeInFlight:
		return "in_flight"
	case OutcomeAdmitted:
		return "admitted"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is the answer to a Resolve call. Exactly one of Result or Job is set.
// Outcomes may be shared between collapsed callers; treat them as read-only.
type Outcome struct {
	Kind   OutcomeKind
	Result *models.CachedResult
	Job    *models.Job
}

// Request asks for recognition of one clip or stream.
type Request struct {
	Kind    models.WorkKind
	WorkKey string
	ClipURL *string
	MatchID *string
	Params  models.Parameters
}

// Resolver decides between serving a cached result, joining an in-flight job and
// admitting new work.
type Resolver struct {
	store         store.Store
	cache         cache.Cache
	queue         *Queue
	defaultFrames int
	group         singleflight.Group
}

// NewResolver creates a Resolver. defaultFrames applies when a request leaves
// num_frames unset.
func NewResolver(st store.Store, ca cache.Cache, q *Queue, defaultFrames int) *Resolver {
	return &Resolver{store: st, cache: ca, queue: q, defaultFrames: defaultFrames}
}

// Resolve runs the request through correlation lookup, result lookup, active job
// lookup and finally admission. Force skips the lookups but never admits a second
// active job for the same work key.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Outcome, error) {
	req.WorkKey = strings.TrimSpace(req.WorkKey)
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown request type %q", ErrInvalidRequest, req.Kind)
	}
	if req.WorkKey == "" {
		return nil, fmt.Errorf("%w: work key is required", ErrInvalidRequest)
	}
	if req.MatchID != nil && strings.TrimSpace(*req.MatchID) == "" {
		req.MatchID = nil
	}
	if req.Params.NumFrames <= 0 {
		req.Params.NumFrames = r.defaultFrames
	}

	// The shared call outlives any single caller; each caller waits on its own ctx.
	ch := r.group.DoChan(requestKey(req), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()
		return r.resolve(sctx, req)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			slog.Debug("resolve collapsed", "work_key", req.WorkKey)
		}
		return res.Val.(*Outcome), nil
	}
}

// requestKey identifies requests that are interchangeable for collapsing.
func requestKey(req Request) string {
	p := req.Params
	return fmt.Sprintf("%s|%q|%q|%q|%d|%t|%t|%t",
		req.Kind, req.WorkKey, deref(req.ClipURL), deref(req.MatchID),
		p.NumFrames, p.Debug, p.Force, p.IncludeImage)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (r *Resolver) resolve(ctx context.Context, req Request) (*Outcome, error) {
	if !req.Params.Force && req.MatchID != nil {
		out, err := r.byCorrelation(ctx, *req.MatchID)
		if err != nil || out != nil {
			return out, err
		}
	}

	if !req.Params.Force {
		result, err := r.Result(ctx, store.ByWorkKey{Kind: req.Kind, Key: req.WorkKey})
		switch {
		case err == nil:
			return &Outcome{Kind: OutcomeCached, Result: result}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		job, err := r.store.FindActiveByWorkKey(ctx, req.Kind, req.WorkKey)
		switch {
		case err == nil:
			return r.inFlight(ctx, job), nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	job := &models.Job{
		Kind:    req.Kind,
		WorkKey: req.WorkKey,
		ClipURL: req.ClipURL,
		MatchID: req.MatchID,
		Params:  req.Params,
	}
	err := r.queue.Admit(ctx, job)

	var dup *store.DuplicateWorkError
	switch {
	case errors.As(err, &dup):
		slog.Info("joined active job", "request_id", dup.Existing.RequestID, "work_key", req.WorkKey, "force", req.Params.Force)
		return r.inFlight(ctx, dup.Existing), nil
	case err != nil:
		return nil, err
	}
	return &Outcome{Kind: OutcomeAdmitted, Job: job}, nil
}

// byCorrelation returns nil, nil when the match id has no usable outcome and
// resolution should carry on by work key.
func (r *Resolver) byCorrelation(ctx context.Context, matchID string) (*Outcome, error) {
	job, err := r.store.FindByCorrelationID(ctx, matchID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if job != nil && job.Status.Active() {
		return r.inFlight(ctx, job), nil
	}

	if job != nil && job.Status == models.JobStatusCompleted && job.ResultID != nil {
		result, err := r.store.GetResultByID(ctx, *job.ResultID)
		switch {
		case err == nil:
			return &Outcome{Kind: OutcomeCached, Result: result}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	// Results can outlive their queue rows.
	if job == nil {
		result, err := r.Result(ctx, store.ByCorrelationID{ID: matchID})
		switch {
		case err == nil:
			return &Outcome{Kind: OutcomeCached, Result: result}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	return nil, nil
}

func (r *Resolver) inFlight(ctx context.Context, job *models.Job) *Outcome {
	r.queue.Refresh(ctx, job)
	return &Outcome{Kind: OutcomeInFlight, Job: job}
}

// Result looks a stored result up, consulting the Redis result cache first for
// work key lookups.
func (r *Resolver) Result(ctx context.Context, l store.Lookup) (*models.CachedResult, error) {
	wk, byKey := l.(store.ByWorkKey)
	var key string
	if byKey {
		key = cache.ResultKey(models.ResultKey(wk.Kind, wk.Key))
		var cached models.CachedResult
		if found, err := cache.GetJSON(ctx, r.cache, key, &cached); err == nil && found {
			return &cached, nil
		}
	}

	result, err := store.FindResult(ctx, r.store, l)
	if err != nil {
		return nil, err
	}

	if byKey {
		if err := cache.SetJSON(ctx, r.cache, key, result, cache.ResultTTL); err != nil {
			slog.Debug("caching result failed", "result_key", result.ClipID, "error", err)
		}
	}
	return result, nil
}
