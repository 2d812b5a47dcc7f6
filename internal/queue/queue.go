// Package queue admits recognition work and resolves requests against cached results.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/cache"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

// Waker is notified after every admission so an idle worker can start immediately.
type Waker interface {
	Wake()
}

// Options tune admission estimates.
type Options struct {
	ClipFallback   float64
	StreamFallback float64
	AverageWindow  int
}

// DefaultOptions returns the estimates used when nothing is configured.
func DefaultOptions() Options {
	return Options{ClipFallback: 15, StreamFallback: 25, AverageWindow: 20}
}

// Status is a point-in-time view of a job. Result is set once the job completed.
type Status struct {
	Job      *models.Job          `json:"job"`
	Result   *models.CachedResult `json:"result,omitempty"`
	Degraded bool                 `json:"degraded,omitempty"`
}

// Queue is the ordered admission path in front of the store.
type Queue struct {
	store store.Store
	cache cache.Cache
	waker Waker
	opts  Options
	now   func() time.Time
}

// New creates a Queue. waker may be nil.
func New(st store.Store, ca cache.Cache, waker Waker, opts Options) *Queue {
	return &Queue{
		store: st,
		cache: ca,
		waker: waker,
		opts:  opts,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Admit enqueues job as pending and wakes the worker. A *store.DuplicateWorkError
// is returned unchanged when the work key is already held.
func (q *Queue) Admit(ctx context.Context, job *models.Job) error {
	avg := q.AverageProcessingTime(ctx, job.Kind)

	if err := q.store.Enqueue(ctx, job, avg); err != nil {
		return err
	}

	if err := cache.StoreJob(ctx, q.cache, job); err != nil {
		slog.Warn("caching job status failed", "request_id", job.RequestID, "error", err)
	}

	slog.Info("job admitted",
		"request_id", job.RequestID,
		"request_type", job.Kind,
		"work_key", job.WorkKey,
		"position", job.Position,
		"estimated_wait_seconds", job.EstimatedWaitSeconds,
	)

	if q.waker != nil {
		q.waker.Wake()
	}
	return nil
}

// AverageProcessingTime is the mean run time of recent completed jobs of kind, or
// the per-kind fallback when there is no history or the store cannot answer.
func (q *Queue) AverageProcessingTime(ctx context.Context, kind models.WorkKind) float64 {
	key := cache.AverageKey(string(kind))

	var cached float64
	if found, err := cache.GetJSON(ctx, q.cache, key, &cached); err == nil && found {
		return cached
	}

	avg, ok, err := q.store.AverageProcessingTime(ctx, kind, q.opts.AverageWindow)
	if err != nil {
		slog.Warn("average processing time unavailable, using fallback", "request_type", kind, "error", err)
		return q.fallback(kind)
	}
	if !ok {
		avg = q.fallback(kind)
	}

	if err := cache.SetJSON(ctx, q.cache, key, avg, cache.AverageTTL); err != nil {
		slog.Debug("caching average failed", "request_type", kind, "error", err)
	}
	return avg
}

func (q *Queue) fallback(kind models.WorkKind) float64 {
	if kind == models.WorkKindStream {
		return q.opts.StreamFallback
	}
	return q.opts.ClipFallback
}

// Refresh recomputes the wait estimate of an active job from its current position.
// Pending jobs wait position*avg; a processing job waits whatever remains of avg.
func (q *Queue) Refresh(ctx context.Context, job *models.Job) {
	if !job.Status.Active() {
		return
	}
	avg := q.AverageProcessingTime(ctx, job.Kind)
	now := q.now()

	var wait float64
	switch job.Status {
	case models.JobStatusPending:
		wait = float64(job.Position) * avg
	case models.JobStatusProcessing:
		started := job.CreatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		wait = math.Max(0, avg-now.Sub(started).Seconds())
	}
	eta := now.Add(time.Duration(wait * float64(time.Second)))
	job.EstimatedWaitSeconds = math.Round(wait*10) / 10
	job.EstimatedCompletionAt = &eta
}

// Status returns the live state of requestID. When the store is unavailable the
// last cached snapshot is returned with Degraded set.
func (q *Queue) Status(ctx context.Context, requestID uuid.UUID) (*Status, error) {
	job, err := q.store.GetByRequestID(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		cached, found, cerr := cache.LoadJob(ctx, q.cache, requestID)
		if cerr != nil || !found {
			return nil, fmt.Errorf("job status: %w", err)
		}
		slog.Warn("serving cached job status", "request_id", requestID, "error", err)
		return &Status{Job: cached, Degraded: true}, nil
	}

	st := &Status{Job: job}
	switch {
	case job.Status.Active():
		q.Refresh(ctx, job)
	case job.Status == models.JobStatusCompleted && job.ResultID != nil:
		result, err := q.store.GetResultByID(ctx, *job.ResultID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("job result: %w", err)
		}
		st.Result = result
	}

	if err := cache.StoreJob(ctx, q.cache, job); err != nil {
		slog.Debug("caching job status failed", "request_id", job.RequestID, "error", err)
	}
	return st, nil
}

// Stats reports queue depth by status.
func (q *Queue) Stats(ctx context.Context) (store.QueueStats, error) {
	return q.store.Stats(ctx)
}
