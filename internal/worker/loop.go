// Package worker runs the single execution path that drains the queue, and the
// supervisor that keeps it alive.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/cache"
	"github.com/kiranshivaraju/framequeue/internal/detector"
	"github.com/kiranshivaraju/framequeue/internal/facets"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

const finalizeTimeout = 30 * time.Second

// State is the lifecycle state of a Loop.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options tune the loop's waits.
type Options struct {
	IdleInterval    time.Duration
	BusyInterval    time.Duration
	MaxErrorBackoff time.Duration
}

// Loop processes one job at a time. It is safe to Start it again after it stopped;
// Start on a running loop is a no-op.
type Loop struct {
	store    store.Store
	cache    cache.Cache
	detector models.Detector
	opts     Options

	state     atomic.Int32
	heartbeat atomic.Int64
	wake      chan struct{}

	mu     sync.Mutex // guards cancel and done
	cancel context.CancelFunc
	done   chan struct{}

	currentMu     sync.Mutex
	current       uuid.UUID
	currentCancel context.CancelFunc

	backoff backoff.BackOff
}

// NewLoop creates a stopped Loop.
func NewLoop(st store.Store, ca cache.Cache, d models.Detector, opts Options) *Loop {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = opts.MaxErrorBackoff
	b.MaxElapsedTime = 0
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}
	b.Reset()

	return &Loop{
		store:    st,
		cache:    ca,
		detector: d,
		opts:     opts,
		wake:     make(chan struct{}, 1),
		backoff:  b,
	}
}

// State reports whether the loop goroutine is alive.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Heartbeat returns the time the loop last began an iteration.
func (l *Loop) Heartbeat() time.Time {
	ns := l.heartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Start launches the loop goroutine under ctx. Returns false if it was already running.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.State() == StateRunning {
		return false
	}
	if l.done != nil {
		<-l.done
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state.Store(int32(StateRunning))
	go l.run(runCtx, l.done)
	return true
}

// Stop cancels the loop and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Wait blocks until the current loop goroutine exits or ctx is done.
func (l *Loop) Wait(ctx context.Context) {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Wake cuts the current idle wait short. It never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Interrupt cancels the detector call for requestID if it is the one running.
func (l *Loop) Interrupt(requestID uuid.UUID) bool {
	l.currentMu.Lock()
	defer l.currentMu.Unlock()
	if l.current != requestID || l.currentCancel == nil {
		return false
	}
	l.currentCancel()
	return true
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer l.state.Store(int32(StateStopped))
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in worker loop", "error", r, "stack", string(debug.Stack()))
		}
	}()

	slog.Info("worker loop started", "detector", l.detector.Name())
	for {
		l.heartbeat.Store(time.Now().UnixNano())

		wait, wakeable := l.iterate(ctx)
		if !l.pause(ctx, wait, wakeable) {
			slog.Info("worker loop stopped")
			return
		}
	}
}

// iterate performs one step and returns how long to wait before the next.
func (l *Loop) iterate(ctx context.Context) (time.Duration, bool) {
	if _, err := l.store.GetProcessing(ctx); err == nil {
		return l.opts.BusyInterval, false
	} else if !errors.Is(err, store.ErrNotFound) {
		return l.onError(ctx, err), false
	}

	job, err := l.store.NextPending(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return l.opts.IdleInterval, true
	}
	if err != nil {
		return l.onError(ctx, err), false
	}

	if err := l.process(ctx, job); err != nil {
		return l.onError(ctx, err), false
	}
	l.backoff.Reset()
	return 0, false
}

func (l *Loop) onError(ctx context.Context, err error) time.Duration {
	switch {
	case ctx.Err() != nil:
		return 0
	case errors.Is(err, store.ErrConcurrentModification):
		slog.Warn("job changed underneath worker, moving on", "error", err)
		return 0
	default:
		next := l.backoff.NextBackOff()
		if next == backoff.Stop {
			next = l.opts.MaxErrorBackoff
		}
		slog.Error("worker iteration failed", "error", err, "retry_in", next.String())
		return next
	}
}

// pause waits for d. It returns false once ctx is done.
func (l *Loop) pause(ctx context.Context, d time.Duration, wakeable bool) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = l.wake
	}

	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

// process runs job to a terminal state.
func (l *Loop) process(ctx context.Context, job *models.Job) error {
	if job.MatchID != nil {
		joined, err := l.join(ctx, job)
		if joined || err != nil {
			return err
		}
	}

	if err := l.store.Transition(ctx, job.RequestID, models.JobStatusProcessing); err != nil {
		return err
	}
	started := time.Now().UTC()
	job.Status = models.JobStatusProcessing
	job.StartedAt = &started
	job.Position = 0
	l.recordStatus(ctx, job)

	slog.Info("job processing",
		"request_id", job.RequestID,
		"request_type", job.Kind,
		"work_key", job.WorkKey,
	)

	result, err := l.detect(ctx, job)
	elapsed := time.Since(started).Seconds()

	// Finalization must survive shutdown of the loop context.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if err == nil && !facets.Valid(result) {
		err = detector.ErrNoContent
	}
	if err != nil {
		msg := err.Error()
		if ctx.Err() != nil {
			msg = "interrupted: worker stopped: " + msg
		}
		return l.fail(fctx, job, msg)
	}

	saved := &models.CachedResult{
		ClipID:                job.ResultKey(),
		ClipURL:               job.ClipURL,
		Results:               result,
		ProcessingTimeSeconds: elapsed,
		MatchID:               job.MatchID,
		Facets:                facets.Derive(result),
	}
	var id int64
	err = l.retry(fctx, func() error {
		var serr error
		id, serr = l.store.CompleteWithResult(fctx, job.RequestID, saved)
		return serr
	})
	if errors.Is(err, store.ErrConcurrentModification) {
		slog.Warn("job finalized elsewhere, discarding result", "request_id", job.RequestID, "error", err)
		return nil
	}
	if err != nil {
		return l.fail(fctx, job, fmt.Sprintf("saving result: %v", err))
	}
	l.markCompleted(fctx, job, id)

	if err := l.cache.Delete(fctx, cache.ResultKey(job.ResultKey())); err != nil {
		slog.Warn("invalidating result cache failed", "result_key", job.ResultKey(), "error", err)
	}

	slog.Info("job completed",
		"request_id", job.RequestID,
		"result_id", id,
		"processing_time_seconds", elapsed,
	)
	return nil
}

// join completes job against a different job that already finished the same match.
func (l *Loop) join(ctx context.Context, job *models.Job) (bool, error) {
	other, err := l.store.FindCompletedByCorrelationID(ctx, *job.MatchID, job.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := l.store.Transition(ctx, job.RequestID, models.JobStatusProcessing); err != nil {
		return false, err
	}
	if err := l.complete(ctx, job, *other.ResultID); err != nil {
		return false, err
	}

	slog.Info("job joined completed match",
		"request_id", job.RequestID,
		"match_id", *job.MatchID,
		"joined_request_id", other.RequestID,
		"result_id", *other.ResultID,
	)
	return true, nil
}

func (l *Loop) detect(ctx context.Context, job *models.Job) (result models.DetectionResult, err error) {
	dctx, cancel := context.WithCancel(ctx)
	l.currentMu.Lock()
	l.current, l.currentCancel = job.RequestID, cancel
	l.currentMu.Unlock()

	defer func() {
		l.currentMu.Lock()
		l.current, l.currentCancel = uuid.Nil, nil
		l.currentMu.Unlock()
		cancel()
	}()

	defer func() {
		if r := recover(); r != nil {
			fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
			defer fcancel()
			_ = l.fail(fctx, job, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	req := models.DetectionRequest{
		RequestID: job.RequestID.String(),
		Kind:      job.Kind,
		WorkKey:   job.WorkKey,
		Params:    job.Params,
	}
	if job.ClipURL != nil {
		req.ClipURL = *job.ClipURL
	}
	return l.detector.Detect(dctx, req)
}

func (l *Loop) complete(ctx context.Context, job *models.Job, resultID int64) error {
	err := l.retry(ctx, func() error {
		return l.store.Transition(ctx, job.RequestID, models.JobStatusCompleted, store.WithResultID(resultID))
	})
	if err != nil {
		return err
	}
	l.markCompleted(ctx, job, resultID)
	return nil
}

func (l *Loop) markCompleted(ctx context.Context, job *models.Job, resultID int64) {
	now := time.Now().UTC()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.ResultID = &resultID
	job.Position = 0
	l.recordStatus(ctx, job)
}

// fail records msg on job. A job that was reclaimed meanwhile is left as it is.
func (l *Loop) fail(ctx context.Context, job *models.Job, msg string) error {
	err := l.retry(ctx, func() error {
		return l.store.Transition(ctx, job.RequestID, models.JobStatusFailed, store.WithErrorMessage(msg))
	})
	if errors.Is(err, store.ErrConcurrentModification) {
		slog.Warn("job already finalized", "request_id", job.RequestID, "error", msg)
		return nil
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now
	job.ErrorMessage = &msg
	job.Position = 0
	l.recordStatus(ctx, job)

	slog.Warn("job failed", "request_id", job.RequestID, "work_key", job.WorkKey, "error", msg)
	return nil
}

// retry repeats op while the store is unavailable, bounded by ctx.
func (l *Loop) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = l.opts.MaxErrorBackoff
	b.MaxElapsedTime = 0
	if b.InitialInterval > b.MaxInterval {
		b.InitialInterval = b.MaxInterval
	}

	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.Is(err, store.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

func (l *Loop) recordStatus(ctx context.Context, job *models.Job) {
	if err := cache.StoreJob(ctx, l.cache, job); err != nil {
		slog.Debug("caching job status failed", "request_id", job.RequestID, "error", err)
	}
}
