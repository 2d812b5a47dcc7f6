package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/cache"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/robfig/cron/v3"
)

// Controller is the part of Loop the supervisor drives.
type Controller interface {
	State() State
	Start(ctx context.Context) bool
	Interrupt(requestID uuid.UUID) bool
}

// Report describes what one supervisor check did.
type Report struct {
	Restarted bool        `json:"restarted"`
	Reclaimed []uuid.UUID `json:"reclaimed"`
	Compacted int         `json:"compacted"`
}

// Supervisor periodically restarts a dead loop, reclaims stuck jobs and compacts
// pending positions. loop may be nil for one-off maintenance runs.
type Supervisor struct {
	loop         Controller
	store        store.Store
	cache        cache.Cache
	stuckTimeout time.Duration
	schedule     string
}

// NewSupervisor creates a Supervisor. schedule is a cron expression such as "@every 30s".
func NewSupervisor(loop Controller, st store.Store, ca cache.Cache, stuckTimeout time.Duration, schedule string) *Supervisor {
	return &Supervisor{
		loop:         loop,
		store:        st,
		cache:        ca,
		stuckTimeout: stuckTimeout,
		schedule:     schedule,
	}
}

// Check runs one supervisory pass. A restarted loop runs under ctx.
func (s *Supervisor) Check(ctx context.Context) (Report, error) {
	var report Report
	var errs []error

	if s.restart(ctx) {
		report.Restarted = true
		slog.Warn("worker loop was not running, restarted")
	}

	reclaimed, err := s.store.ReapStuck(ctx, s.stuckTimeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaiming stuck jobs: %w", err))
	}
	report.Reclaimed = reclaimed
	for _, id := range reclaimed {
		interrupted := s.loop != nil && s.loop.Interrupt(id)
		slog.Warn("reclaimed stuck job", "request_id", id, "interrupted", interrupted, "stuck_timeout", s.stuckTimeout.String())
		if job, err := s.store.GetByRequestID(ctx, id); err == nil && s.cache != nil {
			if err := cache.StoreJob(ctx, s.cache, job); err != nil {
				slog.Debug("caching job status failed", "request_id", id, "error", err)
			}
		}
	}

	compacted, err := s.store.CompactPositions(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("compacting positions: %w", err))
	}
	report.Compacted = compacted
	if compacted > 0 {
		slog.Info("compacted pending positions", "moved", compacted)
	}

	if len(reclaimed) > 0 && s.restart(ctx) {
		report.Restarted = true
	}

	return report, errors.Join(errs...)
}

func (s *Supervisor) restart(ctx context.Context) bool {
	if s.loop == nil || s.loop.State() == StateRunning {
		return false
	}
	return s.loop.Start(ctx)
}

// Run checks on the configured schedule until ctx is done. Overlapping ticks are skipped.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(s.schedule, func() {
		if _, err := s.Check(ctx); err != nil {
			slog.Error("supervisor check failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling supervisor %q: %w", s.schedule, err)
	}

	slog.Info("supervisor started", "schedule", s.schedule, "stuck_timeout", s.stuckTimeout.String())
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("supervisor stopped")
	return nil
}

// cronLogger sends the scheduler's own logging through slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
