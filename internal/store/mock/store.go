// Package mock provides an in-memory store.Store for tests and local development.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/internal/store"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

// Store keeps jobs and results in maps behind a single mutex. Its semantics follow
// PostgresStore: positions, renumbering and the active work key guard all match.
//
// Set Err to make every call fail with it, e.g. store.ErrStoreUnavailable.
type Store struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*models.Job
	order   []uuid.UUID
	results map[string]*models.CachedResult
	nextID  int64

	Err error
	// Now overrides the clock when set.
	Now func() time.Time
	// OnTransition is called after every successful transition, outside the lock.
	OnTransition func(requestID uuid.UUID, to models.JobStatus)
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:    make(map[uuid.UUID]*models.Job),
		results: make(map[string]*models.CachedResult),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Store) fail() error {
	if s.Err != nil {
		return s.Err
	}
	return nil
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail()
}

func (s *Store) Enqueue(_ context.Context, job *models.Job, secondsPerJob float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}

	if existing := s.activeLocked(job.Kind, job.WorkKey); existing != nil {
		return &store.DuplicateWorkError{Existing: copyJob(existing)}
	}

	if job.RequestID == uuid.Nil {
		job.RequestID = uuid.New()
	}
	now := s.now()
	pending := 0
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending {
			pending++
		}
	}
	job.Status = models.JobStatusPending
	job.Position = pending + 1
	job.EstimatedWaitSeconds = float64(job.Position) * secondsPerJob
	eta := now.Add(time.Duration(job.EstimatedWaitSeconds * float64(time.Second)))
	job.EstimatedCompletionAt = &eta
	job.CreatedAt = now

	s.jobs[job.RequestID] = copyJob(job)
	s.order = append(s.order, job.RequestID)
	return nil
}

func (s *Store) NextPending(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var best *models.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != models.JobStatusPending {
			continue
		}
		if best == nil || j.Position < best.Position {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copyJob(best), nil
}

func (s *Store) GetProcessing(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	for _, id := range s.order {
		if j := s.jobs[id]; j.Status == models.JobStatusProcessing {
			return copyJob(j), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Transition(_ context.Context, requestID uuid.UUID, to models.JobStatus, opts ...store.TransitionOption) error {
	s.mu.Lock()
	if err := s.fail(); err != nil {
		s.mu.Unlock()
		return err
	}
	j, ok := s.jobs[requestID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", store.ErrConcurrentModification, j.Status, to)
	}

	resultID, errMsg := store.ResolveTransitionOptions(opts)

	now := s.now()
	vacated := j.Position
	switch to {
	case models.JobStatusProcessing:
		for _, other := range s.jobs {
			if other.Status == models.JobStatusProcessing {
				s.mu.Unlock()
				return fmt.Errorf("%w: another job is processing", store.ErrConcurrentModification)
			}
		}
		j.StartedAt = &now
	default:
		j.CompletedAt = &now
		if resultID != nil {
			j.ResultID = resultID
		}
		if errMsg != nil {
			j.ErrorMessage = errMsg
		}
	}
	j.Status = to
	j.Position = 0
	s.closeGapLocked(vacated)
	hook := s.OnTransition
	s.mu.Unlock()

	if hook != nil {
		hook(requestID, to)
	}
	return nil
}

func (s *Store) GetByRequestID(_ context.Context, requestID uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[requestID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) FindActiveByWorkKey(_ context.Context, kind models.WorkKind, workKey string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	if j := s.activeLocked(kind, workKey); j != nil {
		return copyJob(j), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindByCorrelationID(_ context.Context, matchID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	rank := map[models.JobStatus]int{
		models.JobStatusCompleted:  0,
		models.JobStatusProcessing: 1,
		models.JobStatusPending:    2,
		models.JobStatusFailed:     3,
	}
	var best *models.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.MatchID == nil || *j.MatchID != matchID {
			continue
		}
		// Later entries in order win ties, matching created_at DESC.
		if best == nil || rank[j.Status] <= rank[best.Status] {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copyJob(best), nil
}

func (s *Store) FindCompletedByCorrelationID(_ context.Context, matchID string, exclude uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var best *models.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if id == exclude || j.MatchID == nil || *j.MatchID != matchID {
			continue
		}
		if j.Status != models.JobStatusCompleted || j.ResultID == nil {
			continue
		}
		if best == nil || j.CompletedAt.After(*best.CompletedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return copyJob(best), nil
}

func (s *Store) SaveResult(_ context.Context, result *models.CachedResult) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	return s.saveResultLocked(result), nil
}

func (s *Store) CompleteWithResult(_ context.Context, requestID uuid.UUID, result *models.CachedResult) (int64, error) {
	s.mu.Lock()
	if err := s.fail(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	j, ok := s.jobs[requestID]
	if !ok {
		s.mu.Unlock()
		return 0, store.ErrNotFound
	}
	if j.Status != models.JobStatusProcessing {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s -> %s", store.ErrConcurrentModification, j.Status, models.JobStatusCompleted)
	}

	id := s.saveResultLocked(result)
	now := s.now()
	j.Status = models.JobStatusCompleted
	j.CompletedAt = &now
	j.ResultID = &id
	j.Position = 0
	hook := s.OnTransition
	s.mu.Unlock()

	if hook != nil {
		hook(requestID, models.JobStatusCompleted)
	}
	return id, nil
}

func (s *Store) saveResultLocked(result *models.CachedResult) int64 {
	if result.ProcessedAt.IsZero() {
		result.ProcessedAt = s.now()
	}
	stored := *result
	if prev, ok := s.results[result.ClipID]; ok {
		stored.ID = prev.ID
		if stored.MatchID == nil {
			stored.MatchID = prev.MatchID
		}
	} else {
		s.nextID++
		stored.ID = s.nextID
	}
	s.results[result.ClipID] = &stored
	result.ID = stored.ID
	return stored.ID
}

func (s *Store) GetResult(_ context.Context, resultKey string) (*models.CachedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	r, ok := s.results[resultKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) GetResultByID(_ context.Context, id int64) (*models.CachedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	for _, r := range s.results {
		if r.ID == id {
			c := *r
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetResultByCorrelationID(_ context.Context, matchID string) (*models.CachedResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	var best *models.CachedResult
	for _, r := range s.results {
		if r.MatchID == nil || *r.MatchID != matchID {
			continue
		}
		if best == nil || r.ProcessedAt.After(best.ProcessedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (s *Store) ReapStuck(_ context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return nil, err
	}
	now := s.now()
	cutoff := now.Add(-timeout)
	msg := "reclaimed: processing exceeded stuck timeout"
	var reaped []uuid.UUID
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Status != models.JobStatusProcessing {
			continue
		}
		started := j.CreatedAt
		if j.StartedAt != nil {
			started = *j.StartedAt
		}
		if !started.Before(cutoff) {
			continue
		}
		j.Status = models.JobStatusFailed
		j.CompletedAt = &now
		j.ErrorMessage = &msg
		vacated := j.Position
		j.Position = 0
		s.closeGapLocked(vacated)
		reaped = append(reaped, id)
	}
	return reaped, nil
}

func (s *Store) CompactPositions(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	var pending []*models.Job
	for _, id := range s.order {
		if j := s.jobs[id]; j.Status == models.JobStatusPending {
			pending = append(pending, j)
		}
	}
	sort.SliceStable(pending, func(a, b int) bool {
		if pending[a].Position != pending[b].Position {
			return pending[a].Position < pending[b].Position
		}
		return pending[a].CreatedAt.Before(pending[b].CreatedAt)
	})
	moved := 0
	for i, j := range pending {
		if j.Position != i+1 {
			j.Position = i + 1
			moved++
		}
	}
	return moved, nil
}

func (s *Store) AverageProcessingTime(_ context.Context, kind models.WorkKind, window int) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, false, err
	}
	var done []*models.Job
	for _, j := range s.jobs {
		if j.Kind == kind && j.Status == models.JobStatusCompleted && j.StartedAt != nil && j.CompletedAt != nil {
			done = append(done, j)
		}
	}
	if len(done) == 0 {
		return 0, false, nil
	}
	sort.Slice(done, func(a, b int) bool { return done[a].CompletedAt.After(*done[b].CompletedAt) })
	if len(done) > window {
		done = done[:window]
	}
	var total float64
	for _, j := range done {
		total += j.CompletedAt.Sub(*j.StartedAt).Seconds()
	}
	return total / float64(len(done)), true, nil
}

func (s *Store) Stats(_ context.Context) (store.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return store.QueueStats{}, err
	}
	var st store.QueueStats
	for _, j := range s.jobs {
		switch j.Status {
		case models.JobStatusPending:
			st.Pending++
			if st.OldestPendingAt == nil || j.CreatedAt.Before(*st.OldestPendingAt) {
				created := j.CreatedAt
				st.OldestPendingAt = &created
			}
		case models.JobStatusProcessing:
			st.Processing++
		case models.JobStatusCompleted:
			st.Completed++
		case models.JobStatusFailed:
			st.Failed++
		}
	}
	return st, nil
}

// SetTimes rewrites the lifecycle timestamps of a job, for tests that need history.
func (s *Store) SetTimes(requestID uuid.UUID, startedAt, completedAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[requestID]; ok {
		j.StartedAt = startedAt
		j.CompletedAt = completedAt
	}
}

// SetPosition overwrites a job's position so tests can create gaps.
func (s *Store) SetPosition(requestID uuid.UUID, position int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[requestID]; ok {
		j.Position = position
	}
}

// Jobs returns a snapshot of every job in admission order.
func (s *Store) Jobs() []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, copyJob(s.jobs[id]))
	}
	return out
}

// SetErr swaps the injected failure under the lock.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

func (s *Store) activeLocked(kind models.WorkKind, workKey string) *models.Job {
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Kind == kind && j.WorkKey == workKey && j.Status.Active() {
			return j
		}
	}
	return nil
}

func (s *Store) closeGapLocked(position int) {
	if position <= 0 {
		return
	}
	for _, j := range s.jobs {
		if j.Status == models.JobStatusPending && j.Position > position {
			j.Position--
		}
	}
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)
