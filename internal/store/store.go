package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

var (
	// ErrStoreUnavailable wraps connection and transaction failures. The worker treats
	// it as transient; admission surfaces it to the caller.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrConcurrentModification means the persisted state no longer allows the
	// requested transition. Callers must re-read before deciding again.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrDuplicateWork is matched by *DuplicateWorkError.
	ErrDuplicateWork = errors.New("duplicate work")
)

// DuplicateWorkError is returned by Enqueue when an active job already holds the work key.
type DuplicateWorkError struct {
	Existing *models.Job
}

func (e *DuplicateWorkError) Error() string {
	return fmt.Sprintf("duplicate work: %s %q is held by request %s",
		e.Existing.Kind, e.Existing.WorkKey, e.Existing.RequestID)
}

func (e *DuplicateWorkError) Is(target error) bool {
	return target == ErrDuplicateWork
}

// Store is the data access interface. All queue and result persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error

	// Enqueue admits job as pending. Position is count(pending)+1 and the wait estimate
	// is position*secondsPerJob, both computed inside the insert transaction. RequestID,
	// Status, Position, estimates and CreatedAt are written back to job.
	Enqueue(ctx context.Context, job *models.Job, secondsPerJob float64) error
	NextPending(ctx context.Context) (*models.Job, error)
	GetProcessing(ctx context.Context) (*models.Job, error)
	Transition(ctx context.Context, requestID uuid.UUID, to models.JobStatus, opts ...TransitionOption) error
	GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Job, error)
	FindActiveByWorkKey(ctx context.Context, kind models.WorkKind, workKey string) (*models.Job, error)
	// FindByCorrelationID returns the most decisive job for matchID: the latest
	// completed one, else an active one, else the latest failed one.
	FindByCorrelationID(ctx context.Context, matchID string) (*models.Job, error)
	FindCompletedByCorrelationID(ctx context.Context, matchID string, exclude uuid.UUID) (*models.Job, error)

	SaveResult(ctx context.Context, result *models.CachedResult) (int64, error)
	// CompleteWithResult saves result and moves requestID from processing to completed
	// in one transaction. When the job is no longer processing nothing is written and
	// ErrConcurrentModification is returned.
	CompleteWithResult(ctx context.Context, requestID uuid.UUID, result *models.CachedResult) (int64, error)
	GetResult(ctx context.Context, resultKey string) (*models.CachedResult, error)
	GetResultByID(ctx context.Context, id int64) (*models.CachedResult, error)
	GetResultByCorrelationID(ctx context.Context, matchID string) (*models.CachedResult, error)

	// ReapStuck fails every processing job that started before now-timeout and
	// returns their request ids.
	ReapStuck(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error)
	// CompactPositions renumbers pending jobs to a dense 1..N and returns the number
	// of rows that moved.
	CompactPositions(ctx context.Context) (int, error)
	AverageProcessingTime(ctx context.Context, kind models.WorkKind, window int) (float64, bool, error)
	Stats(ctx context.Context) (QueueStats, error)
}

type QueueStats struct {
	Pending         int        `json:"pending"`
	Processing      int        `json:"processing"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending:    {models.JobStatusProcessing},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether from -> to is a legal state machine move.
func CanTransition(from, to models.JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type transitionParams struct {
	ResultID     *int64
	ErrorMessage *string
}

type TransitionOption func(*transitionParams)

func WithResultID(id int64) TransitionOption {
	return func(p *transitionParams) {
		p.ResultID = &id
	}
}

func WithErrorMessage(msg string) TransitionOption {
	return func(p *transitionParams) {
		p.ErrorMessage = &msg
	}
}

func applyTransitionOptions(opts []TransitionOption) *transitionParams {
	params := &transitionParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

// ResolveTransitionOptions returns the values opts would write, for Store
// implementations outside this package.
func ResolveTransitionOptions(opts []TransitionOption) (resultID *int64, errorMessage *string) {
	p := applyTransitionOptions(opts)
	return p.ResultID, p.ErrorMessage
}

// Lookup selects one of the two identity axes a cached result can be found by.
type Lookup interface {
	lookup()
}

// ByWorkKey finds the result stored for a clip id or stream username.
type ByWorkKey struct {
	Kind models.WorkKind
	Key  string
}

// ByCorrelationID finds the latest result recorded for an external match id.
type ByCorrelationID struct {
	ID string
}

func (ByWorkKey) lookup()       {}
func (ByCorrelationID) lookup() {}

// FindResult resolves a Lookup against s.
func FindResult(ctx context.Context, s Store, l Lookup) (*models.CachedResult, error) {
	switch l := l.(type) {
	case ByWorkKey:
		return s.GetResult(ctx, models.ResultKey(l.Kind, l.Key))
	case ByCorrelationID:
		return s.GetResultByCorrelationID(ctx, l.ID)
	default:
		return nil, fmt.Errorf("unsupported lookup %T", l)
	}
}
