package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/framequeue/pkg/models"
)

const stuckJobMessage = "reclaimed: processing exceeded stuck timeout"

const queueColumns = `request_id, request_type, clip_id, stream_username, clip_url, match_id,
	num_frames, debug, force, include_image, status, created_at, started_at, completed_at,
	position, estimated_wait_seconds, estimated_completion_time, result_id, error_message`

const resultColumns = `id, clip_id, clip_url, results, processed_at, processing_time_seconds, match_id, facets`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Queue ---

func (s *PostgresStore) Enqueue(ctx context.Context, job *models.Job, secondsPerJob float64) error {
	if job.RequestID == uuid.Nil {
		job.RequestID = uuid.New()
	}
	clipID, username := workKeyColumns(job)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var pending int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM processing_queue WHERE status = 'pending'`,
		).Scan(&pending); err != nil {
			return err
		}

		now := time.Now().UTC()
		eta := estimate(now, pending+1, secondsPerJob)
		job.Status = models.JobStatusPending
		job.Position = pending + 1
		job.EstimatedWaitSeconds = float64(job.Position) * secondsPerJob
		job.EstimatedCompletionAt = &eta
		job.CreatedAt = now

		_, err := tx.Exec(ctx,
			`INSERT INTO processing_queue (request_id, request_type, clip_id, stream_username, clip_url, match_id,
			   num_frames, debug, force, include_image, status, created_at, position,
			   estimated_wait_seconds, estimated_completion_time)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			job.RequestID, job.Kind, clipID, username, job.ClipURL, job.MatchID,
			job.Params.NumFrames, job.Params.Debug, job.Params.Force, job.Params.IncludeImage,
			job.Status, job.CreatedAt, job.Position, job.EstimatedWaitSeconds, job.EstimatedCompletionAt)
		return err
	})
	if err == nil {
		return nil
	}
	if !isDuplicateKeyError(err) {
		return classify("enqueue job", err)
	}

	existing, err := s.FindActiveByWorkKey(ctx, job.Kind, job.WorkKey)
	if errors.Is(err, ErrNotFound) {
		// The holder finished between the failed insert and this read.
		return fmt.Errorf("enqueue job: %w", ErrConcurrentModification)
	}
	if err != nil {
		return err
	}
	return &DuplicateWorkError{Existing: existing}
}

func (s *PostgresStore) NextPending(ctx context.Context) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM processing_queue
		 WHERE status = 'pending' ORDER BY position ASC, created_at ASC LIMIT 1`))
	if err != nil {
		return nil, classify("next pending job", err)
	}
	return j, nil
}

func (s *PostgresStore) GetProcessing(ctx context.Context) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM processing_queue
		 WHERE status = 'processing' ORDER BY started_at ASC NULLS FIRST LIMIT 1`))
	if err != nil {
		return nil, classify("get processing job", err)
	}
	return j, nil
}

func (s *PostgresStore) Transition(ctx context.Context, requestID uuid.UUID, to models.JobStatus, opts ...TransitionOption) error {
	params := applyTransitionOptions(opts)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current models.JobStatus
		var position int
		err := tx.QueryRow(ctx,
			`SELECT status, position FROM processing_queue WHERE request_id = $1 FOR UPDATE`, requestID,
		).Scan(&current, &position)
		if err != nil {
			return err
		}

		if !CanTransition(current, to) {
			return fmt.Errorf("%w: %s -> %s", ErrConcurrentModification, current, to)
		}

		now := time.Now().UTC()
		switch to {
		case models.JobStatusProcessing:
			var busy bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM processing_queue WHERE status = 'processing')`,
			).Scan(&busy); err != nil {
				return err
			}
			if busy {
				return fmt.Errorf("%w: another job is processing", ErrConcurrentModification)
			}
			if _, err := tx.Exec(ctx,
				`UPDATE processing_queue SET status = $2, started_at = $3, position = 0 WHERE request_id = $1`,
				requestID, to, now); err != nil {
				return err
			}
		default:
			if _, err := tx.Exec(ctx,
				`UPDATE processing_queue
				 SET status = $2, completed_at = $3, position = 0,
				     result_id = COALESCE($4, result_id),
				     error_message = COALESCE($5, error_message)
				 WHERE request_id = $1`,
				requestID, to, now, params.ResultID, params.ErrorMessage); err != nil {
				return err
			}
		}

		return closeGap(ctx, tx, position)
	})
	if err != nil {
		return classify("transition job", err)
	}
	return nil
}

func (s *PostgresStore) GetByRequestID(ctx context.Context, requestID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM processing_queue WHERE request_id = $1`, requestID))
	if err != nil {
		return nil, classify("get job", err)
	}
	return j, nil
}

func (s *PostgresStore) FindActiveByWorkKey(ctx context.Context, kind models.WorkKind, workKey string) (*models.Job, error) {
	column := "clip_id"
	if kind == models.WorkKindStream {
		column = "stream_username"
	}
	// column is one of two constants above; never caller input.
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM processing_queue
		 WHERE request_type = $1 AND `+column+` = $2 AND status IN ('pending', 'processing')
		 ORDER BY created_at DESC LIMIT 1`, kind, workKey))
	if err != nil {
		return nil, classify("find active job", err)
	}
	return j, nil
}

func (s *PostgresStore) FindByCorrelationID(ctx context.Context, matchID string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM processing_queue
		 WHERE match_id = $1
		 ORDER BY CASE status
		            WHEN 'completed' THEN 0
		            WHEN 'processing' THEN 1
		            WHEN 'pending' THEN 2
		            ELSE 3
		          END, created_at DESC
		 LIMIT 1`, matchID))
	if err != nil {
		return nil, classify("find job by match", err)
	}
	return j, nil
}

func (s *PostgresStore) FindCompletedByCorrelationID(ctx context.Context, matchID string, exclude uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM processing_queue
		 WHERE match_id = $1 AND request_id <> $2 AND status = 'completed' AND result_id IS NOT NULL
		 ORDER BY completed_at DESC LIMIT 1`, matchID, exclude))
	if err != nil {
		return nil, classify("find completed job by match", err)
	}
	return j, nil
}

func (s *PostgresStore) ReapStuck(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-timeout)
	var reaped []uuid.UUID

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`WITH stuck AS (
			   SELECT request_id, position FROM processing_queue
			   WHERE status = 'processing' AND COALESCE(started_at, created_at) < $1
			   FOR UPDATE
			 )
			 UPDATE processing_queue q
			 SET status = 'failed', completed_at = $2, error_message = $3, position = 0
			 FROM stuck WHERE q.request_id = stuck.request_id
			 RETURNING q.request_id, stuck.position`, cutoff, now, stuckJobMessage)
		if err != nil {
			return err
		}

		var positions []int
		for rows.Next() {
			var id uuid.UUID
			var position int
			if err := rows.Scan(&id, &position); err != nil {
				rows.Close()
				return err
			}
			reaped = append(reaped, id)
			positions = append(positions, position)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		// Highest first so each decrement sees the positions it expects.
		sort.Sort(sort.Reverse(sort.IntSlice(positions)))
		for _, p := range positions {
			if err := closeGap(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("reap stuck jobs", err)
	}
	return reaped, nil
}

func (s *PostgresStore) CompactPositions(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`WITH ranked AS (
		   SELECT request_id, ROW_NUMBER() OVER (ORDER BY position ASC, created_at ASC) AS rank
		   FROM processing_queue WHERE status = 'pending'
		 )
		 UPDATE processing_queue q SET position = ranked.rank
		 FROM ranked WHERE q.request_id = ranked.request_id AND q.position <> ranked.rank`)
	if err != nil {
		return 0, classify("compact positions", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AverageProcessingTime(ctx context.Context, kind models.WorkKind, window int) (float64, bool, error) {
	var avg *float64
	err := s.pool.QueryRow(ctx,
		`SELECT AVG(EXTRACT(EPOCH FROM (completed_at - started_at)))::float8 FROM (
		   SELECT started_at, completed_at FROM processing_queue
		   WHERE request_type = $1 AND status = 'completed'
		     AND started_at IS NOT NULL AND completed_at IS NOT NULL
		   ORDER BY completed_at DESC LIMIT $2
		 ) recent`, kind, window,
	).Scan(&avg)
	if err != nil {
		return 0, false, classify("average processing time", err)
	}
	if avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (QueueStats, error) {
	var st QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'pending'),
		        COUNT(*) FILTER (WHERE status = 'processing'),
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*) FILTER (WHERE status = 'failed'),
		        MIN(created_at) FILTER (WHERE status = 'pending')
		 FROM processing_queue`,
	).Scan(&st.Pending, &st.Processing, &st.Completed, &st.Failed, &st.OldestPendingAt)
	if err != nil {
		return QueueStats{}, classify("queue stats", err)
	}
	return st, nil
}

// --- Results ---

func (s *PostgresStore) SaveResult(ctx context.Context, result *models.CachedResult) (int64, error) {
	row, err := encodeResult(result)
	if err != nil {
		return 0, err
	}
	if err := row.upsert(ctx, s.pool, result); err != nil {
		return 0, classify("save result", err)
	}
	return result.ID, nil
}

func (s *PostgresStore) CompleteWithResult(ctx context.Context, requestID uuid.UUID, result *models.CachedResult) (int64, error) {
	row, err := encodeResult(result)
	if err != nil {
		return 0, err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var current models.JobStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM processing_queue WHERE request_id = $1 FOR UPDATE`, requestID,
		).Scan(&current)
		if err != nil {
			return err
		}
		if current != models.JobStatusProcessing {
			return fmt.Errorf("%w: %s -> %s", ErrConcurrentModification, current, models.JobStatusCompleted)
		}

		if err := row.upsert(ctx, tx, result); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE processing_queue SET status = 'completed', completed_at = $2, position = 0, result_id = $3
			 WHERE request_id = $1`,
			requestID, time.Now().UTC(), result.ID)
		return err
	})
	if err != nil {
		return 0, classify("complete job", err)
	}
	return result.ID, nil
}

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type encodedResult struct {
	payload []byte
	facets  []byte
}

func encodeResult(result *models.CachedResult) (encodedResult, error) {
	var row encodedResult
	var err error
	if row.payload, err = json.Marshal(result.Results); err != nil {
		return row, fmt.Errorf("encode results: %w", err)
	}
	if result.Facets != nil {
		if row.facets, err = json.Marshal(result.Facets); err != nil {
			return row, fmt.Errorf("encode facets: %w", err)
		}
	}
	if result.ProcessedAt.IsZero() {
		result.ProcessedAt = time.Now().UTC()
	}
	return row, nil
}

// upsert writes result keyed by clip_id and sets result.ID.
func (row encodedResult) upsert(ctx context.Context, q queryRower, result *models.CachedResult) error {
	return q.QueryRow(ctx,
		`INSERT INTO clip_results (clip_id, clip_url, results, processed_at, processing_time_seconds, match_id, facets)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (clip_id) DO UPDATE SET
		   clip_url = EXCLUDED.clip_url,
		   results = EXCLUDED.results,
		   processed_at = EXCLUDED.processed_at,
		   processing_time_seconds = EXCLUDED.processing_time_seconds,
		   match_id = COALESCE(EXCLUDED.match_id, clip_results.match_id),
		   facets = EXCLUDED.facets
		 RETURNING id`,
		result.ClipID, result.ClipURL, row.payload, result.ProcessedAt, result.ProcessingTimeSeconds,
		result.MatchID, row.facets,
	).Scan(&result.ID)
}

func (s *PostgresStore) GetResult(ctx context.Context, resultKey string) (*models.CachedResult, error) {
	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM clip_results WHERE clip_id = $1`, resultKey))
	if err != nil {
		return nil, classify("get result", err)
	}
	return r, nil
}

func (s *PostgresStore) GetResultByID(ctx context.Context, id int64) (*models.CachedResult, error) {
	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM clip_results WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get result by id", err)
	}
	return r, nil
}

func (s *PostgresStore) GetResultByCorrelationID(ctx context.Context, matchID string) (*models.CachedResult, error) {
	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM clip_results WHERE match_id = $1
		 ORDER BY processed_at DESC LIMIT 1`, matchID))
	if err != nil {
		return nil, classify("get result by match", err)
	}
	return r, nil
}

// --- helpers ---

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var clipID, username *string
	err := row.Scan(&j.RequestID, &j.Kind, &clipID, &username, &j.ClipURL, &j.MatchID,
		&j.Params.NumFrames, &j.Params.Debug, &j.Params.Force, &j.Params.IncludeImage,
		&j.Status, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
		&j.Position, &j.EstimatedWaitSeconds, &j.EstimatedCompletionAt, &j.ResultID, &j.ErrorMessage)
	if err != nil {
		return nil, err
	}
	switch {
	case j.Kind == models.WorkKindStream && username != nil:
		j.WorkKey = *username
	case clipID != nil:
		j.WorkKey = *clipID
	}
	return &j, nil
}

func scanResult(row pgx.Row) (*models.CachedResult, error) {
	var r models.CachedResult
	var payload, facets []byte
	err := row.Scan(&r.ID, &r.ClipID, &r.ClipURL, &payload, &r.ProcessedAt,
		&r.ProcessingTimeSeconds, &r.MatchID, &facets)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &r.Results); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	if len(facets) > 0 {
		r.Facets = &models.Facets{}
		if err := json.Unmarshal(facets, r.Facets); err != nil {
			return nil, fmt.Errorf("decode facets: %w", err)
		}
	}
	return &r, nil
}

func workKeyColumns(job *models.Job) (clipID, username *string) {
	key := job.WorkKey
	if job.Kind == models.WorkKindStream {
		return nil, &key
	}
	return &key, nil
}

func estimate(now time.Time, position int, secondsPerJob float64) time.Time {
	return now.Add(time.Duration(float64(position) * secondsPerJob * float64(time.Second)))
}

// closeGap shifts pending jobs behind a vacated position forward by one.
func closeGap(ctx context.Context, tx pgx.Tx, position int) error {
	if position <= 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE processing_queue SET position = position - 1 WHERE status = 'pending' AND position > $1`,
		position)
	return err
}

// classify maps driver errors onto the package sentinels. Server-side errors keep
// their detail; anything that never reached Postgres is ErrStoreUnavailable.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrConcurrentModification):
		return err
	case isDuplicateKeyError(err):
		return ErrDuplicateKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
