package models

import (
	"time"

	"github.com/google/uuid"
)

// WorkKind identifies what a job analyses. It is persisted as request_type.
type WorkKind string

const (
	WorkKindClip   WorkKind = "clip"
	WorkKindStream WorkKind = "stream"
)

// Valid reports whether k is a known work kind.
func (k WorkKind) Valid() bool {
	return k == WorkKindClip || k == WorkKindStream
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Active reports whether the job still occupies its work key.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusProcessing
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Parameters are the detector options fixed at admission.
type Parameters struct {
	NumFrames    int  `json:"num_frames"`
	Debug        bool `json:"debug"`
	Force        bool `json:"force"`
	IncludeImage bool `json:"include_image"`
}

// Job is one admitted unit of recognition work. Rows live in processing_queue;
// WorkKey maps to clip_id for clip jobs and stream_username for stream jobs.
type Job struct {
	RequestID             uuid.UUID  `db:"request_id"                json:"request_id"`
	Kind                  WorkKind   `db:"request_type"              json:"request_type"`
	WorkKey               string     `db:"-"                         json:"work_key"`
	ClipURL               *string    `db:"clip_url"                  json:"clip_url,omitempty"`
	MatchID               *string    `db:"match_id"                  json:"match_id,omitempty"`
	Params                Parameters `db:"-"                         json:"parameters"`
	Status                JobStatus  `db:"status"                    json:"status"`
	CreatedAt             time.Time  `db:"created_at"                json:"created_at"`
	StartedAt             *time.Time `db:"started_at"                json:"started_at,omitempty"`
	CompletedAt           *time.Time `db:"completed_at"              json:"completed_at,omitempty"`
	Position              int        `db:"position"                  json:"position"`
	EstimatedWaitSeconds  float64    `db:"estimated_wait_seconds"    json:"estimated_wait_seconds"`
	EstimatedCompletionAt *time.Time `db:"estimated_completion_time" json:"estimated_completion_time,omitempty"`
	ResultID              *int64     `db:"result_id"                 json:"result_id,omitempty"`
	ErrorMessage          *string    `db:"error_message"             json:"error_message,omitempty"`
}

// ResultKey is the clip_results key the job's outcome is stored under.
func (j *Job) ResultKey() string {
	return ResultKey(j.Kind, j.WorkKey)
}

// ResultKey namespaces stream results so a username never collides with a clip id.
func ResultKey(kind WorkKind, workKey string) string {
	if kind == WorkKindStream {
		return "stream:" + workKey
	}
	return workKey
}
