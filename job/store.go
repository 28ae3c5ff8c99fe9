package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListOpts narrows and pages List results.
type ListOpts struct {
	// Status filters to a single status. Empty means all.
	Status Status
	// Since restricts to jobs created within the window. Zero means all.
	Since time.Duration
	// Limit caps the page size. Zero means the store default.
	Limit int
	// Offset skips rows for paging.
	Offset int
	// Asc orders by id ascending when true, descending otherwise.
	Asc bool
}

// StatusStat is one row of the health preview aggregation.
type StatusStat struct {
	Status Status `json:"status"`
	// Count of jobs created in the window with this status.
	Count int64 `json:"count"`
	// AvgDurationSeconds is avg(completed_at - started_at) over finished
	// rows, 0 when no row has both timestamps.
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// Store is the durable job model: two tables and the transactional
// transitions between job states. Implementations must guarantee that
// ClaimNext hands each eligible row to exactly one claimer under
// concurrent callers.
type Store interface {
	// Initialize brings the schema to the expected shape. Idempotent when
	// hard is false; drops and recreates the tables when hard is true.
	Initialize(ctx context.Context, hard bool) error

	// Uninstall drops the two tables.
	Uninstall(ctx context.Context) error

	// CreateJob inserts j and fills its server-assigned fields (ID, UID,
	// timestamps).
	CreateJob(ctx context.Context, j *Job) error

	// ClaimNext atomically claims the oldest pending job whose run_at has
	// passed: sets status running, stamps started_at, increments attempts.
	// Returns (nil, nil) when no row is eligible.
	ClaimNext(ctx context.Context) (*Job, error)

	// LogAttemptStart inserts an attempt row for the job's current
	// (already incremented) attempt number and returns its id.
	LogAttemptStart(ctx context.Context, j *Job) (int64, error)

	// Complete transitions the job to completed and the attempt row to
	// success in one transaction. A result that cannot be serialized is
	// replaced by a stub and the job still completes.
	Complete(ctx context.Context, jobID, attemptID int64, result any) (*Job, error)

	// FailOrRequeue records the attempt error, then either marks the job
	// failed (attempts exhausted) or requeues it as pending with a
	// backoff-computed run_at, in one transaction.
	FailOrRequeue(ctx context.Context, j *Job, attemptID int64, cause error) (*Job, error)

	// FindByUID returns the job with the given uid, or ErrNotFound.
	FindByUID(ctx context.Context, uid uuid.UUID) (*Job, error)

	// List returns jobs matching opts.
	List(ctx context.Context, opts ListOpts) ([]*Job, error)

	// ListAttempts returns the job's attempt rows ordered by id ascending.
	ListAttempts(ctx context.Context, jobID int64) ([]*Attempt, error)

	// MarkExpired transitions running jobs whose current attempt started
	// more than olderThan ago to expired. Returns the number of rows
	// transitioned.
	MarkExpired(ctx context.Context, olderThan time.Duration) (int64, error)

	// HealthPreview aggregates count and average duration per status over
	// jobs created in the window.
	HealthPreview(ctx context.Context, window time.Duration) ([]StatusStat, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}
