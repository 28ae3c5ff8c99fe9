package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/marianmeres/steve/backoff"
	"github.com/marianmeres/steve/job"
)

// defaultListLimit caps List pages when the caller does not.
const defaultListLimit = 100

// CreateJob inserts j as a pending row and fills its server-assigned
// fields (id, uid, timestamps) from the RETURNING clause.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	payload := j.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	var runAt *time.Time
	if !j.RunAt.IsZero() {
		runAt = &j.RunAt
	}

	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (type, payload, max_attempts, backoff_strategy, max_attempt_duration_ms, run_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING %s`, s.tables.job, jobColumns),
		j.Type, payload, j.MaxAttempts, j.BackoffStrategy,
		j.MaxAttemptDuration.Milliseconds(), runAt,
	)

	created, err := scanJob(row)
	if err != nil {
		return fmt.Errorf("steve/postgres: create job: %w", err)
	}
	*j = *created
	return nil
}

// ClaimNext atomically claims the oldest pending job whose run_at has
// passed: one statement selects the row under FOR UPDATE SKIP LOCKED,
// flips it to running, stamps started_at, and increments attempts. Under
// N concurrent claimers each eligible row is returned to exactly one of
// them. Returns (nil, nil) when no row is eligible.
func (s *Store) ClaimNext(ctx context.Context) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		WITH claimed AS (
			SELECT id FROM %s
			WHERE status = 'pending' AND run_at <= NOW()
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE %s j
		SET status = 'running', started_at = NOW(), updated_at = NOW(),
			attempts = j.attempts + 1
		FROM claimed
		WHERE j.id = claimed.id
		RETURNING %s`, s.tables.job, s.tables.job, prefixColumns("j", jobColumns)),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("steve/postgres: claim next: %w", err)
	}
	return j, nil
}

// LogAttemptStart inserts an attempt row for the job's current attempt
// number (already incremented by the claim) and returns its id.
func (s *Store) LogAttemptStart(ctx context.Context, j *job.Job) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_id, attempt_number)
		VALUES ($1, $2)
		RETURNING id`, s.tables.attempt),
		j.ID, j.Attempts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("steve/postgres: log attempt start: %w", err)
	}
	return id, nil
}

// Complete transitions the job to completed and the attempt row to
// success in one transaction. A result that cannot be serialized is
// replaced by the documented stub so the job still completes.
func (s *Store) Complete(ctx context.Context, jobID, attemptID int64, result any) (*job.Job, error) {
	serialized := serializeResult(result)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("steve/postgres: complete: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'completed', completed_at = NOW(), updated_at = NOW(), result = $2
		WHERE id = $1
		RETURNING %s`, s.tables.job, jobColumns),
		jobID, serialized,
	)
	updated, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("steve/postgres: complete job: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'success', completed_at = NOW()
		WHERE id = $1`, s.tables.attempt),
		attemptID,
	); err != nil {
		return nil, fmt.Errorf("steve/postgres: complete attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("steve/postgres: complete: commit: %w", err)
	}
	return updated, nil
}

// FailOrRequeue records the attempt error, then either marks the job
// failed (attempts exhausted) or requeues it as pending with a
// backoff-computed run_at, all in one transaction. Returns the updated
// job for event publication.
func (s *Store) FailOrRequeue(ctx context.Context, j *job.Job, attemptID int64, cause error) (*job.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("steve/postgres: fail: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'error', completed_at = NOW(), error_message = $2, error_details = $3
		WHERE id = $1`, s.tables.attempt),
		attemptID, cause.Error(), errorDetails(cause),
	); err != nil {
		return nil, fmt.Errorf("steve/postgres: fail attempt: %w", err)
	}

	var row pgx.Row
	if j.Attempts >= j.MaxAttempts {
		row = tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = 'failed', completed_at = NOW(), updated_at = NOW()
			WHERE id = $1
			RETURNING %s`, s.tables.job, jobColumns),
			j.ID,
		)
	} else {
		delay := backoff.ForStrategy(j.BackoffStrategy, s.logger).Delay(j.Attempts)
		row = tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE %s
			SET status = 'pending', run_at = NOW() + ($2 * interval '1 millisecond'),
				updated_at = NOW()
			WHERE id = $1
			RETURNING %s`, s.tables.job, jobColumns),
			j.ID, delay.Milliseconds(),
		)
	}

	updated, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("steve/postgres: fail job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("steve/postgres: fail: commit: %w", err)
	}
	return updated, nil
}

// FindByUID returns the job with the given uid, or job.ErrNotFound.
func (s *Store) FindByUID(ctx context.Context, uid uuid.UUID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE uid = $1`, jobColumns, s.tables.job),
		uid,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, job.ErrNotFound
		}
		return nil, fmt.Errorf("steve/postgres: find by uid: %w", err)
	}
	return j, nil
}

// List returns jobs matching opts, ordered by id.
func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

	sb := psql.Select(jobColumns).From(s.tables.job)
	if opts.Status != "" {
		sb = sb.Where(sq.Eq{"status": string(opts.Status)})
	}
	if opts.Since > 0 {
		sb = sb.Where("created_at > NOW() - (? * interval '1 millisecond')", opts.Since.Milliseconds())
	}

	if opts.Asc {
		sb = sb.OrderBy("id ASC")
	} else {
		sb = sb.OrderBy("id DESC")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	sb = sb.Limit(uint64(limit))
	if opts.Offset > 0 {
		sb = sb.Offset(uint64(opts.Offset))
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("steve/postgres: build list query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("steve/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListAttempts returns the job's attempt rows ordered by id ascending.
func (s *Store) ListAttempts(ctx context.Context, jobID int64) ([]*job.Attempt, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE job_id = $1 ORDER BY id ASC`,
		attemptColumns, s.tables.attempt),
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("steve/postgres: list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*job.Attempt
	for rows.Next() {
		a, scanErr := scanAttempt(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("steve/postgres: scan attempt row: %w", scanErr)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("steve/postgres: iterate attempt rows: %w", err)
	}
	return attempts, nil
}

// MarkExpired transitions running jobs whose current attempt started more
// than olderThan ago to expired. Attempt rows are left untouched; expired
// jobs are never resurrected.
func (s *Store) MarkExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'expired', completed_at = NOW(), updated_at = NOW()
		WHERE status = 'running'
		  AND started_at < NOW() - ($1 * interval '1 millisecond')`, s.tables.job),
		olderThan.Milliseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("steve/postgres: mark expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HealthPreview aggregates count and average duration per status over
// jobs created in the window.
func (s *Store) HealthPreview(ctx context.Context, window time.Duration) ([]job.StatusStat, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT status, COUNT(*),
			COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		FROM %s
		WHERE created_at > NOW() - ($1 * interval '1 millisecond')
		GROUP BY status
		ORDER BY status`, s.tables.job),
		window.Milliseconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("steve/postgres: health preview: %w", err)
	}
	defer rows.Close()

	var stats []job.StatusStat
	for rows.Next() {
		var (
			stat      job.StatusStat
			statusStr string
		)
		if err := rows.Scan(&statusStr, &stat.Count, &stat.AvgDurationSeconds); err != nil {
			return nil, fmt.Errorf("steve/postgres: scan health row: %w", err)
		}
		stat.Status = job.Status(statusStr)
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("steve/postgres: iterate health rows: %w", err)
	}
	return stats, nil
}
