package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marianmeres/steve/job"
)

// jobColumns is the canonical column list for job SELECT/RETURNING
// clauses. scanJob must match its order.
const jobColumns = `id, uid, type, payload, status, result, attempts, max_attempts,
	max_attempt_duration_ms, created_at, updated_at, run_at, started_at,
	completed_at, backoff_strategy`

// attemptColumns is the canonical column list for attempt rows.
const attemptColumns = `id, job_id, attempt_number, started_at, completed_at,
	status, error_message, error_details`

// scanJob scans a single job row in jobColumns order.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j          job.Job
		statusStr  string
		durationMs int64
	)
	err := row.Scan(
		&j.ID, &j.UID, &j.Type, &j.Payload, &statusStr, &j.Result,
		&j.Attempts, &j.MaxAttempts, &durationMs,
		&j.CreatedAt, &j.UpdatedAt, &j.RunAt, &j.StartedAt, &j.CompletedAt,
		&j.BackoffStrategy,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(statusStr)
	j.MaxAttemptDuration = time.Duration(durationMs) * time.Millisecond

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("steve/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("steve/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

// scanAttempt scans a single attempt row in attemptColumns order.
func scanAttempt(row pgx.Row) (*job.Attempt, error) {
	var (
		a       job.Attempt
		status  *string
		message *string
	)
	err := row.Scan(
		&a.ID, &a.JobID, &a.AttemptNumber, &a.StartedAt, &a.CompletedAt,
		&status, &message, &a.ErrorDetails,
	)
	if err != nil {
		return nil, err
	}

	if status != nil {
		a.Status = job.AttemptStatus(*status)
	}
	if message != nil {
		a.ErrorMessage = *message
	}

	return &a, nil
}

// serializeResult converts a handler result into the JSONB object stored
// on the job row. nil becomes the empty mapping; a value that cannot be
// serialized is replaced by the documented stub so the job still
// completes; a JSON-representable non-object value is wrapped under
// "result" so the column stays an object.
func serializeResult(result any) map[string]any {
	if result == nil {
		return map[string]any{}
	}
	if m, ok := result.(map[string]any); ok {
		// Verify the mapping itself serializes; values like channels
		// inside it would otherwise fail the INSERT.
		if _, err := json.Marshal(m); err != nil {
			return serializationStub(err)
		}
		return m
	}

	data, err := json.Marshal(result)
	if err != nil {
		return serializationStub(err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		// Scalar or array result.
		return map[string]any{"result": json.RawMessage(data)}
	}
	if m == nil {
		return map[string]any{}
	}
	return m
}

func serializationStub(err error) map[string]any {
	return map[string]any{
		"message": "Unable to serialize completed job result",
		"details": err.Error(),
	}
}

// errorDetails extracts the structured details persisted with a failed
// attempt: the stack for recovered panics, nothing otherwise.
func errorDetails(cause error) map[string]any {
	var pe *job.PanicError
	if ok := asPanic(cause, &pe); ok {
		return map[string]any{"stack": pe.Stack}
	}
	return nil
}
