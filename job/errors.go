package job

import "errors"

var (
	// ErrNotFound is returned when no job matches the given identifier.
	ErrNotFound = errors.New("job: not found")
	// ErrBadUID is returned when a caller-supplied UID is not a valid UUID.
	ErrBadUID = errors.New("job: invalid uid")
	// ErrEmptyType is returned when a job is created with an empty type.
	ErrEmptyType = errors.New("job: type must not be empty")
	// ErrInvalidMaxAttempts is returned when max attempts is below 1.
	ErrInvalidMaxAttempts = errors.New("job: max attempts must be at least 1")
	// ErrInvalidBackoff is returned when the backoff strategy name is unknown.
	ErrInvalidBackoff = errors.New("job: unknown backoff strategy")
	// ErrInvalidAttemptDuration is returned when the per-attempt deadline
	// is negative.
	ErrInvalidAttemptDuration = errors.New("job: max attempt duration must not be negative")

	// ErrExecutionTimedOut is reported when a handler exceeds the job's
	// per-attempt deadline. The message is persisted verbatim on the
	// attempt row.
	ErrExecutionTimedOut = errors.New("Execution timed out")
)
