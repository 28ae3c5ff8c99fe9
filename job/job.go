package job

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job is waiting to be picked up by a worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job exhausted its attempts and will not run again.
	StatusFailed Status = "failed"
	// StatusExpired means the job was stuck in running past the cleanup
	// threshold, most likely because its worker died. Expired jobs are
	// never resurrected.
	StatusExpired Status = "expired"
)

// Valid reports whether s is a known job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is a state the job never leaves.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Backoff strategy names persisted on the job row.
const (
	// BackoffNone retries immediately.
	BackoffNone = "none"
	// BackoffExp waits 2^attempts seconds between retries.
	BackoffExp = "exp"
)

// Job is a persistent unit of work with a retry policy.
// External consumers reference jobs by UID; the serial ID is internal
// to the store and the claim ordering.
type Job struct {
	ID                 int64          `json:"id"`
	UID                uuid.UUID      `json:"uid"`
	Type               string         `json:"type"`
	Payload            map[string]any `json:"payload"`
	Status             Status         `json:"status"`
	Result             map[string]any `json:"result"`
	Attempts           int            `json:"attempts"`
	MaxAttempts        int            `json:"max_attempts"`
	BackoffStrategy    string         `json:"backoff_strategy"`
	MaxAttemptDuration time.Duration  `json:"max_attempt_duration_ms"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	RunAt              time.Time      `json:"run_at"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a copy of the job for handing to subscribers.
// Payload and Result maps are shared; callbacks must not mutate them.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// AttemptStatus is the terminal status of a single attempt row.
type AttemptStatus string

const (
	// AttemptSuccess means the handler returned without error.
	AttemptSuccess AttemptStatus = "success"
	// AttemptError means the handler returned an error, panicked, or
	// timed out.
	AttemptError AttemptStatus = "error"
)

// Attempt is one physical execution of a job, logged as a separate row.
// A row is created when the attempt starts and updated exactly once with
// its terminal status. Attempt rows are never deleted.
type Attempt struct {
	ID            int64          `json:"id"`
	JobID         int64          `json:"job_id"`
	AttemptNumber int            `json:"attempt_number"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Status        AttemptStatus  `json:"status,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ErrorDetails  map[string]any `json:"error_details,omitempty"`
}

// Callback observes a job state change. Attempt callbacks fire twice per
// attempt (once with the running view, once with the terminal view) so a
// subscriber can follow every transition by reading Status.
type Callback func(j *Job)
