// Package memory provides a fully in-memory job.Store with the same
// transition semantics as the PostgreSQL backend. Safe for concurrent
// access. Intended for unit testing and development.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marianmeres/steve/backoff"
	"github.com/marianmeres/steve/job"
)

// Ensure Store implements the job store contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of job.Store. The claim mutex
// stands in for the database's row locking: ClaimNext is atomic with
// respect to every other mutation.
type Store struct {
	mu sync.Mutex

	jobs     map[int64]*job.Job
	attempts map[int64]*job.Attempt

	nextJobID     int64
	nextAttemptID int64

	logger *slog.Logger
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[int64]*job.Job),
		attempts: make(map[int64]*job.Attempt),
		logger:   slog.Default(),
	}
}

// Initialize is a no-op unless hard is true, which discards all rows.
func (m *Store) Initialize(_ context.Context, hard bool) error {
	if hard {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.jobs = make(map[int64]*job.Job)
		m.attempts = make(map[int64]*job.Attempt)
	}
	return nil
}

// Uninstall discards all rows.
func (m *Store) Uninstall(ctx context.Context) error {
	return m.Initialize(ctx, true)
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// CreateJob inserts j as a pending row and fills its server-assigned
// fields.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.nextJobID++

	j.ID = m.nextJobID
	j.UID = uuid.New()
	j.Status = job.StatusPending
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	j.Result = map[string]any{}
	j.Attempts = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.RunAt.IsZero() {
		j.RunAt = now
	}

	m.jobs[j.ID] = j.Clone()
	return nil
}

// ClaimNext claims the oldest pending job whose run_at has passed.
// Returns (nil, nil) when no row is eligible.
func (m *Store) ClaimNext(_ context.Context) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var oldest *job.Job
	for _, j := range m.jobs {
		if j.Status != job.StatusPending || j.RunAt.After(now) {
			continue
		}
		if oldest == nil || j.ID < oldest.ID {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.Status = job.StatusRunning
	started := now
	oldest.StartedAt = &started
	oldest.UpdatedAt = now
	oldest.Attempts++

	return oldest.Clone(), nil
}

// LogAttemptStart inserts an attempt row for the job's current attempt
// number and returns its id.
func (m *Store) LogAttemptStart(_ context.Context, j *job.Job) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextAttemptID++
	m.attempts[m.nextAttemptID] = &job.Attempt{
		ID:            m.nextAttemptID,
		JobID:         j.ID,
		AttemptNumber: j.Attempts,
		StartedAt:     time.Now(),
	}
	return m.nextAttemptID, nil
}

// Complete transitions the job to completed and the attempt row to
// success.
func (m *Store) Complete(_ context.Context, jobID, attemptID int64, result any) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, job.ErrNotFound
	}

	now := time.Now()
	j.Status = job.StatusCompleted
	j.Result = serializeResult(result)
	j.CompletedAt = &now
	j.UpdatedAt = now

	if a, ok := m.attempts[attemptID]; ok {
		a.Status = job.AttemptSuccess
		done := now
		a.CompletedAt = &done
	}

	return j.Clone(), nil
}

// FailOrRequeue records the attempt error, then either marks the job
// failed or requeues it with a backoff-computed run_at.
func (m *Store) FailOrRequeue(_ context.Context, claimed *job.Job, attemptID int64, cause error) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[claimed.ID]
	if !ok {
		return nil, job.ErrNotFound
	}

	now := time.Now()
	if a, ok := m.attempts[attemptID]; ok {
		a.Status = job.AttemptError
		a.ErrorMessage = cause.Error()
		done := now
		a.CompletedAt = &done
		var pe *job.PanicError
		if errors.As(cause, &pe) {
			a.ErrorDetails = map[string]any{"stack": pe.Stack}
		}
	}

	if claimed.Attempts >= claimed.MaxAttempts {
		j.Status = job.StatusFailed
		j.CompletedAt = &now
	} else {
		delay := backoff.ForStrategy(claimed.BackoffStrategy, m.logger).Delay(claimed.Attempts)
		j.Status = job.StatusPending
		j.RunAt = now.Add(delay)
	}
	j.UpdatedAt = now

	return j.Clone(), nil
}

// FindByUID returns the job with the given uid, or job.ErrNotFound.
func (m *Store) FindByUID(_ context.Context, uid uuid.UUID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.UID == uid {
			return j.Clone(), nil
		}
	}
	return nil, job.ErrNotFound
}

// List returns jobs matching opts, ordered by id.
func (m *Store) List(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Time{}
	if opts.Since > 0 {
		cutoff = time.Now().Add(-opts.Since)
	}

	var jobs []*job.Job
	for _, j := range m.jobs {
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if !cutoff.IsZero() && j.CreatedAt.Before(cutoff) {
			continue
		}
		jobs = append(jobs, j.Clone())
	}

	sort.Slice(jobs, func(a, b int) bool {
		if opts.Asc {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].ID > jobs[b].ID
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return jobs, nil
}

// ListAttempts returns the job's attempt rows ordered by id ascending.
func (m *Store) ListAttempts(_ context.Context, jobID int64) ([]*job.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var attempts []*job.Attempt
	for _, a := range m.attempts {
		if a.JobID == jobID {
			cp := *a
			attempts = append(attempts, &cp)
		}
	}
	sort.Slice(attempts, func(a, b int) bool {
		return attempts[a].ID < attempts[b].ID
	})
	return attempts, nil
}

// MarkExpired transitions running jobs whose current attempt started more
// than olderThan ago to expired.
func (m *Store) MarkExpired(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, j := range m.jobs {
		if j.Status != job.StatusRunning || j.StartedAt == nil || !j.StartedAt.Before(cutoff) {
			continue
		}
		j.Status = job.StatusExpired
		done := now
		j.CompletedAt = &done
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// HealthPreview aggregates count and average duration per status over
// jobs created in the window.
func (m *Store) HealthPreview(_ context.Context, window time.Duration) ([]job.StatusStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	type agg struct {
		count int64
		total float64
		durs  int64
	}
	byStatus := make(map[job.Status]*agg)
	for _, j := range m.jobs {
		if j.CreatedAt.Before(cutoff) {
			continue
		}
		a := byStatus[j.Status]
		if a == nil {
			a = &agg{}
			byStatus[j.Status] = a
		}
		a.count++
		if j.StartedAt != nil && j.CompletedAt != nil {
			a.total += j.CompletedAt.Sub(*j.StartedAt).Seconds()
			a.durs++
		}
	}

	stats := make([]job.StatusStat, 0, len(byStatus))
	for status, a := range byStatus {
		stat := job.StatusStat{Status: status, Count: a.count}
		if a.durs > 0 {
			stat.AvgDurationSeconds = a.total / float64(a.durs)
		}
		stats = append(stats, stat)
	}
	sort.Slice(stats, func(a, b int) bool {
		return stats[a].Status < stats[b].Status
	})
	return stats, nil
}

// serializeResult mirrors the PostgreSQL store's result handling so unit
// tests observe identical completion semantics.
func serializeResult(result any) map[string]any {
	if result == nil {
		return map[string]any{}
	}
	if m, ok := result.(map[string]any); ok {
		if _, err := json.Marshal(m); err != nil {
			return stub(err)
		}
		return m
	}
	data, err := json.Marshal(result)
	if err != nil {
		return stub(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"result": json.RawMessage(data)}
	}
	if m == nil {
		return map[string]any{}
	}
	return m
}

func stub(err error) map[string]any {
	return map[string]any{
		"message": "Unable to serialize completed job result",
		"details": err.Error(),
	}
}
