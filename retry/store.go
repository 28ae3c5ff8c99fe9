package retry

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/marianmeres/steve/job"
)

// Ensure the decorator satisfies the store contract at compile time.
var _ job.Store = (*Store)(nil)

// Store decorates a job.Store so every call runs under the retry
// wrapper. Transitions stay transactional: a retried call re-runs the
// whole transaction, never half of one.
type Store struct {
	inner job.Store
	opts  Options
}

// NewStore wraps inner with the given retry options.
func NewStore(inner job.Store, opts Options) *Store {
	return &Store{inner: inner, opts: opts.withDefaults()}
}

func (s *Store) Initialize(ctx context.Context, hard bool) error {
	_, err := Do(ctx, s.opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Initialize(ctx, hard)
	})
	return err
}

func (s *Store) Uninstall(ctx context.Context) error {
	_, err := Do(ctx, s.opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Uninstall(ctx)
	})
	return err
}

func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	_, err := Do(ctx, s.opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.CreateJob(ctx, j)
	})
	return err
}

func (s *Store) ClaimNext(ctx context.Context) (*job.Job, error) {
	return Do(ctx, s.opts, func(ctx context.Context) (*job.Job, error) {
		return s.inner.ClaimNext(ctx)
	})
}

func (s *Store) LogAttemptStart(ctx context.Context, j *job.Job) (int64, error) {
	return Do(ctx, s.opts, func(ctx context.Context) (int64, error) {
		return s.inner.LogAttemptStart(ctx, j)
	})
}

func (s *Store) Complete(ctx context.Context, jobID, attemptID int64, result any) (*job.Job, error) {
	return Do(ctx, s.opts, func(ctx context.Context) (*job.Job, error) {
		return s.inner.Complete(ctx, jobID, attemptID, result)
	})
}

func (s *Store) FailOrRequeue(ctx context.Context, j *job.Job, attemptID int64, cause error) (*job.Job, error) {
	return Do(ctx, s.opts, func(ctx context.Context) (*job.Job, error) {
		return s.inner.FailOrRequeue(ctx, j, attemptID, cause)
	})
}

func (s *Store) FindByUID(ctx context.Context, uid uuid.UUID) (*job.Job, error) {
	return Do(ctx, s.opts, func(ctx context.Context) (*job.Job, error) {
		return s.inner.FindByUID(ctx, uid)
	})
}

func (s *Store) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	return Do(ctx, s.opts, func(ctx context.Context) ([]*job.Job, error) {
		return s.inner.List(ctx, opts)
	})
}

func (s *Store) ListAttempts(ctx context.Context, jobID int64) ([]*job.Attempt, error) {
	return Do(ctx, s.opts, func(ctx context.Context) ([]*job.Attempt, error) {
		return s.inner.ListAttempts(ctx, jobID)
	})
}

func (s *Store) MarkExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	return Do(ctx, s.opts, func(ctx context.Context) (int64, error) {
		return s.inner.MarkExpired(ctx, olderThan)
	})
}

func (s *Store) HealthPreview(ctx context.Context, window time.Duration) ([]job.StatusStat, error) {
	return Do(ctx, s.opts, func(ctx context.Context) ([]job.StatusStat, error) {
		return s.inner.HealthPreview(ctx, window)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	_, err := Do(ctx, s.opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Ping(ctx)
	})
	return err
}
