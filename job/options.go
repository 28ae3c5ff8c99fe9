package job

import "time"

// Options configures per-job behavior such as retries, backoff, and the
// per-attempt deadline.
type Options struct {
	// MaxAttempts is the total number of executions before the job is
	// marked failed. Must be at least 1.
	MaxAttempts int

	// BackoffStrategy names the retry spacing policy: BackoffNone or
	// BackoffExp.
	BackoffStrategy string

	// MaxAttemptDuration bounds a single handler execution. Zero means
	// no deadline. The handler is signalled, not killed, when it expires.
	MaxAttemptDuration time.Duration

	// RunAt defers the first execution. Zero means eligible immediately.
	RunAt time.Time

	// OnDone, if set, is registered as a one-shot per-UID done callback
	// before the job is returned to the caller.
	OnDone Callback
}

// DefaultOptions returns Options with the documented defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		BackoffStrategy: BackoffExp,
	}
}

// Validate checks option ranges. The zero values installed by
// DefaultOptions always pass.
func (o Options) Validate() error {
	if o.MaxAttempts < 1 {
		return ErrInvalidMaxAttempts
	}
	if o.BackoffStrategy != BackoffNone && o.BackoffStrategy != BackoffExp {
		return ErrInvalidBackoff
	}
	if o.MaxAttemptDuration < 0 {
		return ErrInvalidAttemptDuration
	}
	return nil
}

// Option is a functional option for job creation.
type Option func(*Options)

// WithMaxAttempts sets the total number of executions before failure.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithBackoff sets the retry spacing strategy (BackoffNone or BackoffExp).
func WithBackoff(strategy string) Option {
	return func(o *Options) {
		o.BackoffStrategy = strategy
	}
}

// WithMaxAttemptDuration bounds a single handler execution.
func WithMaxAttemptDuration(d time.Duration) Option {
	return func(o *Options) {
		o.MaxAttemptDuration = d
	}
}

// WithRunAt defers the first execution until t.
func WithRunAt(t time.Time) Option {
	return func(o *Options) {
		o.RunAt = t
	}
}

// WithOnDone registers a one-shot callback fired when the job reaches a
// terminal done state (completed or failed).
func WithOnDone(cb Callback) Option {
	return func(o *Options) {
		o.OnDone = cb
	}
}
