package steve

import (
	"log/slog"
	"time"

	"github.com/marianmeres/steve/health"
	"github.com/marianmeres/steve/job"
	"github.com/marianmeres/steve/retry"
)

// Option configures a Manager.
type Option func(*Manager) error

// WithTablePrefix prepends prefix to both table names. The prefix may
// include a schema qualifier followed by a dot.
func WithTablePrefix(prefix string) Option {
	return func(m *Manager) error {
		m.cfg.TablePrefix = prefix
		return nil
	}
}

// WithConcurrency sets the number of worker goroutines Start launches.
func WithConcurrency(n int) Option {
	return func(m *Manager) error {
		if n >= 1 {
			m.cfg.Concurrency = n
		}
		return nil
	}
}

// WithPollInterval sets the idle wait between claim attempts.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) error {
		if d > 0 {
			m.cfg.PollInterval = d
		}
		return nil
	}
}

// WithExpireRunningAfter sets the Cleanup threshold for stuck running
// jobs.
func WithExpireRunningAfter(d time.Duration) Option {
	return func(m *Manager) error {
		if d > 0 {
			m.cfg.ExpireRunningAfter = d
		}
		return nil
	}
}

// WithLogger sets the structured logger for the manager and all
// subsystems it creates.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) error {
		if l != nil {
			m.logger = l
		}
		return nil
	}
}

// WithHandler registers a handler for the given job type.
func WithHandler(jobType string, h job.Handler) Option {
	return func(m *Manager) error {
		m.registry.Set(jobType, h)
		return nil
	}
}

// WithFallbackHandler registers the handler used when no per-type
// handler matches.
func WithFallbackHandler(h job.Handler) Option {
	return func(m *Manager) error {
		m.registry.SetFallback(h)
		return nil
	}
}

// WithGracefulShutdown toggles the process termination hook (default
// on).
func WithGracefulShutdown(on bool) Option {
	return func(m *Manager) error {
		m.cfg.GracefulShutdown = on
		return nil
	}
}

// WithSubscriptionDedup toggles duplicate-subscription elimination
// (default on).
func WithSubscriptionDedup(on bool) Option {
	return func(m *Manager) error {
		m.cfg.DedupSubscriptions = on
		return nil
	}
}

// WithDBRetry wraps every store call in the transient-error retry
// wrapper. Call with no arguments for the defaults.
func WithDBRetry(opts ...retry.Options) Option {
	return func(m *Manager) error {
		m.dbRetry = true
		if len(opts) > 0 {
			m.dbRetryOpts = opts[0]
		} else {
			m.dbRetryOpts = retry.DefaultOptions()
		}
		return nil
	}
}

// WithHealthCheck enables the periodic database health monitor.
func WithHealthCheck(opts health.Options) Option {
	return func(m *Manager) error {
		m.healthCheck = true
		m.healthOpts = opts
		return nil
	}
}

// WithStore injects a custom job store, bypassing the PostgreSQL
// backend. Intended for tests and development against store/memory.
func WithStore(s job.Store) Option {
	return func(m *Manager) error {
		m.store = s
		return nil
	}
}
