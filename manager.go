package steve

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marianmeres/steve/event"
	"github.com/marianmeres/steve/health"
	"github.com/marianmeres/steve/job"
	"github.com/marianmeres/steve/middleware"
	"github.com/marianmeres/steve/retry"
	"github.com/marianmeres/steve/store/postgres"
	"github.com/marianmeres/steve/worker"
)

// Manager is the facade over the whole job subsystem: it owns the worker
// pool, the handler registry, the event bus, the per-UID callback
// registries, the optional DB-retry wrapper and health monitor, and the
// graceful shutdown hook.
//
// The host passes in the database pool and closes it after Stop; the
// Manager never owns connection lifecycle.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	store    job.Store
	registry *job.Registry
	bus      *event.Bus
	workers  *worker.Pool
	monitor  *health.Monitor
	prober   health.Prober

	dbRetry     bool
	dbRetryOpts retry.Options
	healthCheck bool
	healthOpts  health.Options

	// Lazy schema initialization. A failed attempt is retried by the
	// next schema-touching call, so a database that comes up late does
	// not wedge the manager.
	initMu      sync.Mutex
	initialized bool

	stateMu  sync.Mutex
	stopping bool
	stopOnce sync.Once

	signalOnce sync.Once
	signalDone chan struct{}
}

// New creates a Manager backed by the given pool. The pool is required
// unless a custom store is injected with WithStore.
func New(pool *pgxpool.Pool, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		registry:   job.NewRegistry(),
		signalDone: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}

	if m.store == nil {
		if pool == nil {
			return nil, ErrNilPool
		}
		m.store = postgres.NewFromPool(pool,
			postgres.WithLogger(m.logger),
			postgres.WithTablePrefix(m.cfg.TablePrefix),
		)
	}
	if m.dbRetry {
		if m.dbRetryOpts.Logger == nil {
			m.dbRetryOpts.Logger = m.logger
		}
		m.store = retry.NewStore(m.store, m.dbRetryOpts)
	}

	if pool != nil {
		m.prober = pgxProber(pool)
	}
	if m.healthCheck && m.prober != nil {
		if m.healthOpts.Logger == nil {
			m.healthOpts.Logger = m.logger
		}
		m.monitor = health.NewMonitor(m.prober, m.healthOpts)
	}

	m.bus = event.NewBus(
		event.WithDedup(m.cfg.DedupSubscriptions),
		event.WithLogger(m.logger),
	)

	executor := worker.NewExecutor(m.registry, m.store, m.bus, m.logger,
		middleware.Recover(m.logger),
		middleware.Logging(m.logger),
		middleware.Metrics(),
		middleware.Timeout(m.logger),
	)
	m.workers = worker.NewPool(m.store, executor, m.logger,
		worker.WithConcurrency(m.cfg.Concurrency),
		worker.WithPollInterval(m.cfg.PollInterval),
	)

	return m, nil
}

// pgxProber adapts a pgxpool.Pool to the health probe query.
func pgxProber(pool *pgxpool.Pool) health.Prober {
	return health.ProbeFunc(func(ctx context.Context) (string, time.Time, error) {
		var version string
		var now time.Time
		err := pool.QueryRow(ctx, `SELECT version(), NOW()`).Scan(&version, &now)
		return version, now, err
	})
}

// ensureSchema lazily initializes the schema before the first operation
// that needs it.
func (m *Manager) ensureSchema(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.initialized {
		return nil
	}
	if err := m.store.Initialize(ctx, false); err != nil {
		return err
	}
	m.initialized = true
	return nil
}

// Start launches the worker pool, the health monitor if configured, and
// the termination hook if enabled. Starting a running manager is a
// no-op; starting one that has begun stopping returns ErrShuttingDown.
func (m *Manager) Start(ctx context.Context) error {
	m.stateMu.Lock()
	if m.stopping {
		m.stateMu.Unlock()
		return ErrShuttingDown
	}
	m.stateMu.Unlock()

	if err := m.ensureSchema(ctx); err != nil {
		return err
	}

	if err := m.workers.Start(ctx); err != nil {
		return err
	}
	if m.monitor != nil {
		m.monitor.Start(ctx)
	}
	if m.cfg.GracefulShutdown {
		m.registerSignalHandler()
	}
	return nil
}

// Stop drains the workers and waits for in-flight handlers to finish —
// indefinitely with a background context; a context deadline signals the
// remaining handlers through their contexts instead. Subsequent calls
// are no-ops.
func (m *Manager) Stop(ctx context.Context) error {
	m.stateMu.Lock()
	m.stopping = true
	m.stateMu.Unlock()

	var err error
	m.stopOnce.Do(func() {
		err = m.workers.Stop(ctx)
		if m.monitor != nil {
			m.monitor.Stop()
		}
		close(m.signalDone)
		m.logger.Info("manager stopped")
	})
	return err
}

// Create validates, inserts, and returns a new pending job. The job
// becomes claimable as soon as its run_at passes; with workers running
// it may complete before Create's caller looks at it.
func (m *Manager) Create(ctx context.Context, jobType string, payload map[string]any, opts ...job.Option) (*job.Job, error) {
	if strings.TrimSpace(jobType) == "" {
		return nil, job.ErrEmptyType
	}

	o := job.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}

	j := &job.Job{
		Type:               jobType,
		Payload:            payload,
		MaxAttempts:        o.MaxAttempts,
		BackoffStrategy:    o.BackoffStrategy,
		MaxAttemptDuration: o.MaxAttemptDuration,
		RunAt:              o.RunAt,
	}
	if err := m.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	if o.OnDone != nil {
		m.bus.SubscribeUID(event.KindDone, j.UID, o.OnDone)
	}

	m.logger.Debug("job created",
		slog.String("job_type", j.Type),
		slog.String("job_uid", j.UID.String()),
		slog.Time("run_at", j.RunAt),
	)
	return j, nil
}

// Find returns the job with the given uid, optionally with its attempt
// rows. Returns job.ErrBadUID for a malformed uid and job.ErrNotFound
// for a missing row.
func (m *Manager) Find(ctx context.Context, uid string, withAttempts bool) (*job.Job, []*job.Attempt, error) {
	parsed, err := uuid.Parse(uid)
	if err != nil {
		return nil, nil, job.ErrBadUID
	}

	if err := m.ensureSchema(ctx); err != nil {
		return nil, nil, err
	}

	j, err := m.store.FindByUID(ctx, parsed)
	if err != nil {
		return nil, nil, err
	}

	var attempts []*job.Attempt
	if withAttempts {
		attempts, err = m.store.ListAttempts(ctx, j.ID)
		if err != nil {
			return nil, nil, err
		}
	}
	return j, attempts, nil
}

// List returns jobs matching opts.
func (m *Manager) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return m.store.List(ctx, opts)
}

// SetHandler registers (or, with a nil handler, removes) the handler for
// the given job type. Returns the manager for chaining.
func (m *Manager) SetHandler(jobType string, h job.Handler) *Manager {
	m.registry.Set(jobType, h)
	return m
}

// ResetHandlers removes all per-type handlers and the fallback.
func (m *Manager) ResetHandlers() {
	m.registry.Reset()
}

// OnDone subscribes cb to done events for the given job types (or
// event.Wildcard). Returns an unsubscriber.
func (m *Manager) OnDone(cb job.Callback, types ...string) func() {
	return m.bus.Subscribe(event.KindDone, cb, types...)
}

// OnAttempt subscribes cb to attempt events for the given job types (or
// event.Wildcard). Each attempt fires twice: the running view and the
// terminal view. Returns an unsubscriber.
func (m *Manager) OnAttempt(cb job.Callback, types ...string) func() {
	return m.bus.Subscribe(event.KindAttempt, cb, types...)
}

// OnDoneFor registers a one-shot callback fired when the job with the
// given uid reaches a terminal done state.
func (m *Manager) OnDoneFor(uid string, cb job.Callback) error {
	parsed, err := uuid.Parse(uid)
	if err != nil {
		return job.ErrBadUID
	}
	m.bus.SubscribeUID(event.KindDone, parsed, cb)
	return nil
}

// OnAttemptFor registers a callback fired for every attempt event of the
// job with the given uid, removed when the job is done.
func (m *Manager) OnAttemptFor(uid string, cb job.Callback) error {
	parsed, err := uuid.Parse(uid)
	if err != nil {
		return job.ErrBadUID
	}
	m.bus.SubscribeUID(event.KindAttempt, parsed, cb)
	return nil
}

// Cleanup marks running jobs stuck past the expiry threshold as expired
// and returns how many were transitioned. Expired jobs are never
// resurrected; schedule Cleanup periodically from the host if workers
// may die mid-execution.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return 0, err
	}
	n, err := m.store.MarkExpired(ctx, m.cfg.ExpireRunningAfter)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Warn("expired stuck running jobs", slog.Int64("count", n))
	}
	return n, nil
}

// HealthPreview aggregates count and average duration per status over
// jobs created in the window.
func (m *Manager) HealthPreview(ctx context.Context, window time.Duration) ([]job.StatusStat, error) {
	if err := m.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return m.store.HealthPreview(ctx, window)
}

// ResetHard drops and recreates the two tables, discarding all job data.
func (m *Manager) ResetHard(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if err := m.store.Initialize(ctx, true); err != nil {
		return err
	}
	m.initialized = true
	return nil
}

// Uninstall drops the two tables.
func (m *Manager) Uninstall(ctx context.Context) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if err := m.store.Uninstall(ctx); err != nil {
		return err
	}
	m.initialized = false
	return nil
}

// DBHealth returns the last status observed by the health monitor, or
// nil when the monitor is disabled or has never probed.
func (m *Manager) DBHealth() *health.Status {
	if m.monitor == nil {
		return nil
	}
	return m.monitor.LastStatus()
}

// CheckDBHealth probes the database immediately and returns the observed
// status. Works with or without the periodic monitor.
func (m *Manager) CheckDBHealth(ctx context.Context) (health.Status, error) {
	if m.monitor != nil {
		return m.monitor.Check(ctx), nil
	}
	if m.prober == nil {
		return health.Status{}, ErrNoHealthCheck
	}
	start := time.Now()
	version, _, err := m.prober.Probe(ctx)
	s := health.Status{Latency: time.Since(start), CheckedAt: time.Now()}
	if err != nil {
		s.Error = err.Error()
	} else {
		s.Healthy = true
		s.Version = version
	}
	return s, nil
}

// ActiveCount returns the number of jobs currently executing in this
// manager's workers.
func (m *Manager) ActiveCount() int {
	return m.workers.ActiveCount()
}
