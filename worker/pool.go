package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marianmeres/steve/job"
)

// claimErrorLogLimit bounds how many consecutive claim errors are logged
// before the worker mutes itself. The counter resets on the next
// successful claim cycle.
const claimErrorLogLimit = 10

// Pool manages a set of concurrent worker goroutines that repeatedly
// claim-or-sleep and hand claimed jobs to the Executor.
type Pool struct {
	store        job.Store
	executor     *Executor
	concurrency  int
	pollInterval time.Duration
	logger       *slog.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	// activeJobs tracks the ids currently executing and their cancel
	// funcs, used to observe the drain on stop and to signal handlers
	// on a forceful stop.
	activeJobs map[int64]context.CancelFunc
	activeMu   sync.Mutex

	// claimErrors mutes repeated claim-time error logs.
	claimErrors int
	claimMu     sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle worker sleeps between claims.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool creates a worker pool.
func NewPool(store job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		concurrency:  2,
		pollInterval: time.Second,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[int64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately and is a
// no-op while the pool is already running.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.concurrency),
		slog.Duration("poll_interval", p.pollInterval),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for in-flight handlers to
// finish. With a plain background context it waits indefinitely — the
// graceful contract. A context deadline turns the wait into a forceful
// stop: the contexts of the active handlers are cancelled, Stop waits for
// the workers to return, and then returns the context error. A handler
// that ignores its context still holds Stop until it returns.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown deadline exceeded, signalling active handlers",
			slog.Int("active", p.ActiveCount()),
		)
		p.cancelActive()
		p.wg.Wait()
		return ctx.Err()
	}
}

// ActiveCount returns the number of jobs currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// claimLoop is run by each worker goroutine: claim a job or sleep, hand
// claims to the executor, never let an error escape.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.store.ClaimNext(context.Background())
		if err != nil {
			p.noteClaimError(err)
			p.sleep()
			continue
		}

		if j == nil {
			p.resetClaimErrors()
			p.sleep()
			continue
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		p.track(j.ID, cancel)
		if execErr := p.executor.Execute(jobCtx, j); execErr != nil {
			p.logger.Debug("job execution error",
				slog.String("job_type", j.Type),
				slog.String("job_uid", j.UID.String()),
				slog.String("error", execErr.Error()),
			)
		}
		p.untrack(j.ID)
		cancel()

		p.resetClaimErrors()
	}
}

// noteClaimError logs the first claimErrorLogLimit consecutive claim
// errors, announces the mute once, then swallows the rest so a dead
// database does not flood the log at poll frequency.
func (p *Pool) noteClaimError(err error) {
	p.claimMu.Lock()
	p.claimErrors++
	count := p.claimErrors
	p.claimMu.Unlock()

	switch {
	case count < claimErrorLogLimit:
		p.logger.Error("job claim failed", slog.String("error", err.Error()))
	case count == claimErrorLogLimit:
		p.logger.Error("job claim failed, muting further claim errors",
			slog.String("error", err.Error()),
			slog.Int("consecutive_errors", count),
		)
	}
}

func (p *Pool) resetClaimErrors() {
	p.claimMu.Lock()
	p.claimErrors = 0
	p.claimMu.Unlock()
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(id int64, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[id] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(id int64) {
	p.activeMu.Lock()
	delete(p.activeJobs, id)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for id, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.Int64("job_id", id))
		cancel()
	}
}
