package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marianmeres/steve/event"
	"github.com/marianmeres/steve/job"
	"github.com/marianmeres/steve/middleware"
	"github.com/marianmeres/steve/store/memory"
	"github.com/marianmeres/steve/worker"
)

type testRig struct {
	pool     *worker.Pool
	store    *memory.Store
	registry *job.Registry
	bus      *event.Bus
}

func setupTestPool(t *testing.T, concurrency int, pollInterval time.Duration) *testRig {
	t.Helper()
	logger := slog.Default()
	s := memory.New()
	reg := job.NewRegistry()
	bus := event.NewBus(event.WithLogger(logger))

	executor := worker.NewExecutor(reg, s, bus, logger,
		middleware.Recover(logger),
		middleware.Logging(logger),
		middleware.Timeout(logger),
	)
	pool := worker.NewPool(s, executor, logger,
		worker.WithConcurrency(concurrency),
		worker.WithPollInterval(pollInterval),
	)

	return &testRig{pool: pool, store: s, registry: reg, bus: bus}
}

func createJob(t *testing.T, s *memory.Store, jobType string, opts job.Options) *job.Job {
	t.Helper()
	j := &job.Job{
		Type:               jobType,
		Payload:            map[string]any{"bar": "baz"},
		MaxAttempts:        opts.MaxAttempts,
		BackoffStrategy:    opts.BackoffStrategy,
		MaxAttemptDuration: opts.MaxAttemptDuration,
		RunAt:              opts.RunAt,
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	if j.BackoffStrategy == "" {
		j.BackoffStrategy = job.BackoffExp
	}
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func stopPool(t *testing.T, p *worker.Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPool_StartStop(t *testing.T) {
	rig := setupTestPool(t, 2, 20*time.Millisecond)

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Double start is a no-op.
	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("double start: %v", err)
	}

	stopPool(t, rig.pool)
	// Double stop is a no-op.
	stopPool(t, rig.pool)
}

func TestPool_HappyPath(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.Set("foo", func(_ context.Context, j *job.Job) (any, error) {
		if j.Payload["bar"] != "baz" {
			t.Errorf("payload = %v, want bar=baz", j.Payload)
		}
		return map[string]any{"hey": "ho"}, nil
	})

	created := createJob(t, rig.store, "foo", job.Options{MaxAttempts: 5, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j != nil && j.Status == job.StatusCompleted
	})

	j, err := rig.store.FindByUID(context.Background(), created.UID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if j.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", j.Attempts)
	}
	if j.Result["hey"] != "ho" {
		t.Errorf("result = %v, want hey=ho", j.Result)
	}
	if j.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	attempts, err := rig.store.ListAttempts(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("attempt rows = %d, want 1", len(attempts))
	}
	if attempts[0].Status != job.AttemptSuccess {
		t.Errorf("attempt status = %s, want success", attempts[0].Status)
	}
}

func TestPool_SuccessfulRetry(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.Set("flaky", func(_ context.Context, j *job.Job) (any, error) {
		if j.Attempts <= 2 {
			return nil, fmt.Errorf("transient failure on attempt %d", j.Attempts)
		}
		return map[string]any{"hey": "ho"}, nil
	})

	var attemptEvents, doneEvents atomic.Int32
	rig.bus.Subscribe(event.KindAttempt, func(_ *job.Job) { attemptEvents.Add(1) }, "flaky")
	rig.bus.Subscribe(event.KindDone, func(_ *job.Job) { doneEvents.Add(1) }, "flaky")

	created := createJob(t, rig.store, "flaky", job.Options{MaxAttempts: 3, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j != nil && j.Status == job.StatusCompleted
	})

	j, _ := rig.store.FindByUID(context.Background(), created.UID)
	if j.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", j.Attempts)
	}

	attempts, _ := rig.store.ListAttempts(context.Background(), j.ID)
	if len(attempts) != 3 {
		t.Fatalf("attempt rows = %d, want 3", len(attempts))
	}
	for i, want := range []job.AttemptStatus{job.AttemptError, job.AttemptError, job.AttemptSuccess} {
		if attempts[i].Status != want {
			t.Errorf("attempt %d status = %s, want %s", i+1, attempts[i].Status, want)
		}
		if attempts[i].AttemptNumber != i+1 {
			t.Errorf("attempt %d number = %d", i+1, attempts[i].AttemptNumber)
		}
	}

	// Each attempt publishes a running view and a terminal view.
	waitFor(t, time.Second, func() bool { return attemptEvents.Load() == 6 })
	if n := doneEvents.Load(); n != 1 {
		t.Errorf("done events = %d, want 1", n)
	}
}

func TestPool_ExhaustedRetries(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.Set("doomed", func(_ context.Context, _ *job.Job) (any, error) {
		return nil, errors.New("always fails")
	})

	var doneEvents atomic.Int32
	var doneStatus atomic.Value
	rig.bus.Subscribe(event.KindDone, func(j *job.Job) {
		doneEvents.Add(1)
		doneStatus.Store(j.Status)
	}, "doomed")

	created := createJob(t, rig.store, "doomed", job.Options{MaxAttempts: 5, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j != nil && j.Status == job.StatusFailed
	})

	j, _ := rig.store.FindByUID(context.Background(), created.UID)
	if j.Attempts != 5 {
		t.Errorf("attempts = %d, want 5", j.Attempts)
	}
	if j.CompletedAt == nil {
		t.Error("completed_at not set on failed job")
	}

	attempts, _ := rig.store.ListAttempts(context.Background(), j.ID)
	if len(attempts) != 5 {
		t.Fatalf("attempt rows = %d, want 5", len(attempts))
	}
	for i, a := range attempts {
		if a.Status != job.AttemptError {
			t.Errorf("attempt %d status = %s, want error", i+1, a.Status)
		}
		if a.ErrorMessage != "always fails" {
			t.Errorf("attempt %d message = %q", i+1, a.ErrorMessage)
		}
	}

	waitFor(t, time.Second, func() bool { return doneEvents.Load() == 1 })
	if got := doneStatus.Load(); got != job.StatusFailed {
		t.Errorf("done event status = %v, want failed", got)
	}
}

func TestPool_ScheduledRun(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.Set("later", func(_ context.Context, _ *job.Job) (any, error) {
		return nil, nil
	})

	delay := 200 * time.Millisecond
	created := createJob(t, rig.store, "later", job.Options{
		MaxAttempts:     1,
		BackoffStrategy: job.BackoffNone,
		RunAt:           time.Now().Add(delay),
	})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	// The job must still be pending well before its run_at.
	time.Sleep(100 * time.Millisecond)
	j, _ := rig.store.FindByUID(context.Background(), created.UID)
	if j.Status != job.StatusPending {
		t.Fatalf("status before run_at = %s, want pending", j.Status)
	}

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j.Status == job.StatusCompleted
	})

	j, _ = rig.store.FindByUID(context.Background(), created.UID)
	if j.StartedAt == nil {
		t.Fatal("started_at not set")
	}
	if got := j.StartedAt.Sub(j.CreatedAt); got < delay {
		t.Errorf("started %v after creation, want >= %v", got, delay)
	}
}

func TestPool_AttemptTimeout(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.Set("slow", func(ctx context.Context, _ *job.Job) (any, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	created := createJob(t, rig.store, "slow", job.Options{
		MaxAttempts:        2,
		BackoffStrategy:    job.BackoffNone,
		MaxAttemptDuration: 100 * time.Millisecond,
	})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 10*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j.Status == job.StatusFailed
	})

	attempts, _ := rig.store.ListAttempts(context.Background(), created.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempt rows = %d, want 2", len(attempts))
	}
	for i, a := range attempts {
		if a.ErrorMessage != "Execution timed out" {
			t.Errorf("attempt %d message = %q, want %q", i+1, a.ErrorMessage, "Execution timed out")
		}
	}
}

func TestPool_ConcurrentClaimExclusion(t *testing.T) {
	rig := setupTestPool(t, 4, 5*time.Millisecond)

	const jobCount = 20
	var mu sync.Mutex
	seen := make(map[int64]int)

	rig.registry.Set("claim", func(_ context.Context, j *job.Job) (any, error) {
		mu.Lock()
		seen[j.ID]++
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})

	created := make([]*job.Job, 0, jobCount)
	for range jobCount {
		created = append(created, createJob(t, rig.store, "claim", job.Options{MaxAttempts: 1, BackoffStrategy: job.BackoffNone}))
	}

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 10*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == jobCount
	})

	mu.Lock()
	defer mu.Unlock()
	for _, j := range created {
		if n := seen[j.ID]; n != 1 {
			t.Errorf("job %d executed %d times, want 1", j.ID, n)
		}
	}
}

func TestPool_NoopHandler(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	created := createJob(t, rig.store, "unregistered", job.Options{MaxAttempts: 1, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j.Status == job.StatusCompleted
	})

	j, _ := rig.store.FindByUID(context.Background(), created.UID)
	if j.Result["noop"] != true {
		t.Errorf("result = %v, want noop=true", j.Result)
	}
}

func TestPool_FallbackHandler(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.SetFallback(func(_ context.Context, _ *job.Job) (any, error) {
		return map[string]any{"fallback": true}, nil
	})

	created := createJob(t, rig.store, "unmatched", job.Options{MaxAttempts: 1, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j.Status == job.StatusCompleted
	})

	j, _ := rig.store.FindByUID(context.Background(), created.UID)
	if j.Result["fallback"] != true {
		t.Errorf("result = %v, want fallback=true", j.Result)
	}
}

func TestPool_NonSerializableResult(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.Set("weird", func(_ context.Context, _ *job.Job) (any, error) {
		// Channels cannot be JSON-serialized.
		return map[string]any{"ch": make(chan int)}, nil
	})

	created := createJob(t, rig.store, "weird", job.Options{MaxAttempts: 1, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j.Status == job.StatusCompleted
	})

	j, _ := rig.store.FindByUID(context.Background(), created.UID)
	if j.Result["message"] != "Unable to serialize completed job result" {
		t.Errorf("result = %v, want serialization stub", j.Result)
	}
}

func TestPool_PanickingHandler(t *testing.T) {
	rig := setupTestPool(t, 1, 10*time.Millisecond)

	rig.registry.Set("panicky", func(_ context.Context, _ *job.Job) (any, error) {
		panic("kaboom")
	})

	created := createJob(t, rig.store, "panicky", job.Options{MaxAttempts: 1, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, rig.pool)

	waitFor(t, 5*time.Second, func() bool {
		j, _ := rig.store.FindByUID(context.Background(), created.UID)
		return j.Status == job.StatusFailed
	})

	attempts, _ := rig.store.ListAttempts(context.Background(), created.ID)
	if len(attempts) != 1 {
		t.Fatalf("attempt rows = %d, want 1", len(attempts))
	}
	if attempts[0].ErrorMessage != "kaboom" {
		t.Errorf("error message = %q, want %q", attempts[0].ErrorMessage, "kaboom")
	}
	if attempts[0].ErrorDetails["stack"] == nil || attempts[0].ErrorDetails["stack"] == "" {
		t.Error("stack not captured in error details")
	}
}

func TestPool_GracefulStopWaitsForHandler(t *testing.T) {
	rig := setupTestPool(t, 1, 5*time.Millisecond)

	started := make(chan struct{})
	var finished atomic.Bool
	rig.registry.Set("slowstop", func(_ context.Context, _ *job.Job) (any, error) {
		close(started)
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})

	createJob(t, rig.store, "slowstop", job.Options{MaxAttempts: 1, BackoffStrategy: job.BackoffNone})

	if err := rig.pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	<-started
	if err := rig.pool.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	if !finished.Load() {
		t.Error("stop returned before the in-flight handler finished")
	}
	if n := rig.pool.ActiveCount(); n != 0 {
		t.Errorf("active count after stop = %d, want 0", n)
	}
}

// failingStore wraps a store and fails ClaimNext a fixed number of times,
// verifying the worker loop survives claim errors and recovers.
type failingStore struct {
	job.Store
	failures atomic.Int32
	limit    int32
}

func (f *failingStore) ClaimNext(ctx context.Context) (*job.Job, error) {
	if f.failures.Add(1) <= f.limit {
		return nil, errors.New("connection refused")
	}
	return f.Store.ClaimNext(ctx)
}

func TestPool_SurvivesClaimErrors(t *testing.T) {
	logger := slog.Default()
	mem := memory.New()
	fs := &failingStore{Store: mem, limit: 3}
	reg := job.NewRegistry()
	bus := event.NewBus()

	executor := worker.NewExecutor(reg, fs, bus, logger, middleware.Recover(logger))
	pool := worker.NewPool(fs, executor, logger,
		worker.WithConcurrency(1),
		worker.WithPollInterval(5*time.Millisecond),
	)

	var done atomic.Bool
	reg.Set("resilient", func(_ context.Context, _ *job.Job) (any, error) {
		done.Store(true)
		return nil, nil
	})

	j := &job.Job{Type: "resilient", MaxAttempts: 1, BackoffStrategy: job.BackoffNone}
	if err := mem.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stopPool(t, pool)

	waitFor(t, 5*time.Second, func() bool { return done.Load() })
}
