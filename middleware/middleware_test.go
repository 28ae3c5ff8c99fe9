package middleware_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marianmeres/steve/job"
	mw "github.com/marianmeres/steve/middleware"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:          1,
		UID:         uuid.New(),
		Type:        "test",
		Status:      job.StatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	tag := func(name string) mw.Middleware {
		return func(ctx context.Context, _ *job.Job, next mw.Handler) (any, error) {
			order = append(order, name+":before")
			result, err := next(ctx)
			order = append(order, name+":after")
			return result, err
		}
	}

	chain := mw.Chain(tag("outer"), tag("inner"))
	result, err := chain(context.Background(), newTestJob(), func(_ context.Context) (any, error) {
		order = append(order, "handler")
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" {
		t.Errorf("result = %v, want %q", result, "done")
	}

	want := []string{"outer:before", "inner:before", "handler", "inner:after", "outer:after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRecover_ConvertsPanic(t *testing.T) {
	m := mw.Recover(slog.Default())

	result, err := m(context.Background(), newTestJob(), func(_ context.Context) (any, error) {
		panic("boom")
	})
	if result != nil {
		t.Errorf("result = %v, want nil", result)
	}

	var pe *job.PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *job.PanicError", err)
	}
	if pe.Error() != "boom" {
		t.Errorf("message = %q, want %q", pe.Error(), "boom")
	}
	if pe.Stack == "" {
		t.Error("stack trace not captured")
	}
}

func TestRecover_PassesThrough(t *testing.T) {
	m := mw.Recover(slog.Default())

	want := errors.New("plain failure")
	result, err := m(context.Background(), newTestJob(), func(_ context.Context) (any, error) {
		return nil, want
	})
	if result != nil || !errors.Is(err, want) {
		t.Errorf("got (%v, %v), want (nil, %v)", result, err, want)
	}
}

func TestTimeout_HandlerWins(t *testing.T) {
	m := mw.Timeout(slog.Default())
	j := newTestJob()
	j.MaxAttemptDuration = time.Second

	result, err := m(context.Background(), j, func(_ context.Context) (any, error) {
		return map[string]any{"hey": "ho"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil {
		t.Error("result lost through timeout middleware")
	}
}

func TestTimeout_TimerWins(t *testing.T) {
	m := mw.Timeout(slog.Default())
	j := newTestJob()
	j.MaxAttemptDuration = 50 * time.Millisecond

	cancelled := make(chan struct{})
	start := time.Now()
	_, err := m(context.Background(), j, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	if !errors.Is(err, job.ErrExecutionTimedOut) {
		t.Fatalf("error = %v, want job.ErrExecutionTimedOut", err)
	}
	if err.Error() != "Execution timed out" {
		t.Errorf("message = %q, want %q", err.Error(), "Execution timed out")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, expected ~50ms", elapsed)
	}

	// The handler's context was cancelled even though the handler was
	// not killed.
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("handler context was not cancelled after timeout")
	}
}

func TestTimeout_ZeroDeadlineRunsUnbounded(t *testing.T) {
	m := mw.Timeout(slog.Default())
	j := newTestJob()
	j.MaxAttemptDuration = 0

	result, err := m(context.Background(), j, func(ctx context.Context) (any, error) {
		if _, ok := ctx.Deadline(); ok {
			t.Error("unexpected deadline on context")
		}
		return 42, nil
	})
	if err != nil || result != 42 {
		t.Errorf("got (%v, %v), want (42, nil)", result, err)
	}
}
