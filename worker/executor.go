// Package worker provides the job execution engine — an Executor that
// drives one claimed job through its attempt pipeline, and a Pool that
// manages the concurrent claim loops.
package worker

import (
	"context"
	"log/slog"

	"github.com/marianmeres/steve/event"
	"github.com/marianmeres/steve/job"
	"github.com/marianmeres/steve/middleware"
)

// Executor runs a single claimed job: it logs the attempt, publishes the
// running view, invokes the resolved handler through the middleware
// chain, applies the transactional success or failure transition, and
// publishes the attempt and done events.
type Executor struct {
	registry *job.Registry
	store    job.Store
	bus      *event.Bus
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies. The
// middleware list wraps every handler invocation, outermost first.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	bus *event.Bus,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		bus:      bus,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute drives one claimed job through a full attempt.
//
// Event contract: subscribers observe attempt(running) first, then the
// terminal attempt view; done fires only when the job reaches completed
// or failed. A requeued retry emits attempt(pending) and no done.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	attemptID, err := e.store.LogAttemptStart(ctx, j)
	if err != nil {
		return err
	}

	e.bus.PublishAttempt(j)

	handler := e.registry.Resolve(j.Type)
	result, handlerErr := e.mw(ctx, j, func(ctx context.Context) (any, error) {
		return handler(ctx, j)
	})

	if handlerErr != nil {
		return e.handleFailure(ctx, j, attemptID, handlerErr)
	}
	return e.handleSuccess(ctx, j, attemptID, result)
}

func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, attemptID int64, result any) error {
	updated, err := e.store.Complete(ctx, j.ID, attemptID, result)
	if err != nil {
		e.logger.Error("failed to complete job",
			slog.String("job_type", j.Type),
			slog.String("job_uid", j.UID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.bus.PublishAttempt(updated)
	e.bus.PublishDone(updated)
	return nil
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, attemptID int64, handlerErr error) error {
	updated, err := e.store.FailOrRequeue(ctx, j, attemptID, handlerErr)
	if err != nil {
		e.logger.Error("failed to record job failure",
			slog.String("job_type", j.Type),
			slog.String("job_uid", j.UID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.bus.PublishAttempt(updated)

	if updated.Status == job.StatusFailed {
		e.bus.PublishDone(updated)
		e.logger.Warn("job failed after exhausting attempts",
			slog.String("job_type", updated.Type),
			slog.String("job_uid", updated.UID.String()),
			slog.Int("attempts", updated.Attempts),
			slog.String("error", handlerErr.Error()),
		)
	} else {
		e.logger.Info("job requeued for retry",
			slog.String("job_type", updated.Type),
			slog.String("job_uid", updated.UID.String()),
			slog.Int("attempt", updated.Attempts),
			slog.Int("max_attempts", updated.MaxAttempts),
			slog.Time("run_at", updated.RunAt),
		)
	}
	return nil
}
