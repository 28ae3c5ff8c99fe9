package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/marianmeres/steve/job"
)

// Timeout returns middleware that enforces the job's per-attempt deadline
// by racing the handler against a timer. When the timer wins, the attempt
// fails with job.ErrExecutionTimedOut and the handler's context is
// cancelled — but the handler itself is not terminated. A handler that
// ignores its context keeps running unobserved; its eventual result is
// discarded.
//
// Jobs with a zero MaxAttemptDuration run without a deadline.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (any, error) {
		if j.MaxAttemptDuration <= 0 {
			return next(ctx)
		}

		logger.Debug("attempt deadline set",
			slog.String("job_uid", j.UID.String()),
			slog.Duration("deadline", j.MaxAttemptDuration),
		)

		hctx, cancel := context.WithCancel(ctx)

		type outcome struct {
			result any
			err    error
		}
		// Buffered so the handler goroutine can finish after a timeout
		// without anyone reading the channel.
		ch := make(chan outcome, 1)
		go func() {
			// The handler runs on this goroutine, out of reach of the
			// Recover middleware, so a panic is converted here.
			defer func() {
				if r := recover(); r != nil {
					ch <- outcome{nil, &job.PanicError{Value: r, Stack: string(debug.Stack())}}
				}
			}()
			result, err := next(hctx)
			ch <- outcome{result, err}
		}()

		timer := time.NewTimer(j.MaxAttemptDuration)
		defer timer.Stop()

		select {
		case out := <-ch:
			cancel()
			return out.result, out.err
		case <-timer.C:
			cancel()
			logger.Warn("attempt timed out",
				slog.String("job_type", j.Type),
				slog.String("job_uid", j.UID.String()),
				slog.Duration("deadline", j.MaxAttemptDuration),
			)
			return nil, job.ErrExecutionTimedOut
		}
	}
}
