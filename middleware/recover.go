package middleware

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/marianmeres/steve/job"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to *job.PanicError carrying the stack trace,
// which the store persists into the attempt row's error details.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (result any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("job handler panicked",
					slog.String("job_type", j.Type),
					slog.String("job_uid", j.UID.String()),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				result = nil
				retErr = &job.PanicError{Value: r, Stack: stack}
			}
		}()
		return next(ctx)
	}
}
