package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/marianmeres/steve/job"
)

// Logging returns middleware that logs attempt start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (any, error) {
		logger.Debug("attempt started",
			slog.String("job_type", j.Type),
			slog.String("job_uid", j.UID.String()),
			slog.Int("attempt", j.Attempts),
			slog.Int("max_attempts", j.MaxAttempts),
		)

		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("attempt failed",
				slog.String("job_type", j.Type),
				slog.String("job_uid", j.UID.String()),
				slog.Int("attempt", j.Attempts),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("attempt succeeded",
				slog.String("job_type", j.Type),
				slog.String("job_uid", j.UID.String()),
				slog.Int("attempt", j.Attempts),
				slog.Duration("elapsed", elapsed),
			)
		}

		return result, err
	}
}
