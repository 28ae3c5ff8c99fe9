// Package retry provides the exponential-backoff wrapper for transient
// database errors, plus a job.Store decorator that applies it to every
// store call.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultRetryableCodes lists the error codes treated as transient:
// the PostgreSQL connection-class SQLSTATEs plus common connection-layer
// failures matched by message.
var DefaultRetryableCodes = []string{
	"08000", // connection_exception
	"08003", // connection_does_not_exist
	"08006", // connection_failure
	"57P03", // cannot_connect_now
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
}

// Options configures the retry wrapper.
type Options struct {
	// MaxRetries is how many times the operation is re-invoked after the
	// first failure.
	MaxRetries int

	// InitialDelay is the sleep before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the growing delay.
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// RetryableCodes are matched against pgconn SQLSTATEs and error
	// message substrings.
	RetryableCodes []string

	// Logger records retry attempts. Defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the documented defaults: 3 retries, 100ms
// initial delay, 5s cap, doubling.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     3,
		InitialDelay:   100 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2,
		RetryableCodes: DefaultRetryableCodes,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = def.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = def.MaxDelay
	}
	if o.Multiplier <= 1 {
		o.Multiplier = def.Multiplier
	}
	if len(o.RetryableCodes) == 0 {
		o.RetryableCodes = def.RetryableCodes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Do invokes op, retrying on transient errors with exponential backoff.
// Non-retryable errors surface immediately; the last error surfaces once
// MaxRetries is exhausted.
func Do[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.withDefaults()

	var zero T
	delay := opts.InitialDelay

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= opts.MaxRetries || !IsRetryable(err, opts.RetryableCodes) {
			return zero, err
		}

		opts.Logger.Warn("transient database error, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", opts.MaxRetries),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		delay = time.Duration(float64(delay) * opts.Multiplier)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
}

// IsRetryable reports whether err is a transient connection-class error:
// a pgconn SQLSTATE in codes, a network-level failure, or an error whose
// message contains one of the codes.
func IsRetryable(err error, codes []string) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		for _, code := range codes {
			if pgErr.Code == code {
				return true
			}
		}
		return false
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	for _, code := range codes {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}
