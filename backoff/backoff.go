// Package backoff provides the retry delay strategies persisted on job
// rows. All strategies are stateless and safe for concurrent use.
package backoff

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/marianmeres/steve/job"
)

// Strategy computes the delay before the next retry.
type Strategy interface {
	// Delay returns how long to wait after attemptsSoFar failed attempts.
	// The first retry passes 1.
	Delay(attemptsSoFar int) time.Duration
}

// None retries immediately.
type None struct{}

// Delay always returns zero.
func (None) Delay(_ int) time.Duration { return 0 }

// Exponential waits 2^attempts seconds: 2s after the first failed
// attempt, 4s after the second, and so on.
type Exponential struct{}

// Delay returns 2^attemptsSoFar seconds.
func (Exponential) Delay(attemptsSoFar int) time.Duration {
	return time.Duration(math.Pow(2, float64(attemptsSoFar))) * time.Second
}

// warned tracks unknown strategy names already logged, so a misconfigured
// job type warns once instead of on every retry.
var warned sync.Map

// ForStrategy maps a persisted strategy name to its Strategy. Unknown
// names fall back to Exponential with a warning logged once per name.
func ForStrategy(name string, logger *slog.Logger) Strategy {
	switch name {
	case job.BackoffNone:
		return None{}
	case job.BackoffExp:
		return Exponential{}
	}
	if _, already := warned.LoadOrStore(name, struct{}{}); !already {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("unknown backoff strategy, falling back to exp",
			slog.String("strategy", name),
		)
	}
	return Exponential{}
}
