package steve

import "time"

// Config holds configuration for the Manager.
type Config struct {
	// TablePrefix is prepended to both table names. It may include a
	// schema qualifier followed by a dot ("queue.myapp_").
	TablePrefix string

	// Concurrency is the number of worker goroutines Start launches.
	Concurrency int

	// PollInterval is how long an idle worker sleeps between claims.
	PollInterval time.Duration

	// ExpireRunningAfter is the Cleanup threshold: running jobs whose
	// current attempt started earlier than this are marked expired.
	ExpireRunningAfter time.Duration

	// GracefulShutdown registers a process termination hook that invokes
	// Stop.
	GracefulShutdown bool

	// DedupSubscriptions drops duplicate (same topic, same callback)
	// event subscriptions.
	DedupSubscriptions bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        2,
		PollInterval:       time.Second,
		ExpireRunningAfter: time.Hour,
		GracefulShutdown:   true,
		DedupSubscriptions: true,
	}
}
