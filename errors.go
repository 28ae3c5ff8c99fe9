package steve

import "errors"

var (
	// ErrNilPool is returned by New when neither a database pool nor a
	// custom store is provided.
	ErrNilPool = errors.New("steve: database pool is required")

	// ErrShuttingDown is returned by Start once Stop has begun.
	ErrShuttingDown = errors.New("steve: manager is shutting down")

	// ErrNoHealthCheck is returned by CheckDBHealth when no prober is
	// available (New was called without a database pool).
	ErrNoHealthCheck = errors.New("steve: no database health prober configured")
)
