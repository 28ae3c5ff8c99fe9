// Package steve is a PostgreSQL-backed background job manager embedded
// in a host process: submissions are durably recorded in two tables and
// processed by a pool of concurrent workers with at-most-one-worker-per-
// job claiming, bounded retries with backoff, per-attempt timeouts,
// deferred execution, and an in-process event bus for completion and
// per-attempt notifications.
//
// # Quick start
//
//	pool, _ := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
//	m, err := steve.New(pool,
//	    steve.WithConcurrency(4),
//	    steve.WithHandler("email.send", sendEmail),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := m.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Stop(context.Background())
//
//	j, _ := m.Create(ctx, "email.send", map[string]any{"to": "a@b.c"},
//	    job.WithMaxAttempts(5),
//	)
//
// # Guarantees
//
// The claim is a single SELECT ... FOR UPDATE SKIP LOCKED statement, so
// each pending row is handed to exactly one worker across any number of
// hosts sharing the tables. Completion is at-most-once per job; a
// handler may run more than once only if its worker dies mid-execution,
// in which case Cleanup later marks the row expired.
//
// Handlers are not killed on timeout or forced stop — they are signalled
// through their context and their eventual result is discarded. Handlers
// that ignore the context keep consuming resources unobserved.
package steve
