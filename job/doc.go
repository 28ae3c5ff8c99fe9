// Package job defines the persistent job model — the Job and Attempt rows,
// their statuses, per-job options, the handler registry, and the Store
// interface the coordination layer drives.
package job
