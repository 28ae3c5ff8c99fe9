// Package postgres implements the durable job store on PostgreSQL —
// schema management, the SKIP LOCKED claim protocol, and the
// transactional job/attempt state transitions.
package postgres
