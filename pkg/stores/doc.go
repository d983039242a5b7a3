// Package stores provides persistence layer implementations for the job
// engine. It includes SQLite-based storage with WAL mode, connection
// pooling, an idempotent outcome sink, finalized job records, and a durable
// queue with visibility-timeout leasing and a dead-letter set.
package stores
