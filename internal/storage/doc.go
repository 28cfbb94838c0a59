// Package storage is the durable task store for scheduled deliveries.
//
// Two drivers:
//   - "sqlite": SQLite database file (the production driver)
//   - "memory": in-process map (tests, ephemeral runs)
//
// Every mutating operation runs under one process-wide critical section per
// store, so admission dedup checks and lifecycle transitions are atomic with
// respect to each other. Rows are deactivated, never deleted, by the task
// lifecycle; PurgeInactive exists solely for the housekeeping job.
package storage
