// Package store defines the persistence interfaces for tasks, task
// events, jobs, job executions, and generation units, plus the shared
// error values their implementations return. Keeping orchestration and
// scheduling code against these interfaces lets tests substitute
// in-memory stores for PostgreSQL.
package store
