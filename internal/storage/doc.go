// Package storage persists task records and implements the atomic claim that
// lets several runner processes share one queue.
//
// Drivers:
//   - "memory": process-local, for tests and single-process use
//   - "sqlite": SQLite file via modernc.org/sqlite
//   - "postgres": PostgreSQL via pgx's database/sql driver
package storage
