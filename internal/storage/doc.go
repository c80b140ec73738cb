// Package storage persists feeding schedules and the feeding log.
//
// Two backends are available:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": a JSON snapshot for schedules plus a JSON Lines feeding log
//
// Both enforce that no two active schedules share the same (time, portion).
package storage
