// Package storage keeps a bounded history of dispatch outcomes for operator
// visibility. It never stores job state: schedules are rebuilt from the job
// specification on every start.
//
// Drivers:
//   - "file": JSON Lines file, compacted to the history limit
//   - "sqlite": SQLite database (build tag "sqlite")
package storage
