// Package storage persists scheduler state: cron tasks, one-shot reminders,
// retry records, delivery records, a tenant-namespaced key/value table and
// the audit log.
//
// Drivers:
//   - "memory": process-local maps, nothing survives a restart
//   - "file":   memory plus a JSON snapshot and an append-only journal
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
package storage
