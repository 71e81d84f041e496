package storage

import (
	"context"
	"errors"
	"time"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/reminder"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the full persistence API. Each domain package depends only on
// its own Repository slice of it.
type Store interface {
	store.Repository
	retry.Repository
	delivery.Repository
	reminder.Repository
	tenant.StateStore
	audit.Appender

	// RecentAudit returns up to limit audit events, newest first.
	RecentAudit(ctx context.Context, limit int) ([]audit.Event, error)
	Close() error
}
