package store

import (
	"context"
	"errors"
	"time"

	"famsched/internal/tenant"
)

var (
	ErrTaskLimit   = errors.New("task limit reached for tenant")
	ErrInvalidTask = errors.New("invalid task")
	ErrNotFound    = errors.New("task not found")
	ErrNotDue      = errors.New("task not due")
)

const DefaultMaxTasksPerTenant = 10

// ScheduledTask is a cron task owned by exactly one tenant.
type ScheduledTask struct {
	ID          string     `json:"id"`
	Tenant      tenant.Key `json:"tenant"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Cron        string     `json:"cron"`
	Enabled     bool       `json:"enabled"`

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`

	ExecutionCount int `json:"execution_count"`
	FailureCount   int `json:"failure_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy; callers never see the live record.
func (t ScheduledTask) Clone() ScheduledTask {
	t.LastRun = cloneTime(t.LastRun)
	t.NextRun = cloneTime(t.NextRun)
	return t
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Repository persists tasks. Implementations live in internal/storage.
type Repository interface {
	SaveTask(ctx context.Context, t ScheduledTask) error
	DeleteTask(ctx context.Context, tenant tenant.Key, id string) error
	LoadTasks(ctx context.Context) ([]ScheduledTask, error)
}

// Claim is the handle returned by Store.Claim. It remembers the schedule
// state before the claim so a failed run can be retried in the same window.
type Claim struct {
	Task ScheduledTask

	prevLast *time.Time
	prevNext *time.Time
	claimed  time.Time
}
