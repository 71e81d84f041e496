package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/executor"
	"famsched/internal/notifier"
	"famsched/internal/reminder"
	"famsched/internal/source"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
)

const (
	DefaultTickInterval      = 10 * time.Second
	DefaultMinuteAlignWindow = 10 * time.Second

	// JobPostWeekLetter fetches the tenant's week letter and posts it once.
	JobPostWeekLetter = "post_week_letter"

	HouseholdKey tenant.Key = "household"
)

var (
	ErrUnknownJob    = errors.New("unknown job")
	ErrUnknownPolicy = errors.New("unknown reminder policy")
	ErrNoContent     = errors.New("no content yet")
	ErrDuplicateJob  = errors.New("job already registered")
)

// ReminderPolicy decides when a due reminder is deleted.
type ReminderPolicy string

const (
	// AtMostOnce deletes the reminder after the delivery attempt, even a
	// failed one. A reminder may be lost but never repeats.
	AtMostOnce ReminderPolicy = "at_most_once"
	// AtLeastOnce deletes only after every channel accepted it. A failed
	// reminder is tried again on the next tick.
	AtLeastOnce ReminderPolicy = "at_least_once"
)

func ParseReminderPolicy(s string) (ReminderPolicy, error) {
	switch ReminderPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", AtMostOnce:
		return AtMostOnce, nil
	case AtLeastOnce:
		return AtLeastOnce, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

type Config struct {
	TickInterval time.Duration
	// Ticks whose wall-clock second is below this value also evaluate cron
	// tasks and retries.
	MinuteAlignWindow time.Duration
	Location          *time.Location
	ReminderPolicy    ReminderPolicy
	// Placeholders are source texts meaning "nothing published yet".
	Placeholders []string
	// Household receives reminders that belong to no tenant.
	Household tenant.Tenant
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.MinuteAlignWindow <= 0 {
		c.MinuteAlignWindow = DefaultMinuteAlignWindow
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.ReminderPolicy == "" {
		c.ReminderPolicy = AtMostOnce
	}
	if c.Placeholders == nil {
		c.Placeholders = source.DefaultPlaceholders
	}
	if c.Household.Key == "" {
		c.Household.Key = HouseholdKey
	}
	if c.Household.FirstName == "" && c.Household.LastName == "" {
		c.Household.FirstName = "Household"
	}
	if len(c.Household.Channels) == 0 {
		c.Household.Channels = []string{"log"}
	}
	return c
}

// Deliverer sends text to a tenant's channels. *notifier.Service satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, t tenant.Tenant, text string, only ...string) notifier.Outcome
}

// Deps are the collaborators the orchestrator drives. All are required
// except Audit.
type Deps struct {
	Tenants   *tenant.Registry
	Tasks     *store.Store
	Retry     *retry.Tracker
	Dedup     *delivery.Deduplicator
	Reminders reminder.Repository
	Notify    Deliverer
	Source    source.Source
	Executor  *executor.Executor
	Audit     audit.Sink
}

func (d Deps) validate() error {
	var missing []string
	if d.Tenants == nil {
		missing = append(missing, "tenants")
	}
	if d.Tasks == nil {
		missing = append(missing, "tasks")
	}
	if d.Retry == nil {
		missing = append(missing, "retry")
	}
	if d.Dedup == nil {
		missing = append(missing, "dedup")
	}
	if d.Reminders == nil {
		missing = append(missing, "reminders")
	}
	if d.Notify == nil {
		missing = append(missing, "notify")
	}
	if d.Source == nil {
		missing = append(missing, "source")
	}
	if d.Executor == nil {
		missing = append(missing, "executor")
	}
	if len(missing) > 0 {
		return fmt.Errorf("orchestrator: missing dependencies: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Run describes one job invocation.
type Run struct {
	// Task is the cron task that fired; zero for retries and manual runs.
	Task   store.ScheduledTask
	Period string
	At     time.Time
	Retry  bool
	// Force skips the retry backoff check. Exhausted items stay skipped.
	Force bool
}

// Job does the work of one run for one tenant.
type Job func(ctx context.Context, sc *tenant.Scope, run Run) error

// WorkItem names a retryable unit as "<job>@<period>".
func WorkItem(job, period string) string { return job + "@" + period }

func splitWorkItem(item string) (job, period string, ok bool) {
	i := strings.LastIndexByte(item, '@')
	if i <= 0 || i == len(item)-1 {
		return "", "", false
	}
	return item[:i], item[i+1:], true
}

// TickReport counts what one tick did.
type TickReport struct {
	At        time.Time
	Aligned   bool
	Reminders int
	Tasks     int
	Retries   int
	Failures  int
}

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

type Snapshot struct {
	State     State
	StartedAt time.Time
	Ticks     uint64
	LastTick  TickReport
	InFlight  int64
	Jobs      []string
	Policy    ReminderPolicy
}
