package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"famsched/internal/task/cronspec"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

type Config struct {
	MaxTasksPerTenant int
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRepository enables write-through persistence.
func WithRepository(r Repository) Option {
	return func(s *Store) { s.repo = r }
}

func WithLogger(log logx.Logger) Option {
	return func(s *Store) { s.log = log }
}

// bucket holds one tenant's tasks behind that tenant's lock.
type bucket struct {
	mu    sync.Mutex
	tasks map[string]*ScheduledTask
}

// Store is the tenant-partitioned registry of cron tasks.
type Store struct {
	eval *cronspec.Evaluator
	repo Repository
	log  logx.Logger
	now  func() time.Time
	max  int

	mu      sync.RWMutex
	buckets map[tenant.Key]*bucket
}

func New(eval *cronspec.Evaluator, cfg Config, opts ...Option) *Store {
	s := &Store{
		eval:    eval,
		now:     time.Now,
		max:     cfg.MaxTasksPerTenant,
		buckets: map[tenant.Key]*bucket{},
	}
	if s.max <= 0 {
		s.max = DefaultMaxTasksPerTenant
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "task.store"))
	return s
}

func (s *Store) bucket(k tenant.Key, create bool) *bucket {
	s.mu.RLock()
	b := s.buckets[k]
	s.mu.RUnlock()
	if b != nil || !create {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b = s.buckets[k]; b == nil {
		b = &bucket{tasks: map[string]*ScheduledTask{}}
		s.buckets[k] = b
	}
	return b
}

func (s *Store) persist(ctx context.Context, t ScheduledTask) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveTask(ctx, t); err != nil {
		s.log.Warn("persist task failed", logx.String("tenant", string(t.Tenant)), logx.String("task", t.ID), logx.Err(err))
	}
}

// Schedule registers a new task and returns its id. An invalid expression
// or a full tenant leaves the store unchanged.
func (s *Store) Schedule(ctx context.Context, k tenant.Key, name, cronExpr, description string) (string, error) {
	name = strings.TrimSpace(name)
	if k == "" {
		return "", fmt.Errorf("%w: tenant required", ErrInvalidTask)
	}
	if name == "" {
		return "", fmt.Errorf("%w: name required", ErrInvalidTask)
	}
	expr := cronspec.Normalize(cronExpr)
	if err := s.eval.Validate(expr); err != nil {
		return "", err
	}

	now := s.now()
	next, err := s.eval.Next(expr, s.eval.Anchor(nil, now))
	if err != nil {
		return "", err
	}

	b := s.bucket(k, true)
	b.mu.Lock()
	if len(b.tasks) >= s.max {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: %s has %d", ErrTaskLimit, k, s.max)
	}
	t := &ScheduledTask{
		ID:          uuid.NewString(),
		Tenant:      k,
		Name:        name,
		Description: strings.TrimSpace(description),
		Cron:        expr,
		Enabled:     true,
		NextRun:     &next,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.tasks[t.ID] = t
	snap := t.Clone()
	b.mu.Unlock()

	s.persist(ctx, snap)
	s.log.Info("task scheduled", logx.String("tenant", string(k)), logx.String("task", snap.ID), logx.String("name", name), logx.String("cron", expr))
	return snap.ID, nil
}

// Cancel removes a task. It reports false if the tenant does not own id.
func (s *Store) Cancel(ctx context.Context, k tenant.Key, id string) (bool, error) {
	b := s.bucket(k, false)
	if b == nil {
		return false, nil
	}
	b.mu.Lock()
	_, ok := b.tasks[id]
	delete(b.tasks, id)
	b.mu.Unlock()
	if !ok {
		return false, nil
	}
	if s.repo != nil {
		if err := s.repo.DeleteTask(ctx, k, id); err != nil {
			return true, fmt.Errorf("delete task %s: %w", id, err)
		}
	}
	return true, nil
}

// List returns copies of the tenant's tasks, oldest first.
func (s *Store) List(k tenant.Key) []ScheduledTask {
	b := s.bucket(k, false)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	out := make([]ScheduledTask, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t.Clone())
	}
	b.mu.Unlock()
	sortTasks(out)
	return out
}

// All returns copies of every tenant's tasks.
func (s *Store) All() []ScheduledTask {
	s.mu.RLock()
	keys := make([]tenant.Key, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	var out []ScheduledTask
	for _, k := range keys {
		out = append(out, s.List(k)...)
	}
	sortTasks(out)
	return out
}

func sortTasks(ts []ScheduledTask) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Tenant != ts[j].Tenant {
			return ts[i].Tenant < ts[j].Tenant
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func (s *Store) Get(k tenant.Key, id string) (ScheduledTask, bool) {
	b := s.bucket(k, false)
	if b == nil {
		return ScheduledTask{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return ScheduledTask{}, false
	}
	return t.Clone(), true
}

func (s *Store) Count(k tenant.Key) int {
	b := s.bucket(k, false)
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// SetEnabled toggles a task. It reports false if the tenant does not own id.
func (s *Store) SetEnabled(ctx context.Context, k tenant.Key, id string, enabled bool) (bool, error) {
	b := s.bucket(k, false)
	if b == nil {
		return false, nil
	}
	b.mu.Lock()
	t, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return false, nil
	}
	t.Enabled = enabled
	t.UpdatedAt = s.now()
	snap := t.Clone()
	b.mu.Unlock()

	s.persist(ctx, snap)
	return true, nil
}

// ShouldRun reports whether task is due now. A task presented under another
// tenant's key is never due.
func (s *Store) ShouldRun(k tenant.Key, task ScheduledTask) bool {
	if task.Tenant != k {
		return false
	}
	return s.shouldRun(task, s.now())
}

func (s *Store) shouldRun(t ScheduledTask, now time.Time) bool {
	if !t.Enabled {
		return false
	}
	due, _, err := s.eval.Due(t.Cron, t.LastRun, now)
	if err != nil {
		s.log.Warn("cron evaluation failed", logx.String("tenant", string(t.Tenant)), logx.String("task", t.ID), logx.Err(err))
		return false
	}
	return due
}

// Due returns copies of every task that should run at now.
func (s *Store) Due(now time.Time) []ScheduledTask {
	var out []ScheduledTask
	for _, t := range s.All() {
		if s.shouldRun(t, now) {
			out = append(out, t)
		}
	}
	return out
}

// Claim atomically re-checks that the task is due and marks it as run
// (lastRun, nextRun) before the caller executes it. Overlapping callers get
// ErrNotDue.
func (s *Store) Claim(ctx context.Context, k tenant.Key, id string, now time.Time) (*Claim, error) {
	b := s.bucket(k, false)
	if b == nil {
		return nil, ErrNotFound
	}
	b.mu.Lock()
	t, ok := b.tasks[id]
	if !ok {
		b.mu.Unlock()
		return nil, ErrNotFound
	}
	if !s.shouldRun(*t, now) {
		b.mu.Unlock()
		return nil, ErrNotDue
	}
	next, err := s.eval.Next(t.Cron, now)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	c := &Claim{prevLast: cloneTime(t.LastRun), prevNext: cloneTime(t.NextRun), claimed: now}
	last := now
	t.LastRun = &last
	t.NextRun = &next
	t.UpdatedAt = now
	c.Task = t.Clone()
	b.mu.Unlock()

	s.persist(ctx, c.Task)
	return c, nil
}

// RecordSuccess counts a finished run of a claimed task.
func (s *Store) RecordSuccess(ctx context.Context, c *Claim) error {
	return s.finish(ctx, c, func(t *ScheduledTask) {
		t.ExecutionCount++
	})
}

// RecordFailure counts a failed run and rolls the schedule back to its
// pre-claim state, so the next aligned tick inside the execution window
// retries it.
func (s *Store) RecordFailure(ctx context.Context, c *Claim) error {
	return s.finish(ctx, c, func(t *ScheduledTask) {
		t.FailureCount++
		if t.LastRun != nil && t.LastRun.Equal(c.claimed) {
			t.LastRun = cloneTime(c.prevLast)
			t.NextRun = cloneTime(c.prevNext)
		}
	})
}

func (s *Store) finish(ctx context.Context, c *Claim, apply func(t *ScheduledTask)) error {
	if c == nil {
		return fmt.Errorf("%w: nil claim", ErrInvalidTask)
	}
	b := s.bucket(c.Task.Tenant, false)
	if b == nil {
		return ErrNotFound
	}
	b.mu.Lock()
	t, ok := b.tasks[c.Task.ID]
	if !ok {
		b.mu.Unlock()
		return ErrNotFound
	}
	apply(t)
	t.UpdatedAt = s.now()
	snap := t.Clone()
	b.mu.Unlock()

	s.persist(ctx, snap)
	return nil
}

// Load restores tasks from the repository. Tasks whose cron expression no
// longer parses are skipped with a warning.
func (s *Store) Load(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	tasks, err := s.repo.LoadTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load tasks: %w", err)
	}
	n := 0
	for _, t := range tasks {
		if err := s.eval.Validate(t.Cron); err != nil {
			s.log.Warn("skipping stored task", logx.String("tenant", string(t.Tenant)), logx.String("task", t.ID), logx.Err(err))
			continue
		}
		b := s.bucket(t.Tenant, true)
		cp := t.Clone()
		b.mu.Lock()
		b.tasks[cp.ID] = &cp
		b.mu.Unlock()
		n++
	}
	return n, nil
}

// FindByName returns the tenant's first task with the given name.
func (s *Store) FindByName(k tenant.Key, name string) (ScheduledTask, bool) {
	for _, t := range s.List(k) {
		if t.Name == name {
			return t, true
		}
	}
	return ScheduledTask{}, false
}
