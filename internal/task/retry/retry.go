// Package retry tracks delivery attempts per (tenant, work item) with a fixed
// interval and a hard attempt ceiling derived from a total retry budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

var (
	ErrExhausted     = errors.New("retry budget exhausted")
	ErrInvalidPolicy = errors.New("retry: invalid policy")
)

// Policy is a fixed-interval retry budget.
type Policy struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// PolicyFromHours builds a policy from the configured hour values.
func PolicyFromHours(intervalHours, maxDurationHours int) Policy {
	return Policy{
		Interval:    time.Duration(intervalHours) * time.Hour,
		MaxDuration: time.Duration(maxDurationHours) * time.Hour,
	}
}

func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("%w: interval must be > 0", ErrInvalidPolicy)
	}
	if p.MaxDuration < p.Interval {
		return fmt.Errorf("%w: max duration %s shorter than interval %s", ErrInvalidPolicy, p.MaxDuration, p.Interval)
	}
	return nil
}

// MaxAttempts is MaxDuration / Interval, truncated.
func (p Policy) MaxAttempts() int {
	if p.Interval <= 0 {
		return 0
	}
	return int(p.MaxDuration / p.Interval)
}

// Record is the attempt history of one work item. It is kept after success
// and after exhaustion.
type Record struct {
	Tenant      tenant.Key `json:"tenant"`
	WorkItem    string     `json:"work_item"`
	Attempts    int        `json:"attempts"`
	LastAttempt time.Time  `json:"last_attempt"`
	NextAttempt *time.Time `json:"next_attempt,omitempty"`
	MaxAttempts int        `json:"max_attempts"`
	Successful  bool       `json:"successful"`
}

func (r Record) Exhausted() bool { return !r.Successful && r.Attempts >= r.MaxAttempts }

func (r Record) clone() Record {
	if r.NextAttempt != nil {
		v := *r.NextAttempt
		r.NextAttempt = &v
	}
	return r
}

type Repository interface {
	SaveRetry(ctx context.Context, r Record) error
	LoadRetries(ctx context.Context) ([]Record, error)
}

type key struct {
	tenant tenant.Key
	item   string
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithRepository(r Repository) Option { return func(t *Tracker) { t.repo = r } }

func WithLogger(log logx.Logger) Option { return func(t *Tracker) { t.log = log } }

type Tracker struct {
	policy Policy
	repo   Repository
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[key]*Record
}

func New(p Policy, opts ...Option) (*Tracker, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t := &Tracker{policy: p, now: time.Now, records: map[key]*Record{}}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With(logx.String("comp", "retry"))
	return t, nil
}

func (t *Tracker) Policy() Policy { return t.policy }

func (t *Tracker) persist(ctx context.Context, r Record) {
	if t.repo == nil {
		return
	}
	if err := t.repo.SaveRetry(ctx, r); err != nil {
		t.log.Warn("persist retry record failed", logx.String("tenant", string(r.Tenant)), logx.String("item", r.WorkItem), logx.Err(err))
	}
}

// RecordAttempt counts one failed attempt. Once the budget is used up it
// returns ErrExhausted and leaves the record unchanged. A failure after an
// earlier success starts a fresh count.
func (t *Tracker) RecordAttempt(ctx context.Context, k tenant.Key, item string) (Record, error) {
	now := t.now()
	t.mu.Lock()
	r := t.records[key{k, item}]
	if r == nil {
		r = &Record{Tenant: k, WorkItem: item}
		t.records[key{k, item}] = r
	}
	if r.Successful {
		r.Successful = false
		r.Attempts = 0
	}
	r.MaxAttempts = t.policy.MaxAttempts()
	if r.Exhausted() {
		snap := r.clone()
		t.mu.Unlock()
		return snap, ErrExhausted
	}
	r.Attempts++
	r.LastAttempt = now
	r.NextAttempt = nil
	if !r.Exhausted() {
		next := now.Add(t.policy.Interval)
		r.NextAttempt = &next
	}
	snap := r.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)
	return snap, nil
}

// RecordSuccess marks the item as done. The record is retained.
func (t *Tracker) RecordSuccess(ctx context.Context, k tenant.Key, item string) Record {
	now := t.now()
	t.mu.Lock()
	r := t.records[key{k, item}]
	if r == nil {
		r = &Record{Tenant: k, WorkItem: item, MaxAttempts: t.policy.MaxAttempts()}
		t.records[key{k, item}] = r
	}
	r.Successful = true
	r.LastAttempt = now
	r.NextAttempt = nil
	snap := r.clone()
	t.mu.Unlock()

	t.persist(ctx, snap)
	return snap
}

func (t *Tracker) Get(k tenant.Key, item string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.records[key{k, item}]
	if r == nil {
		return Record{}, false
	}
	return r.clone(), true
}

func (t *Tracker) AttemptsSoFar(k tenant.Key, item string) int {
	r, _ := t.Get(k, item)
	return r.Attempts
}

func (t *Tracker) IsExhausted(k tenant.Key, item string) bool {
	r, ok := t.Get(k, item)
	return ok && r.Exhausted()
}

// Due reports whether another attempt may be made at now. An item with no
// record has never failed and is due.
func (t *Tracker) Due(k tenant.Key, item string, now time.Time) bool {
	r, ok := t.Get(k, item)
	if !ok {
		return true
	}
	return !r.Successful && !r.Exhausted() && (r.NextAttempt == nil || !now.Before(*r.NextAttempt))
}

// Pending returns every failed, non-exhausted record whose next attempt is
// at or before now.
func (t *Tracker) Pending(now time.Time) []Record {
	t.mu.Lock()
	var out []Record
	for _, r := range t.records {
		if r.Successful || r.Exhausted() || r.NextAttempt == nil || now.Before(*r.NextAttempt) {
			continue
		}
		out = append(out, r.clone())
	}
	t.mu.Unlock()
	sortRecords(out)
	return out
}

// Records returns copies of all records, for diagnostics.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r.clone())
	}
	t.mu.Unlock()
	sortRecords(out)
	return out
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Tenant != rs[j].Tenant {
			return rs[i].Tenant < rs[j].Tenant
		}
		return rs[i].WorkItem < rs[j].WorkItem
	})
}

// Load restores records from the repository.
func (t *Tracker) Load(ctx context.Context) (int, error) {
	if t.repo == nil {
		return 0, nil
	}
	rs, err := t.repo.LoadRetries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load retry records: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range rs {
		cp := r.clone()
		t.records[key{r.Tenant, r.WorkItem}] = &cp
	}
	return len(rs), nil
}
