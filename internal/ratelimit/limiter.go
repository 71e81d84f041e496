package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Operation names used by the scheduler. Expensive or destructive operations
// get smaller budgets and longer windows than reads.
const (
	OpGetWeekLetter   = "GetWeekLetter"
	OpGetWeekSchedule = "GetWeekSchedule"
	OpCacheRead       = "CacheRead"
	OpPostWeekLetter  = "PostWeekLetter"
	OpSendReminder    = "SendReminder"
	OpDeleteReminder  = "DeleteReminder"
	OpExecuteTask     = "ExecuteTask"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrInvalidRule = errors.New("ratelimit: invalid rule")
)

// LimitError is returned by Take when the budget for an operation is used up.
type LimitError struct {
	Tenant    string
	Operation string
	Limit     int
	Window    time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: tenant=%s op=%s limit=%d window=%s", e.Tenant, e.Operation, e.Limit, e.Window)
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

type Rule struct {
	Limit  int
	Window time.Duration
}

type Rules struct {
	Default    Rule
	Operations map[string]Rule
}

// DefaultRules is the built-in table used when configuration does not
// override an operation.
func DefaultRules() Rules {
	return Rules{
		Default: Rule{Limit: 60, Window: time.Minute},
		Operations: map[string]Rule{
			OpGetWeekLetter:   {Limit: 100, Window: time.Minute},
			OpGetWeekSchedule: {Limit: 100, Window: time.Minute},
			OpCacheRead:       {Limit: 200, Window: time.Minute},
			OpPostWeekLetter:  {Limit: 10, Window: time.Hour},
			OpSendReminder:    {Limit: 30, Window: time.Hour},
			OpDeleteReminder:  {Limit: 20, Window: time.Hour},
			OpExecuteTask:     {Limit: 30, Window: time.Hour},
		},
	}
}

// Validate rejects non-positive limits and empty operation names. A window
// <= 0 is accepted and means "one call, then denied".
func (r Rules) Validate() error {
	if r.Default.Limit <= 0 {
		return fmt.Errorf("%w: default limit must be > 0", ErrInvalidRule)
	}
	for op, rule := range r.Operations {
		if op == "" {
			return fmt.Errorf("%w: empty operation name", ErrInvalidRule)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("%w: %s: limit must be > 0", ErrInvalidRule, op)
		}
	}
	return nil
}

func (r Rules) rule(op string) Rule {
	if rule, ok := r.Operations[op]; ok {
		return rule
	}
	return r.Default
}

func (r Rules) clone() Rules {
	out := Rules{Default: r.Default, Operations: make(map[string]Rule, len(r.Operations))}
	for k, v := range r.Operations {
		out.Operations[k] = v
	}
	return out
}

type key struct {
	tenant string
	op     string
}

// window is the FIFO of call timestamps for one (tenant, operation).
type window struct {
	mu    sync.Mutex
	times []time.Time
}

// prune drops entries older than now-d. A zero window never expires, so
// only its first entry is kept. Must be called with mu held.
func (w *window) prune(now time.Time, d time.Duration) {
	if d <= 0 {
		if len(w.times) > 1 {
			w.times = w.times[:1:1]
		}
		return
	}
	cutoff := now.Add(-d)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}
}

// Limiter is a sliding-window limiter keyed by (tenant, operation). Each key
// has its own lock, so tenants never contend with each other on a window.
type Limiter struct {
	now func() time.Time

	mu      sync.RWMutex
	rules   Rules
	windows map[key]*window
}

type Option func(*Limiter)

// WithClock replaces time.Now. Tests use it to move time forward.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(rules Rules, opts ...Option) (*Limiter, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	l := &Limiter{now: time.Now, rules: rules.clone(), windows: map[key]*window{}}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Apply swaps the rule table. Existing windows are kept.
func (l *Limiter) Apply(rules Rules) error {
	if err := rules.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	l.rules = rules.clone()
	l.mu.Unlock()
	return nil
}

// Rule returns the effective rule for op.
func (l *Limiter) Rule(op string) Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rules.rule(op)
}

func (l *Limiter) lookup(tenant, op string, create bool) (*window, Rule) {
	k := key{tenant: tenant, op: op}
	l.mu.RLock()
	w := l.windows[k]
	rule := l.rules.rule(op)
	l.mu.RUnlock()
	if w != nil || !create {
		return w, rule
	}

	l.mu.Lock()
	if w = l.windows[k]; w == nil {
		w = &window{}
		l.windows[k] = w
	}
	l.mu.Unlock()
	return w, rule
}

func allowed(w *window, rule Rule) bool {
	if rule.Window <= 0 {
		return len(w.times) == 0
	}
	return len(w.times) < rule.Limit
}

// Allowed reports whether one more call would fit. It records nothing.
func (l *Limiter) Allowed(tenant, op string) bool {
	w, rule := l.lookup(tenant, op, false)
	if w == nil {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now(), rule.Window)
	return allowed(w, rule)
}

// Record appends a call at the current time, whether or not it was allowed.
func (l *Limiter) Record(tenant, op string) {
	w, rule := l.lookup(tenant, op, true)
	now := l.now()
	w.mu.Lock()
	w.prune(now, rule.Window)
	if rule.Window > 0 || len(w.times) == 0 {
		w.times = append(w.times, now)
	}
	w.mu.Unlock()
}

// Remaining returns how many calls are left in the current window.
func (l *Limiter) Remaining(tenant, op string) int {
	w, rule := l.lookup(tenant, op, false)
	if w == nil {
		if rule.Window <= 0 {
			return 1
		}
		return rule.Limit
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now(), rule.Window)
	if rule.Window <= 0 {
		if len(w.times) == 0 {
			return 1
		}
		return 0
	}
	if n := rule.Limit - len(w.times); n > 0 {
		return n
	}
	return 0
}

// Take checks and records under the same lock, so concurrent callers can
// never overshoot the limit.
func (l *Limiter) Take(tenant, op string) error {
	w, rule := l.lookup(tenant, op, true)
	now := l.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now, rule.Window)
	if !allowed(w, rule) {
		return &LimitError{Tenant: tenant, Operation: op, Limit: rule.Limit, Window: rule.Window}
	}
	w.times = append(w.times, now)
	return nil
}

// Reset drops every window owned by tenant.
func (l *Limiter) Reset(tenant string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.windows {
		if k.tenant == tenant {
			delete(l.windows, k)
		}
	}
}
