package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"famsched/internal/audit"
	"famsched/internal/runtime/supervisor"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// Orchestrator owns the tick loop. Handlers are reentrant: overlapping
// ticks are resolved through task claims and the in-flight sets below.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	now  func() time.Time

	jmu  sync.RWMutex
	jobs map[string]Job

	// in-flight reminder ids and content work items
	busyReminders *claimSet
	busyItems     *claimSet

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	sup        *supervisor.Supervisor
	tickCtx    context.Context
	tickCancel context.CancelFunc
	ticks      sync.WaitGroup

	tickCount atomic.Uint64
	inFlight  atomic.Int64
	lastMu    sync.Mutex
	last      TickReport
}

func New(cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if _, err := ParseReminderPolicy(string(cfg.ReminderPolicy)); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:           cfg,
		deps:          deps,
		now:           time.Now,
		jobs:          map[string]Job{},
		busyReminders: newClaimSet(),
		busyItems:     newClaimSet(),
		state:         StateStopped,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(logx.String("comp", "orchestrator"))
	o.jobs[JobPostWeekLetter] = o.postWeekLetter
	return o, nil
}

// RegisterJob makes name available to cron tasks.
func (o *Orchestrator) RegisterJob(name string, job Job) error {
	if name == "" || job == nil {
		return fmt.Errorf("%w: empty name or nil job", ErrUnknownJob)
	}
	o.jmu.Lock()
	defer o.jmu.Unlock()
	if _, dup := o.jobs[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	o.jobs[name] = job
	return nil
}

func (o *Orchestrator) job(name string) (Job, bool) {
	o.jmu.RLock()
	defer o.jmu.RUnlock()
	j, ok := o.jobs[name]
	return j, ok
}

func (o *Orchestrator) Jobs() []string {
	o.jmu.RLock()
	out := make([]string, 0, len(o.jobs))
	for name := range o.jobs {
		out = append(out, name)
	}
	o.jmu.RUnlock()
	sort.Strings(out)
	return out
}

// Start announces missed reminders once, then begins ticking. Starting a
// running orchestrator only logs a warning.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRunning {
		o.log.Warn("start ignored: already running")
		return nil
	}

	start := o.now()
	o.startedAt = start
	o.sup = supervisor.New(ctx, supervisor.WithLogger(o.log))
	o.tickCtx, o.tickCancel = context.WithCancel(context.WithoutCancel(ctx))
	o.state = StateRunning

	// Missed reminders are settled before the first tick can see them.
	var announce sync.Once
	o.sup.GoRestart("tick-loop", func(ctx context.Context) error {
		announce.Do(func() { o.announceMissed(ctx, start) })
		return o.loop(ctx)
	}, supervisor.Restart{Max: o.cfg.TickInterval})
	o.log.Info("started",
		logx.Duration("tick", o.cfg.TickInterval),
		logx.String("tz", o.cfg.Location.String()),
		logx.String("reminder_policy", string(o.cfg.ReminderPolicy)),
		logx.Strings("jobs", o.Jobs()),
	)
	return nil
}

// Stop halts the ticker and waits for in-flight ticks until ctx is done.
// Ticks still running after that are canceled.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		o.log.Warn("stop ignored: not running")
		return nil
	}
	o.state = StateStopped
	sup := o.sup
	cancelTicks := o.tickCancel
	o.mu.Unlock()

	begin := time.Now()
	err := sup.Stop(ctx)

	done := make(chan struct{})
	go func() {
		o.ticks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.log.Warn("stop deadline reached with ticks in flight", logx.Int64("in_flight", o.inFlight.Load()))
		if err == nil {
			err = ctx.Err()
		}
	}
	cancelTicks()
	o.log.Info("stopped", logx.Duration("took", time.Since(begin)))
	return err
}

func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == StateRunning
}

func (o *Orchestrator) loop(ctx context.Context) error {
	t := time.NewTicker(o.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			o.dispatch()
		}
	}
}

// dispatch runs one tick in the background so the timer never waits on
// tick work. Nothing is dispatched once Stop has begun.
func (o *Orchestrator) dispatch() {
	o.mu.Lock()
	if o.state != StateRunning {
		o.mu.Unlock()
		return
	}
	ctx := o.tickCtx
	o.ticks.Add(1)
	o.mu.Unlock()

	o.inFlight.Add(1)
	go func() {
		defer o.ticks.Done()
		defer o.inFlight.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				o.log.Error("tick panicked", logx.Any("panic", r))
			}
		}()
		o.Tick(ctx, o.now())
	}()
}

// Aligned reports whether now falls in the minute-aligned window.
func (o *Orchestrator) Aligned(now time.Time) bool {
	return time.Duration(now.Second())*time.Second < o.cfg.MinuteAlignWindow
}

// Tick does one round of work at now and reports what it did.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) TickReport {
	rep := TickReport{At: now, Aligned: o.Aligned(now)}
	rep.Reminders, rep.Failures = o.processReminders(ctx, now)
	if rep.Aligned {
		n, f := o.runTasks(ctx, now)
		rep.Tasks, rep.Failures = n, rep.Failures+f
		n, f = o.runRetries(ctx, now)
		rep.Retries, rep.Failures = n, rep.Failures+f
	}
	o.tickCount.Add(1)
	o.lastMu.Lock()
	o.last = rep
	o.lastMu.Unlock()
	if rep.Reminders+rep.Tasks+rep.Retries+rep.Failures > 0 {
		o.log.Debug("tick done",
			logx.Bool("aligned", rep.Aligned),
			logx.Int("reminders", rep.Reminders),
			logx.Int("tasks", rep.Tasks),
			logx.Int("retries", rep.Retries),
			logx.Int("failures", rep.Failures),
		)
	}
	return rep
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	st, started := o.state, o.startedAt
	o.mu.Unlock()
	o.lastMu.Lock()
	last := o.last
	o.lastMu.Unlock()
	return Snapshot{
		State:     st,
		StartedAt: started,
		Ticks:     o.tickCount.Load(),
		LastTick:  last,
		InFlight:  o.inFlight.Load(),
		Jobs:      o.Jobs(),
		Policy:    o.cfg.ReminderPolicy,
	}
}

func (o *Orchestrator) record(ctx context.Context, e audit.Event) {
	if o.deps.Audit == nil {
		return
	}
	if e.At.IsZero() {
		e.At = o.now()
	}
	if err := o.deps.Audit.RecordEvent(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn("audit write failed", logx.String("type", string(e.Type)), logx.Err(err))
	}
}

// target resolves the tenant a reminder or task belongs to. The empty key
// is the household.
func (o *Orchestrator) target(k tenant.Key) (tenant.Tenant, bool) {
	if k == "" || k == o.cfg.Household.Key {
		return o.cfg.Household, true
	}
	return o.deps.Tenants.Get(k)
}

// claimSet is a set of keys currently being worked on.
type claimSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newClaimSet() *claimSet { return &claimSet{keys: map[string]struct{}{}} }

func (c *claimSet) acquire(k string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.keys[k]; busy {
		return false
	}
	c.keys[k] = struct{}{}
	return true
}

func (c *claimSet) release(k string) {
	c.mu.Lock()
	delete(c.keys, k)
	c.mu.Unlock()
}
