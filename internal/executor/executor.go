// Package executor runs operations inside a fresh per-tenant scope and fans
// the same operation out across tenants without letting one tenant's
// failure reach another.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"famsched/internal/audit"
	"famsched/internal/ratelimit"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

var ErrPanic = errors.New("operation panicked")

type Config struct {
	// OperationTimeout bounds a single tenant operation. Zero means no bound.
	OperationTimeout time.Duration
}

// Executor holds the shared collaborators every scope is built from.
type Executor struct {
	cfg     Config
	log     logx.Logger
	limiter tenant.Limiter
	state   tenant.StateStore
	sink    audit.Sink
	now     func() time.Time
}

func New(cfg Config, log logx.Logger, limiter tenant.Limiter, state tenant.StateStore, sink audit.Sink) *Executor {
	return &Executor{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "executor")),
		limiter: limiter,
		state:   state,
		sink:    sink,
		now:     time.Now,
	}
}

// Operation is the work done for one tenant. It receives a scope that is
// discarded when it returns.
type Operation[T any] func(ctx context.Context, sc *tenant.Scope) (T, error)

// Failure is one tenant's error from a fan-out.
type Failure struct {
	Tenant tenant.Key
	Err    error
}

// Result of RunForAll: successes keyed by tenant plus the failures.
type Result[T any] struct {
	Results  map[tenant.Key]T
	Failures []Failure
}

// Failed reports whether k failed.
func (r Result[T]) Failed(k tenant.Key) bool {
	for _, f := range r.Failures {
		if f.Tenant == k {
			return true
		}
	}
	return false
}

// Run executes fn for one tenant, audits the outcome and returns fn's own
// result and error.
func Run[T any](ctx context.Context, ex *Executor, t tenant.Tenant, op string, fn Operation[T]) (T, error) {
	sc := tenant.NewScope(t, ex.log, ex.limiter, ex.state)
	if ex.cfg.OperationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ex.cfg.OperationTimeout)
		defer cancel()
	}

	start := ex.now()
	v, err := call(ctx, sc, op, fn)
	took := ex.now().Sub(start)

	ev := audit.Event{
		At:        ex.now(),
		Tenant:    t.Key,
		Type:      audit.EventOperation,
		Operation: op,
		Success:   err == nil,
	}
	if err == nil {
		ev.Detail = fmt.Sprintf("%s succeeded for %s in %s", op, t.DisplayName(), took.Round(time.Millisecond))
	} else {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			ev.Type = audit.EventRateLimited
		}
		ev.Detail = fmt.Sprintf("%s failed for %s: %v", op, t.DisplayName(), err)
	}
	if ex.sink != nil {
		if aerr := ex.sink.RecordEvent(context.WithoutCancel(ctx), ev); aerr != nil {
			sc.Log.Warn("audit write failed", logx.String("op", op), logx.Err(aerr))
		}
	}
	return v, err
}

// call runs fn and turns a panic into an error wrapping ErrPanic.
func call[T any](ctx context.Context, sc *tenant.Scope, op string, fn Operation[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			sc.Log.Error("operation panicked", logx.String("op", op), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn(ctx, sc)
}

// RunForAll runs fn for every tenant concurrently, one goroutine per
// tenant. It never fails as a whole: failed tenants are listed in
// Failures and left out of Results.
func RunForAll[T any](ctx context.Context, ex *Executor, tenants []tenant.Tenant, op string, fn Operation[T]) Result[T] {
	res := Result[T]{Results: make(map[tenant.Key]T, len(tenants))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, t := range tenants {
		wg.Add(1)
		go func(t tenant.Tenant) {
			defer wg.Done()
			v, err := Run(ctx, ex, t, op, fn)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failures = append(res.Failures, Failure{Tenant: t.Key, Err: err})
				return
			}
			res.Results[t.Key] = v
		}(t)
	}
	wg.Wait()
	sort.Slice(res.Failures, func(i, j int) bool { return res.Failures[i].Tenant < res.Failures[j].Tenant })
	if n := len(res.Failures); n > 0 {
		ex.log.Warn("fan-out finished with failures", logx.String("op", op), logx.Int("ok", len(res.Results)), logx.Int("failed", n))
	}
	return res
}
