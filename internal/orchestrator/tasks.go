package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/executor"
	"famsched/internal/ratelimit"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

// ScheduleTask adds a cron task for a tenant. The task name must be a
// registered job.
func (o *Orchestrator) ScheduleTask(ctx context.Context, k tenant.Key, job, cronExpr, description string) (string, error) {
	if _, ok := o.deps.Tenants.Get(k); !ok {
		return "", fmt.Errorf("%w: %s", tenant.ErrUnknown, k)
	}
	if _, ok := o.job(job); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	return o.deps.Tasks.Schedule(ctx, k, job, cronExpr, description)
}

// runTasks claims and executes every due cron task. Tenants run in
// parallel; one tenant's tasks run in order.
func (o *Orchestrator) runTasks(ctx context.Context, now time.Time) (int, int) {
	due := o.deps.Tasks.Due(now)
	if len(due) == 0 {
		return 0, 0
	}
	byTenant := map[tenant.Key][]store.ScheduledTask{}
	var targets []tenant.Tenant
	for _, task := range due {
		t, ok := o.deps.Tenants.Get(task.Tenant)
		if !ok {
			o.log.Warn("task for unknown tenant", logx.String("tenant", string(task.Tenant)), logx.String("task", task.ID))
			continue
		}
		if _, seen := byTenant[t.Key]; !seen {
			targets = append(targets, t)
		}
		byTenant[t.Key] = append(byTenant[t.Key], task)
	}

	res := executor.RunForAll(ctx, o.deps.Executor, targets, ratelimit.OpExecuteTask,
		func(ctx context.Context, sc *tenant.Scope) (int, error) {
			ran := 0
			var errs []error
			for _, task := range byTenant[sc.Key()] {
				ok, err := o.runTask(ctx, sc, task, now)
				if err != nil {
					errs = append(errs, fmt.Errorf("task %s: %w", task.Name, err))
				}
				if ok {
					ran++
				}
			}
			return ran, errors.Join(errs...)
		})

	total := 0
	for _, n := range res.Results {
		total += n
	}
	return total, len(res.Failures)
}

// runTask claims the task, which moves lastRun and nextRun forward, and
// only then executes it.
func (o *Orchestrator) runTask(ctx context.Context, sc *tenant.Scope, task store.ScheduledTask, now time.Time) (bool, error) {
	job, ok := o.job(task.Name)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, task.Name)
	}
	claim, err := o.deps.Tasks.Claim(ctx, sc.Key(), task.ID, now)
	if errors.Is(err, store.ErrNotDue) {
		// An overlapping tick got there first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := sc.Take(ratelimit.OpExecuteTask); err != nil {
		if ferr := o.deps.Tasks.RecordFailure(ctx, claim); ferr != nil {
			sc.Log.Warn("record task failure", logx.String("task", task.ID), logx.Err(ferr))
		}
		return false, err
	}

	run := Run{Task: claim.Task, Period: delivery.WeekPeriod(now.In(o.cfg.Location)), At: now}
	start := time.Now()
	err = o.callJob(ctx, sc, task.Name, job, run)
	took := time.Since(start)

	ev := audit.Event{
		Tenant:    sc.Key(),
		Type:      audit.EventTaskRun,
		Operation: task.Name,
		Success:   err == nil,
		Detail:    fmt.Sprintf("task %s (%s) finished in %s", task.Name, task.Cron, took.Round(time.Millisecond)),
	}
	if err != nil {
		if ferr := o.deps.Tasks.RecordFailure(ctx, claim); ferr != nil {
			sc.Log.Warn("record task failure", logx.String("task", task.ID), logx.Err(ferr))
		}
		ev.Detail = fmt.Sprintf("task %s (%s) failed: %v", task.Name, task.Cron, err)
		o.record(ctx, ev)
		return false, err
	}
	if serr := o.deps.Tasks.RecordSuccess(ctx, claim); serr != nil {
		sc.Log.Warn("record task success", logx.String("task", task.ID), logx.Err(serr))
	}
	o.record(ctx, ev)
	return true, nil
}

// callJob runs one job and turns a panic into an error so the remaining
// tasks of the tenant still run.
func (o *Orchestrator) callJob(ctx context.Context, sc *tenant.Scope, name string, job Job, run Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sc.Log.Error("job panicked", logx.String("job", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", executor.ErrPanic, r)
		}
	}()
	return job(ctx, sc, run)
}

// runRetries re-runs failed work items whose next attempt is due.
func (o *Orchestrator) runRetries(ctx context.Context, now time.Time) (int, int) {
	pending := o.deps.Retry.Pending(now)
	if len(pending) == 0 {
		return 0, 0
	}
	byTenant := map[tenant.Key][]retry.Record{}
	var targets []tenant.Tenant
	for _, r := range pending {
		t, ok := o.deps.Tenants.Get(r.Tenant)
		if !ok {
			continue
		}
		if _, seen := byTenant[t.Key]; !seen {
			targets = append(targets, t)
		}
		byTenant[t.Key] = append(byTenant[t.Key], r)
	}

	res := executor.RunForAll(ctx, o.deps.Executor, targets, "retry",
		func(ctx context.Context, sc *tenant.Scope) (int, error) {
			ran := 0
			var errs []error
			for _, r := range byTenant[sc.Key()] {
				name, period, ok := splitWorkItem(r.WorkItem)
				if !ok {
					sc.Log.Warn("unreadable retry item", logx.String("item", r.WorkItem))
					continue
				}
				job, ok := o.job(name)
				if !ok {
					sc.Log.Warn("retry for unknown job", logx.String("job", name))
					continue
				}
				sc.Log.Info("retrying", logx.String("item", r.WorkItem), logx.Int("attempt", r.Attempts+1), logx.Int("max", r.MaxAttempts))
				if err := o.callJob(ctx, sc, name, job, Run{Period: period, At: now, Retry: true}); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", r.WorkItem, err))
					continue
				}
				ran++
			}
			return ran, errors.Join(errs...)
		})

	total := 0
	for _, n := range res.Results {
		total += n
	}
	return total, len(res.Failures)
}
