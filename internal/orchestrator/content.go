package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/executor"
	"famsched/internal/ratelimit"
	"famsched/internal/source"
	"famsched/internal/task/retry"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

// CheckContent runs the content cycle for one tenant and period outside
// the cron schedule.
func (o *Orchestrator) CheckContent(ctx context.Context, k tenant.Key, period string) error {
	t, ok := o.deps.Tenants.Get(k)
	if !ok {
		return fmt.Errorf("%w: %s", tenant.ErrUnknown, k)
	}
	_, err := executor.Run(ctx, o.deps.Executor, t, JobPostWeekLetter, func(ctx context.Context, sc *tenant.Scope) (struct{}, error) {
		return struct{}{}, o.postWeekLetter(ctx, sc, Run{Period: period, At: o.now(), Force: true})
	})
	return err
}

// postWeekLetter fetches the period's content and delivers it once to
// every channel of the tenant. Failures count against the retry budget of
// the work item.
func (o *Orchestrator) postWeekLetter(ctx context.Context, sc *tenant.Scope, run Run) error {
	k := sc.Key()
	item := WorkItem(JobPostWeekLetter, run.Period)
	busy := string(k) + "/" + item
	if !o.busyItems.acquire(busy) {
		return nil
	}
	defer o.busyItems.release(busy)

	log := sc.Log.With(logx.String("item", item))

	done, err := o.deps.Dedup.Delivered(ctx, k, run.Period)
	if err != nil {
		return o.contentFailed(ctx, sc, item, err)
	}
	if done {
		log.Debug("already delivered")
		return nil
	}
	if o.deps.Retry.IsExhausted(k, item) {
		log.Debug("retry budget exhausted; skipping")
		return nil
	}
	if !run.Force && !o.deps.Retry.Due(k, item, o.now()) {
		log.Debug("next attempt not due yet")
		return nil
	}

	if err := sc.Take(ratelimit.OpGetWeekLetter); err != nil {
		return o.contentFailed(ctx, sc, item, err)
	}
	content, err := o.deps.Source.FetchPeriodContent(ctx, k, run.Period)
	if err != nil {
		return o.contentFailed(ctx, sc, item, fmt.Errorf("fetch: %w", err))
	}
	if source.IsPlaceholder(content, o.cfg.Placeholders) {
		return o.contentFailed(ctx, sc, item, ErrNoContent)
	}

	digest := delivery.Hash(content)
	only := []string(nil)
	prev, ok, err := o.deps.Dedup.Get(ctx, k, run.Period)
	if err != nil {
		return o.contentFailed(ctx, sc, item, err)
	}
	if ok && prev.Hash == digest {
		only = prev.Missing(sc.Tenant.Channels)
		if len(only) == 0 {
			if err := o.deps.Dedup.MarkComplete(ctx, k, run.Period); err != nil {
				return o.contentFailed(ctx, sc, item, err)
			}
			o.deps.Retry.RecordSuccess(ctx, k, item)
			o.record(ctx, audit.Event{
				Tenant:    k,
				Type:      audit.EventContentSkipped,
				Operation: JobPostWeekLetter,
				Success:   true,
				Detail:    fmt.Sprintf("content for %s unchanged and already delivered", run.Period),
			})
			return nil
		}
		log.Info("resuming partial delivery", logx.Strings("channels", only))
	}

	if err := sc.Take(ratelimit.OpPostWeekLetter); err != nil {
		return o.contentFailed(ctx, sc, item, err)
	}
	out := o.deps.Notify.Deliver(ctx, sc.Tenant, content, only...)
	if got := out.Delivered(); len(got) > 0 {
		rec, err := o.deps.Dedup.RecordDelivery(ctx, delivery.Record{
			Tenant:   k,
			Period:   run.Period,
			Hash:     digest,
			Channels: got,
			Content:  content,
		})
		if err != nil {
			// Delivered but not recorded: the next attempt may repeat it.
			log.Error("record delivery failed", logx.Err(err))
			return o.contentFailed(ctx, sc, item, err)
		}
		if len(rec.Missing(sc.Tenant.Channels)) == 0 {
			if err := o.deps.Dedup.MarkComplete(ctx, k, run.Period); err != nil {
				return o.contentFailed(ctx, sc, item, err)
			}
		}
	}
	if err := out.Err(); err != nil {
		return o.contentFailed(ctx, sc, item, err)
	}

	o.deps.Retry.RecordSuccess(ctx, k, item)
	o.record(ctx, audit.Event{
		Tenant:    k,
		Type:      audit.EventContentDelivery,
		Operation: JobPostWeekLetter,
		Success:   true,
		Detail:    fmt.Sprintf("content for %s delivered to %v", run.Period, out.Delivered()),
	})
	log.Info("content delivered", logx.Strings("channels", out.Delivered()))
	return nil
}

// contentFailed counts a failed attempt and returns cause. Running out of
// attempts is audited once.
func (o *Orchestrator) contentFailed(ctx context.Context, sc *tenant.Scope, item string, cause error) error {
	rec, err := o.deps.Retry.RecordAttempt(ctx, sc.Key(), item)
	switch {
	case errors.Is(err, retry.ErrExhausted):
		return cause
	case err != nil:
		sc.Log.Warn("record retry attempt", logx.Err(err))
		return cause
	}
	ev := audit.Event{
		Tenant:    sc.Key(),
		Type:      audit.EventRetryAttempt,
		Operation: JobPostWeekLetter,
		Detail:    fmt.Sprintf("%s attempt %d/%d failed: %v", item, rec.Attempts, rec.MaxAttempts, cause),
	}
	if rec.Exhausted() {
		ev.Type = audit.EventRetryExhausted
		ev.Detail = fmt.Sprintf("%s gave up after %d attempts: %v", item, rec.Attempts, cause)
		sc.Log.Warn("retries exhausted", logx.String("item", item), logx.Int("attempts", rec.Attempts))
	}
	o.record(ctx, ev)
	return cause
}
