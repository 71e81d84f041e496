package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"famsched/internal/audit"
	"famsched/internal/executor"
	"famsched/internal/ratelimit"
	"famsched/internal/reminder"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

// AddReminder stores a one-shot reminder. An empty tenant key addresses
// the household.
func (o *Orchestrator) AddReminder(ctx context.Context, k tenant.Key, text, date, clock string) (reminder.Reminder, error) {
	if _, ok := o.target(k); !ok {
		return reminder.Reminder{}, fmt.Errorf("%w: %s", tenant.ErrUnknown, k)
	}
	r, err := reminder.New(k, text, date, clock, o.now())
	if err != nil {
		return reminder.Reminder{}, err
	}
	if err := o.deps.Reminders.AddReminder(ctx, r); err != nil {
		return reminder.Reminder{}, fmt.Errorf("add reminder: %w", err)
	}
	return r, nil
}

// PendingReminders returns stored reminders due at or before now.
func (o *Orchestrator) PendingReminders(ctx context.Context, now time.Time) ([]reminder.Reminder, error) {
	rs, err := o.deps.Reminders.ListReminders(ctx)
	if err != nil {
		return nil, err
	}
	due, _, _ := reminder.Due(rs, o.cfg.Location, now)
	return due, nil
}

// announceMissed reports reminders that came due before start and removes
// them so the first tick does not deliver them late.
func (o *Orchestrator) announceMissed(ctx context.Context, start time.Time) {
	rs, err := o.deps.Reminders.ListReminders(ctx)
	if err != nil {
		o.log.Error("missed reminder scan failed", logx.Err(err))
		return
	}
	missed, _, bad := reminder.Due(rs, o.cfg.Location, start)
	o.dropBad(ctx, bad)
	for _, r := range missed {
		t, ok := o.target(r.Tenant)
		if !ok {
			t = o.cfg.Household
		}
		out := o.deps.Notify.Deliver(ctx, t, "Missed reminder ("+r.Date+" "+r.Time+"): "+r.Text)
		if _, err := o.deps.Reminders.DeleteReminder(ctx, r.ID); err != nil {
			o.log.Error("delete missed reminder failed", logx.String("id", r.ID), logx.Err(err))
		}
		derr := out.Err()
		o.record(ctx, audit.Event{
			Tenant:    t.Key,
			Type:      audit.EventReminderMissed,
			Operation: ratelimit.OpSendReminder,
			Success:   derr == nil,
			Detail:    missedDetail(r, derr),
		})
	}
	if len(missed) > 0 {
		o.log.Info("missed reminders announced", logx.Int("count", len(missed)))
	}
}

func missedDetail(r reminder.Reminder, err error) string {
	if err != nil {
		return fmt.Sprintf("reminder %q due %s %s was missed; notice failed: %v", r.Text, r.Date, r.Time, err)
	}
	return fmt.Sprintf("reminder %q due %s %s was missed", r.Text, r.Date, r.Time)
}

// dropBad deletes reminders whose date or time can never parse.
func (o *Orchestrator) dropBad(ctx context.Context, bad []reminder.Reminder) {
	for _, r := range bad {
		if _, err := o.deps.Reminders.DeleteReminder(ctx, r.ID); err != nil {
			o.log.Warn("delete invalid reminder failed", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		o.record(ctx, audit.Event{
			Tenant:    r.Tenant,
			Type:      audit.EventReminderFailed,
			Operation: ratelimit.OpDeleteReminder,
			Detail:    fmt.Sprintf("dropped reminder %q with unreadable due time %q %q", r.Text, r.Date, r.Time),
		})
	}
}

// processReminders delivers every due reminder, fanned out per tenant.
// It returns how many were delivered and how many tenants failed.
func (o *Orchestrator) processReminders(ctx context.Context, now time.Time) (int, int) {
	rs, err := o.deps.Reminders.ListReminders(ctx)
	if err != nil {
		o.log.Error("list reminders failed", logx.Err(err))
		return 0, 1
	}
	due, _, bad := reminder.Due(rs, o.cfg.Location, now)
	o.dropBad(ctx, bad)
	if len(due) == 0 {
		return 0, 0
	}

	byTenant := map[tenant.Key][]reminder.Reminder{}
	var targets []tenant.Tenant
	for _, r := range due {
		t, ok := o.target(r.Tenant)
		if !ok {
			o.log.Warn("reminder for unknown tenant", logx.String("id", r.ID), logx.String("tenant", string(r.Tenant)))
			continue
		}
		if _, seen := byTenant[t.Key]; !seen {
			targets = append(targets, t)
		}
		byTenant[t.Key] = append(byTenant[t.Key], r)
	}

	res := executor.RunForAll(ctx, o.deps.Executor, targets, ratelimit.OpSendReminder,
		func(ctx context.Context, sc *tenant.Scope) (int, error) {
			sent := 0
			var errs []error
			for _, r := range byTenant[sc.Key()] {
				ok, err := o.deliverReminder(ctx, sc, r)
				if err != nil {
					errs = append(errs, err)
				}
				if ok {
					sent++
				}
			}
			return sent, errors.Join(errs...)
		})

	total := 0
	for _, n := range res.Results {
		total += n
	}
	return total, len(res.Failures)
}

// deliverReminder sends one reminder, then deletes it. Delivery always
// precedes deletion. Under AtLeastOnce a failed delivery keeps the reminder.
func (o *Orchestrator) deliverReminder(ctx context.Context, sc *tenant.Scope, r reminder.Reminder) (bool, error) {
	if !o.busyReminders.acquire(r.ID) {
		return false, nil
	}
	defer o.busyReminders.release(r.ID)

	// Both budgets are taken up front: a delivered reminder that cannot be
	// deleted would be sent again.
	if err := sc.Take(ratelimit.OpSendReminder); err != nil {
		return false, err
	}
	if err := sc.Take(ratelimit.OpDeleteReminder); err != nil {
		return false, err
	}

	out := o.deps.Notify.Deliver(ctx, sc.Tenant, "Reminder: "+r.Text)
	derr := out.Err()
	if derr != nil && o.cfg.ReminderPolicy == AtLeastOnce {
		o.record(ctx, audit.Event{
			Tenant:    sc.Key(),
			Type:      audit.EventReminderFailed,
			Operation: ratelimit.OpSendReminder,
			Detail:    fmt.Sprintf("reminder %q kept for retry: %v", r.Text, derr),
		})
		return false, derr
	}

	if _, err := o.deps.Reminders.DeleteReminder(ctx, r.ID); err != nil {
		sc.Log.Error("delete reminder failed", logx.String("id", r.ID), logx.Err(err))
		return derr == nil, errors.Join(derr, fmt.Errorf("delete reminder %s: %w", r.ID, err))
	}

	ev := audit.Event{
		Tenant:    sc.Key(),
		Type:      audit.EventReminderSent,
		Operation: ratelimit.OpSendReminder,
		Success:   derr == nil,
		Detail:    fmt.Sprintf("reminder %q delivered to %v", r.Text, out.Delivered()),
	}
	if derr != nil {
		// At-most-once: the reminder is gone even though delivery failed.
		ev.Type = audit.EventReminderFailed
		ev.Detail = fmt.Sprintf("reminder %q deleted after failed delivery: %v", r.Text, derr)
	}
	o.record(ctx, ev)
	return derr == nil, derr
}
