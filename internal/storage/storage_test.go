package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/reminder"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/pkg/logx"
)

func openDriver(t *testing.T, driver, path string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	return st
}

func TestDrivers(t *testing.T) {
	t.Parallel()

	cases := []struct {
		driver string
		file   string
	}{
		{"memory", ""},
		{"file", "state.json"},
		{"sqlite", "state.db"},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.driver, func(t *testing.T) {
			t.Parallel()
			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), tt.file)
			}
			st := openDriver(t, tt.driver, path)
			defer st.Close()
			exerciseStore(t, st)
		})
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

	last := now.Add(-time.Hour)
	task := store.ScheduledTask{
		ID: "t1", Tenant: "emma", Name: "post_week_letter", Cron: "0 8 * * 5", Enabled: true,
		LastRun: &last, ExecutionCount: 2, FailureCount: 1, CreatedAt: now, UpdatedAt: now,
	}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	task.ExecutionCount = 3
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("update task: %v", err)
	}
	tasks, err := st.LoadTasks(ctx)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("load tasks=%v err=%v", tasks, err)
	}
	if got := tasks[0]; got.ExecutionCount != 3 || got.LastRun == nil || !got.LastRun.Equal(last) || got.NextRun != nil {
		t.Fatalf("task roundtrip=%+v", got)
	}
	if err := st.DeleteTask(ctx, "bob", "t1"); err != nil {
		t.Fatalf("delete other tenant: %v", err)
	}
	if tasks, _ := st.LoadTasks(ctx); len(tasks) != 1 {
		t.Fatalf("bob must not delete emma's task")
	}

	r := reminder.Reminder{ID: "r1", Tenant: "emma", Text: "Madpakke", Date: "2026-10-16", Time: "07:30", CreatedAt: now}
	if err := st.AddReminder(ctx, r); err != nil {
		t.Fatalf("add reminder: %v", err)
	}
	if rs, _ := st.ListReminders(ctx); len(rs) != 1 || rs[0].Text != "Madpakke" {
		t.Fatalf("reminders=%+v", rs)
	}
	if ok, err := st.DeleteReminder(ctx, "r1"); !ok || err != nil {
		t.Fatalf("delete reminder=%v,%v", ok, err)
	}
	if ok, _ := st.DeleteReminder(ctx, "r1"); ok {
		t.Fatalf("second delete should report missing")
	}

	next := now.Add(2 * time.Hour)
	if err := st.SaveRetry(ctx, retry.Record{Tenant: "emma", WorkItem: "2026-W42", Attempts: 1, LastAttempt: now, NextAttempt: &next, MaxAttempts: 12}); err != nil {
		t.Fatalf("save retry: %v", err)
	}
	if rs, _ := st.LoadRetries(ctx); len(rs) != 1 || rs[0].NextAttempt == nil || !rs[0].NextAttempt.Equal(next) {
		t.Fatalf("retries=%+v", rs)
	}

	d := delivery.Record{Tenant: "emma", Period: "2026-W42", Hash: "abc", Channels: []string{"log", "telegram"}, Complete: true, DeliveredAt: now, Content: "hej"}
	if err := st.SaveDelivery(ctx, d); err != nil {
		t.Fatalf("save delivery: %v", err)
	}
	got, ok, err := st.GetDelivery(ctx, "emma", "2026-W42")
	if err != nil || !ok || got.Hash != "abc" || len(got.Channels) != 2 || !got.Complete {
		t.Fatalf("delivery=%+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, _ := st.GetDelivery(ctx, "bob", "2026-W42"); ok {
		t.Fatalf("bob has no delivery")
	}

	if err := st.PutState(ctx, "emma/last", "x"); err != nil {
		t.Fatalf("put state: %v", err)
	}
	if v, ok, _ := st.GetState(ctx, "emma/last"); !ok || v != "x" {
		t.Fatalf("state=%q,%v", v, ok)
	}

	for i, op := range []string{"a", "b", "c"} {
		if err := st.AppendAudit(ctx, audit.Event{At: now.Add(time.Duration(i) * time.Second), Tenant: "emma", Type: audit.EventOperation, Operation: op, Success: i != 1}); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}
	evs, err := st.RecentAudit(ctx, 2)
	if err != nil || len(evs) != 2 || evs[0].Operation != "c" || evs[1].Success {
		t.Fatalf("recent audit=%+v err=%v", evs, err)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "famsched.json")
	ctx := context.Background()

	st := openDriver(t, "file", path)
	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	_ = st.SaveTask(ctx, store.ScheduledTask{ID: "t1", Tenant: "emma", Name: "n", Cron: "@daily", Enabled: true, CreatedAt: now, UpdatedAt: now})
	_ = st.AddReminder(ctx, reminder.Reminder{ID: "r1", Text: "x", Date: "2026-10-16", Time: "09:00"})
	_ = st.AddReminder(ctx, reminder.Reminder{ID: "r2", Text: "y", Date: "2026-10-16", Time: "10:00"})
	_, _ = st.DeleteReminder(ctx, "r1")
	_ = st.PutState(ctx, "emma/k", "v")
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openDriver(t, "file", path)
	defer st.Close()
	if tasks, _ := st.LoadTasks(ctx); len(tasks) != 1 {
		t.Fatalf("tasks after reopen=%+v", tasks)
	}
	rs, _ := st.ListReminders(ctx)
	if len(rs) != 1 || rs[0].ID != "r2" {
		t.Fatalf("reminders after reopen=%+v", rs)
	}
	if v, ok, _ := st.GetState(ctx, "emma/k"); !ok || v != "v" {
		t.Fatalf("state after reopen=%q,%v", v, ok)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for missing sqlite path")
	}
}
