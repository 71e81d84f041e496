package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"famsched/internal/audit"
	"famsched/internal/config"
	"famsched/internal/orchestrator"
	"famsched/internal/tenant"
)

func baseConfig() *config.Config {
	return &config.Config{
		Timezone: "UTC",
		Tenants: []config.TenantConfig{
			{FirstName: "Emma", LastName: "Hansen", Channels: []string{"log"}},
		},
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()

	s, err := Resolve(baseConfig())
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Orchestrator.TickInterval != orchestrator.DefaultTickInterval {
		t.Fatalf("tick=%s", s.Orchestrator.TickInterval)
	}
	if s.Orchestrator.ReminderPolicy != orchestrator.AtMostOnce {
		t.Fatalf("policy=%s", s.Orchestrator.ReminderPolicy)
	}
	if s.Storage.Driver != "memory" || s.ContentDir != defaultContentDir || s.StopTimeout != defaultStopTimeout {
		t.Fatalf("settings=%+v", s)
	}
	if got := s.Retry.MaxAttempts(); got != 12 {
		t.Fatalf("max attempts=%d want 12", got)
	}
	if _, ok := s.Tenants.Get("emma_hansen"); !ok {
		t.Fatalf("tenant key not derived from names: %v", s.Tenants.Keys())
	}
	if h := s.Orchestrator.Household; h.Key != orchestrator.HouseholdKey || len(h.Channels) != 1 || h.Channels[0] != "log" {
		t.Fatalf("household=%+v", h)
	}
	if s.Logging.Chat.Enabled {
		t.Fatalf("chat logging must stay off without a log chat")
	}
}

func TestResolveOverlaysRateLimits(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.RateLimits.Operations = map[string]config.RuleConfig{"PostWeekLetter": {Limit: 3, Window: "2h"}}
	s, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if r := s.RateLimits.Operations["PostWeekLetter"]; r.Limit != 3 || r.Window != 2*time.Hour {
		t.Fatalf("rule=%+v", r)
	}
	if r := s.RateLimits.Operations["SendReminder"]; r.Limit != 30 {
		t.Fatalf("untouched rule lost: %+v", r)
	}
}

func TestResolveRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"bad timezone", func(c *config.Config) { c.Timezone = "Mars/Base" }, "timezone"},
		{"no tenants", func(c *config.Config) { c.Tenants = nil }, "at least one tenant"},
		{"reserved key", func(c *config.Config) { c.Tenants[0].ID = "household" }, "reserved"},
		{"unknown channel", func(c *config.Config) { c.Tenants[0].Channels = []string{"pigeon"} }, "unknown channel"},
		{"telegram without token", func(c *config.Config) { c.Tenants[0].Channels = []string{"telegram"} }, "telegram.token"},
		{"telegram without chat", func(c *config.Config) {
			c.Telegram.Token = "x"
			c.Tenants[0].Channels = []string{"telegram"}
		}, "telegram_chat_id"},
		{"task for unknown tenant", func(c *config.Config) {
			c.Tasks = []config.TaskConfig{{Tenant: "bob", Name: "post_week_letter", Cron: "0 8 * * 1"}}
		}, "tasks[0].tenant"},
		{"bad cron", func(c *config.Config) {
			c.Tasks = []config.TaskConfig{{Tenant: "emma_hansen", Name: "post_week_letter", Cron: "every monday"}}
		}, "tasks[0].cron"},
		{"unknown driver", func(c *config.Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"sqlite without path", func(c *config.Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"zero limit", func(c *config.Config) {
			c.RateLimits.Default = &config.RuleConfig{Limit: 0, Window: "1m"}
		}, "rate_limits"},
		{"bad retry", func(c *config.Config) { c.Retry = config.RetryConfig{IntervalHours: 5, MaxDurationHours: 2} }, "retry"},
		{"tick beyond window", func(c *config.Config) { c.Scheduler.TickInterval = "30s" }, "tick_interval"},
		{"bad policy", func(c *config.Config) { c.Reminders.Policy = "sometimes" }, "reminders.policy"},
		{"bad duration", func(c *config.Config) { c.Notifier.SendTimeout = "soon" }, "notifier.send_timeout"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tt.mutate(cfg)
			err := Validate(context.Background(), cfg)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%q want substring %q", err, tt.want)
			}
		})
	}
}

const appYAML = `
timezone: UTC
logging:
  level: error
storage:
  driver: file
  path: %STORE%
content:
  dir: %CONTENT%
tenants:
  - first_name: Emma
    last_name: Hansen
    channels: [log]
tasks:
  - tenant: emma_hansen
    name: post_week_letter
    cron: "0 8 * * 1"
`

func writeConfig(t *testing.T, dir, level string) string {
	t.Helper()
	body := strings.NewReplacer(
		"%STORE%", filepath.Join(dir, "store"),
		"%CONTENT%", filepath.Join(dir, "content"),
		"level: error", "level: "+level,
	).Replace(appYAML)
	path := filepath.Join(dir, "famsched.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewAppSeedsTasksOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "error")
	k := tenant.Key("emma_hansen")

	for i := 0; i < 2; i++ {
		a, err := NewApp(path)
		if err != nil {
			t.Fatalf("run %d: new app: %v", i, err)
		}
		if got := a.tasks.Count(k); got != 1 {
			t.Fatalf("run %d: tasks=%d want 1", i, got)
		}
		if _, ok := a.tasks.FindByName(k, orchestrator.JobPostWeekLetter); !ok {
			t.Fatalf("run %d: seeded task missing", i)
		}
		// Not started: Stop is a no-op, close storage directly.
		if err := a.Stop(context.Background(), StopAppStop); err != nil {
			t.Fatalf("stop unstarted: %v", err)
		}
		if err := a.store.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
		_ = a.logs.Close()
	}
}

func TestAppStartReloadStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "error")
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatalf("second start should fail")
	}
	if !a.orch.Running() {
		t.Fatalf("orchestrator not running")
	}

	// The watcher needs a moment to register before the file changes.
	time.Sleep(200 * time.Millisecond)
	writeConfig(t, dir, "warn")

	deadline := time.Now().Add(5 * time.Second)
	for {
		evs, err := a.store.RecentAudit(ctx, 50)
		if err != nil {
			t.Fatalf("recent audit: %v", err)
		}
		found := false
		for _, e := range evs {
			if e.Type == audit.EventConfigReloaded && strings.Contains(e.Detail, "logging") {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("config reload never audited; events=%+v", evs)
		}
		time.Sleep(50 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.orch.Running() {
		t.Fatalf("orchestrator still running")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}
