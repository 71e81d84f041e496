package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
timezone: Europe/Copenhagen
logging:
  level: debug
  console: true
scheduler:
  tick_interval: 10s
  max_tasks_per_tenant: 5
retry:
  interval_hours: 2
  max_duration_hours: 24
rate_limits:
  operations:
    PostWeekLetter: { limit: 5, window: 1h }
tenants:
  - first_name: Emma
    last_name: Hansen
    channels: [telegram]
    telegram_chat_id: 42
tasks:
  - tenant: emma_hansen
    name: post_week_letter
    cron: "0 8 * * 1"
storage:
  driver: file
  path: ./data/famsched
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("famsched.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Timezone != "Europe/Copenhagen" || cfg.Scheduler.MaxTasksPerTenant != 5 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if r := cfg.RateLimits.Operations["PostWeekLetter"]; r.Limit != 5 || r.Window != "1h" {
		t.Fatalf("rule=%+v", r)
	}
	if len(cfg.Tenants) != 1 || cfg.Tenants[0].TelegramChatID != 42 {
		t.Fatalf("tenants=%+v", cfg.Tenants)
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		path string
		data string
	}{
		{name: "unknown yaml field", path: "c.yaml", data: "timezone: UTC\nwhatever: 1\n"},
		{name: "unknown json field", path: "c.json", data: `{"scheduler":{"workers":2}}`},
		{name: "trailing json", path: "c.json", data: `{} {}`},
		{name: "bad yaml", path: "c.yml", data: "tenants: [\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.data)); err == nil {
				t.Fatalf("expected error for %q", tt.data)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationOrDefault("x", "", 10*time.Second); err != nil || d != 10*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "1m", time.Second); err != nil || d != time.Minute {
		t.Fatalf("explicit: %v %v", d, err)
	}
	if _, err := ParseDurationField("scheduler.tick_interval", "-1s"); err == nil || !strings.Contains(err.Error(), "scheduler.tick_interval") {
		t.Fatalf("negative should fail with path, got %v", err)
	}
	if _, err := LoadLocation("Mars/Olympus"); err == nil {
		t.Fatalf("expected bad timezone error")
	}
}

func TestSummarizeSplitsLiveAndRestart(t *testing.T) {
	t.Parallel()

	oldCfg, err := Decode("a.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatal(err)
	}
	newCfg, _ := Decode("a.yaml", []byte(sampleYAML))
	if ch := Summarize(oldCfg, newCfg); !ch.Empty() {
		t.Fatalf("identical configs: %+v", ch)
	}

	newCfg.Logging.Level = "warn"
	newCfg.Storage.Driver = "sqlite"
	newCfg.Telegram.Token = "secret"
	ch := Summarize(oldCfg, newCfg)
	if len(ch.Live) != 1 || ch.Live[0] != "logging" {
		t.Fatalf("live=%v", ch.Live)
	}
	if strings.Join(ch.Restart, ",") != "storage,telegram" {
		t.Fatalf("restart=%v", ch.Restart)
	}
}

func TestManagerReloadValidatesBeforeCommit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "famsched.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	rejected := errors.New("rejected")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "bogus" {
			return rejected
		}
		return nil
	})
	ctx := context.Background()
	if _, err := m.Load(ctx); err != nil {
		t.Fatal(err)
	}
	sub, unsubscribe := m.Subscribe()
	defer unsubscribe()

	if ok, err := m.Reload(ctx); ok || err != nil {
		t.Fatalf("unchanged file: ok=%v err=%v", ok, err)
	}

	bad := strings.Replace(sampleYAML, "level: debug", "level: bogus", 1)
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(ctx); !errors.Is(err, rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("rejected config must not be committed")
	}

	good := strings.Replace(sampleYAML, "level: debug", "level: info", 1)
	if err := os.WriteFile(path, []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, err := m.Reload(ctx); !ok || err != nil {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "info" {
			t.Fatalf("published level=%q", cfg.Logging.Level)
		}
	default:
		t.Fatalf("subscriber got nothing")
	}
}

func TestWatchPicksUpChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "famsched.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	sub, unsubscribe := m.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updated := strings.Replace(sampleYAML, "level: debug", "level: error", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher is up and sees an event.
		if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "error" {
				t.Fatalf("level=%q", cfg.Logging.Level)
			}
			return
		case <-deadline:
			t.Fatalf("no reload observed")
		case <-tick.C:
		}
	}
}
