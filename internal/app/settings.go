package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"famsched/internal/config"
	"famsched/internal/executor"
	"famsched/internal/notifier"
	"famsched/internal/orchestrator"
	"famsched/internal/ratelimit"
	"famsched/internal/source"
	"famsched/internal/storage"
	"famsched/internal/task/cronspec"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
	"famsched/internal/transport/telegram"
	"famsched/pkg/logx"
)

const (
	defaultStopTimeout = 30 * time.Second
	defaultContentDir  = "./content"
)

// Settings is a validated config mapped onto the component configs.
type Settings struct {
	Location     *time.Location
	Logging      logx.Config
	Cron         cronspec.Config
	Store        store.Config
	StopTimeout  time.Duration
	Executor     executor.Config
	Retry        retry.Policy
	RateLimits   ratelimit.Rules
	Tenants      *tenant.Registry
	Tasks        []config.TaskConfig
	Storage      storage.Config
	Telegram     telegram.Config
	ContentDir   string
	Breaker      source.BreakerConfig
	Notifier     notifier.Config
	Orchestrator orchestrator.Config
}

// Resolve validates cfg and maps it. The first problem found is returned,
// prefixed with the offending field.
func Resolve(cfg *config.Config) (*Settings, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	s := &Settings{}
	var err error

	if s.Location, err = config.LoadLocation(cfg.Timezone); err != nil {
		return nil, err
	}
	s.Logging = mapLogging(cfg)
	if s.Cron, s.Store, s.StopTimeout, s.Executor, err = mapScheduler(cfg, s.Location); err != nil {
		return nil, err
	}
	s.Retry = retry.PolicyFromHours(cfg.Retry.IntervalHours, cfg.Retry.MaxDurationHours)
	if cfg.Retry.IntervalHours == 0 && cfg.Retry.MaxDurationHours == 0 {
		s.Retry = retry.PolicyFromHours(2, 24)
	}
	if err := s.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("retry: %w", err)
	}
	if s.RateLimits, err = mapRateLimits(cfg); err != nil {
		return nil, err
	}
	if s.Storage, err = mapStorage(cfg); err != nil {
		return nil, err
	}
	s.Telegram = telegram.Config{
		Token:     strings.TrimSpace(cfg.Telegram.Token),
		LogChatID: cfg.Telegram.LogChatID,
		ParseMode: cfg.Telegram.ParseMode,
		URL:       strings.TrimSpace(cfg.Telegram.APIURL),
	}
	if s.Notifier, err = mapNotifier(cfg); err != nil {
		return nil, err
	}

	household, err := mapHousehold(cfg)
	if err != nil {
		return nil, err
	}
	if s.Tenants, err = mapTenants(cfg); err != nil {
		return nil, err
	}
	for _, t := range append(s.Tenants.All(), household) {
		if err := checkChannels(t, s.Telegram.Token != ""); err != nil {
			return nil, err
		}
	}

	eval := cronspec.New(s.Cron)
	for i, tc := range cfg.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		if _, ok := s.Tenants.Get(tenant.Key(tc.Tenant)); !ok {
			return nil, fmt.Errorf("%s.tenant: %w: %q", path, tenant.ErrUnknown, tc.Tenant)
		}
		if strings.TrimSpace(tc.Name) == "" {
			return nil, fmt.Errorf("%s.name is required", path)
		}
		if err := eval.Validate(tc.Cron); err != nil {
			return nil, fmt.Errorf("%s.cron: %w", path, err)
		}
	}
	s.Tasks = append([]config.TaskConfig(nil), cfg.Tasks...)

	s.ContentDir = strings.TrimSpace(cfg.Content.Dir)
	if s.ContentDir == "" {
		s.ContentDir = defaultContentDir
	}
	open, err := config.ParseDurationField("content.breaker.open_timeout", cfg.Content.Breaker.OpenTimeout)
	if err != nil {
		return nil, err
	}
	s.Breaker = source.BreakerConfig{TripFailures: cfg.Content.Breaker.TripFailures, OpenTimeout: open}

	policy, err := orchestrator.ParseReminderPolicy(cfg.Reminders.Policy)
	if err != nil {
		return nil, fmt.Errorf("reminders.policy: %w", err)
	}
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, orchestrator.DefaultTickInterval)
	if err != nil {
		return nil, err
	}
	align, err := config.ParseDurationOrDefault("scheduler.minute_align_window", cfg.Scheduler.MinuteAlignWindow, orchestrator.DefaultMinuteAlignWindow)
	if err != nil {
		return nil, err
	}
	if align > time.Minute {
		return nil, fmt.Errorf("scheduler.minute_align_window must be <= 1m")
	}
	if tick > align {
		// Some tick must land inside every aligned window.
		return nil, fmt.Errorf("scheduler.tick_interval (%s) must not exceed scheduler.minute_align_window (%s)", tick, align)
	}
	placeholders := source.DefaultPlaceholders
	if len(cfg.Content.Placeholders) > 0 {
		placeholders = append([]string(nil), cfg.Content.Placeholders...)
	}
	s.Orchestrator = orchestrator.Config{
		TickInterval:      tick,
		MinuteAlignWindow: align,
		Location:          s.Location,
		ReminderPolicy:    policy,
		Placeholders:      placeholders,
		Household:         household,
	}
	return s, nil
}

// Validate is the config manager hook: a reload is rejected when Resolve
// fails.
func Validate(_ context.Context, cfg *config.Config) error {
	_, err := Resolve(cfg)
	return err
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.LogChatID != 0,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapScheduler(cfg *config.Config, loc *time.Location) (cronspec.Config, store.Config, time.Duration, executor.Config, error) {
	sc := cfg.Scheduler
	var (
		cc  = cronspec.Config{Location: loc}
		stc store.Config
		ec  executor.Config
		err error
	)
	if cc.ExecutionWindow, err = config.ParseDurationOrDefault("scheduler.execution_window", sc.ExecutionWindow, cronspec.DefaultExecutionWindow); err != nil {
		return cc, stc, 0, ec, err
	}
	if cc.Lookback, err = config.ParseDurationOrDefault("scheduler.lookback_window", sc.LookbackWindow, cronspec.DefaultLookback); err != nil {
		return cc, stc, 0, ec, err
	}
	if sc.MaxTasksPerTenant < 0 {
		return cc, stc, 0, ec, fmt.Errorf("scheduler.max_tasks_per_tenant must be >= 0")
	}
	stc.MaxTasksPerTenant = sc.MaxTasksPerTenant
	stop, err := config.ParseDurationOrDefault("scheduler.stop_timeout", sc.StopTimeout, defaultStopTimeout)
	if err != nil {
		return cc, stc, 0, ec, err
	}
	if ec.OperationTimeout, err = config.ParseDurationField("scheduler.operation_timeout", sc.OperationTimeout); err != nil {
		return cc, stc, 0, ec, err
	}
	return cc, stc, stop, ec, nil
}

// mapRateLimits overlays the configured rules on the built-in table.
func mapRateLimits(cfg *config.Config) (ratelimit.Rules, error) {
	rules := ratelimit.DefaultRules()
	if d := cfg.RateLimits.Default; d != nil {
		w, err := config.ParseDurationField("rate_limits.default.window", d.Window)
		if err != nil {
			return ratelimit.Rules{}, err
		}
		rules.Default = ratelimit.Rule{Limit: d.Limit, Window: w}
	}
	for op, rc := range cfg.RateLimits.Operations {
		w, err := config.ParseDurationField("rate_limits.operations."+op+".window", rc.Window)
		if err != nil {
			return ratelimit.Rules{}, err
		}
		rules.Operations[op] = ratelimit.Rule{Limit: rc.Limit, Window: w}
	}
	if err := rules.Validate(); err != nil {
		return ratelimit.Rules{}, fmt.Errorf("rate_limits: %w", err)
	}
	return rules, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./famsched_store"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.HistorySize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: rate_per_sec, retry_max and history_size must be >= 0")
	}
	out := notifier.Config{RatePerSec: nc.RatePerSec, RetryMax: nc.RetryMax, HistorySize: nc.HistorySize}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.SendTimeout, err = config.ParseDurationField("notifier.send_timeout", nc.SendTimeout); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapTenants(cfg *config.Config) (*tenant.Registry, error) {
	ts := make([]tenant.Tenant, 0, len(cfg.Tenants))
	for _, tc := range cfg.Tenants {
		ts = append(ts, tenant.Tenant{
			Key:            tenant.Key(strings.TrimSpace(tc.ID)),
			FirstName:      strings.TrimSpace(tc.FirstName),
			LastName:       strings.TrimSpace(tc.LastName),
			Channels:       tc.Channels,
			TelegramChatID: tc.TelegramChatID,
		})
	}
	reg, err := tenant.NewRegistry(ts)
	if err != nil {
		return nil, err
	}
	if reg.Len() == 0 {
		return nil, fmt.Errorf("tenants: at least one tenant is required")
	}
	if _, clash := reg.Get(orchestrator.HouseholdKey); clash {
		return nil, fmt.Errorf("tenants: key %q is reserved", orchestrator.HouseholdKey)
	}
	return reg, nil
}

func mapHousehold(cfg *config.Config) (tenant.Tenant, error) {
	h := tenant.Tenant{Key: orchestrator.HouseholdKey, FirstName: "Household", Channels: []string{notifierLogChannel}}
	if cfg.Household != nil {
		if len(cfg.Household.Channels) > 0 {
			h.Channels = append([]string(nil), cfg.Household.Channels...)
		}
		h.TelegramChatID = cfg.Household.TelegramChatID
	}
	return h, nil
}

const notifierLogChannel = "log"

func checkChannels(t tenant.Tenant, telegramEnabled bool) error {
	if len(t.Channels) == 0 {
		return fmt.Errorf("tenant %s: no channels", t.Key)
	}
	for _, ch := range t.Channels {
		switch ch {
		case notifierLogChannel:
		case telegram.ChannelName:
			if !telegramEnabled {
				return fmt.Errorf("tenant %s: channel telegram needs telegram.token", t.Key)
			}
			if t.TelegramChatID == 0 {
				return fmt.Errorf("tenant %s: channel telegram needs telegram_chat_id", t.Key)
			}
		default:
			return fmt.Errorf("tenant %s: %w: %q", t.Key, notifier.ErrUnknownChannel, ch)
		}
	}
	return nil
}
