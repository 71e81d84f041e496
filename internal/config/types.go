package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("10s", "1m"); an empty string means the default.
type Config struct {
	// Timezone is the IANA zone reminders and cron tasks are read in.
	Timezone string `json:"timezone"`

	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Retry      RetryConfig      `json:"retry"`
	RateLimits RateLimitsConfig `json:"rate_limits"`
	Tenants    []TenantConfig   `json:"tenants"`
	Household  *HouseholdConfig `json:"household,omitempty"`
	Tasks      []TaskConfig     `json:"tasks,omitempty"`
	Storage    StorageConfig    `json:"storage"`
	Telegram   TelegramConfig   `json:"telegram"`
	Content    ContentConfig    `json:"content"`
	Notifier   NotifierConfig   `json:"notifier"`
	Reminders  RemindersConfig  `json:"reminders"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors warnings and errors into telegram.log_chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the polling loop.
//
// Defaults: tick_interval 10s, minute_align_window 10s, execution_window 1m,
// lookback_window 1m, max_tasks_per_tenant 10, stop_timeout 30s,
// operation_timeout 0 (none).
type SchedulerConfig struct {
	TickInterval      string `json:"tick_interval,omitempty"`
	MinuteAlignWindow string `json:"minute_align_window,omitempty"`
	ExecutionWindow   string `json:"execution_window,omitempty"`
	LookbackWindow    string `json:"lookback_window,omitempty"`
	MaxTasksPerTenant int    `json:"max_tasks_per_tenant,omitempty"`
	StopTimeout       string `json:"stop_timeout,omitempty"`
	OperationTimeout  string `json:"operation_timeout,omitempty"`
}

// RetryConfig bounds content retries. The attempt budget is
// max_duration_hours / interval_hours.
type RetryConfig struct {
	IntervalHours    int `json:"interval_hours"`
	MaxDurationHours int `json:"max_duration_hours"`
}

// RateLimitsConfig overrides the built-in table. Operations not listed keep
// their built-in rule.
type RateLimitsConfig struct {
	Default    *RuleConfig           `json:"default,omitempty"`
	Operations map[string]RuleConfig `json:"operations,omitempty"`
}

type RuleConfig struct {
	Limit  int    `json:"limit"`
	Window string `json:"window"`
}

// TenantConfig describes one child. ID is optional; without it the key is
// derived from the names.
type TenantConfig struct {
	ID             string   `json:"id,omitempty"`
	FirstName      string   `json:"first_name"`
	LastName       string   `json:"last_name"`
	Channels       []string `json:"channels"`
	TelegramChatID int64    `json:"telegram_chat_id,omitempty"`
}

// HouseholdConfig is where reminders without a tenant go.
type HouseholdConfig struct {
	Channels       []string `json:"channels"`
	TelegramChatID int64    `json:"telegram_chat_id,omitempty"`
}

// TaskConfig seeds a cron task at startup unless the tenant already has a
// task with the same name.
type TaskConfig struct {
	Tenant      string `json:"tenant"`
	Name        string `json:"name"`
	Cron        string `json:"cron"`
	Description string `json:"description,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./famsched.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type TelegramConfig struct {
	Token     string `json:"token"`
	LogChatID int64  `json:"log_chat_id,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	// APIURL overrides the Bot API endpoint, e.g. for a local server.
	APIURL string `json:"api_url,omitempty"`
}

type ContentConfig struct {
	// Dir holds <tenant>/<period>.txt files.
	Dir          string        `json:"dir"`
	Placeholders []string      `json:"placeholders,omitempty"`
	Breaker      BreakerConfig `json:"breaker"`
}

type BreakerConfig struct {
	TripFailures uint32 `json:"trip_failures,omitempty"`
	OpenTimeout  string `json:"open_timeout,omitempty"`
}

type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type RemindersConfig struct {
	// Policy is "at_most_once" (default) or "at_least_once".
	Policy string `json:"policy,omitempty"`
}
