package config

import (
	"reflect"
	"strings"

	"famsched/pkg/logx"
)

// Change describes a config reload. Live sections are applied in place;
// Restart sections only take effect after a restart.
type Change struct {
	Live    []string
	Restart []string
	Fields  []logx.Field
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// liveSections can be applied without a restart.
var liveSections = map[string]bool{
	"logging":     true,
	"rate_limits": true,
	"notifier":    true,
}

// Summarize compares two configs section by section. Fields never carry
// secrets: the telegram token is reported only as set or unset.
func Summarize(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	mark := func(section string, fields ...logx.Field) {
		if liveSections[section] {
			ch.Live = append(ch.Live, section)
		} else {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Fields = append(ch.Fields, fields...)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		mark("timezone", logx.String("timezone", newCfg.Timezone))
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		mark("scheduler",
			logx.String("scheduler.tick_interval", newCfg.Scheduler.TickInterval),
			logx.Int("scheduler.max_tasks_per_tenant", newCfg.Scheduler.MaxTasksPerTenant),
		)
	}
	if oldCfg.Retry != newCfg.Retry {
		mark("retry",
			logx.Int("retry.interval_hours", newCfg.Retry.IntervalHours),
			logx.Int("retry.max_duration_hours", newCfg.Retry.MaxDurationHours),
		)
	}
	if !reflect.DeepEqual(oldCfg.RateLimits, newCfg.RateLimits) {
		mark("rate_limits", logx.Int("rate_limits.operations", len(newCfg.RateLimits.Operations)))
	}
	if !reflect.DeepEqual(oldCfg.Tenants, newCfg.Tenants) || !reflect.DeepEqual(oldCfg.Household, newCfg.Household) {
		mark("tenants", logx.Int("tenants.count", len(newCfg.Tenants)))
	}
	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		mark("tasks", logx.Int("tasks.count", len(newCfg.Tasks)))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if oldCfg.Telegram != newCfg.Telegram {
		mark("telegram",
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.log_chat_id", newCfg.Telegram.LogChatID),
		)
	}
	if !reflect.DeepEqual(oldCfg.Content, newCfg.Content) {
		mark("content", logx.String("content.dir", newCfg.Content.Dir))
	}
	if oldCfg.Notifier != newCfg.Notifier {
		mark("notifier",
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}
	if oldCfg.Reminders != newCfg.Reminders {
		mark("reminders", logx.String("reminders.policy", newCfg.Reminders.Policy))
	}
	return ch
}
