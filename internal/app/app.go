package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"famsched/internal/audit"
	"famsched/internal/config"
	"famsched/internal/delivery"
	"famsched/internal/executor"
	"famsched/internal/notifier"
	"famsched/internal/orchestrator"
	"famsched/internal/ratelimit"
	"famsched/internal/runtime/supervisor"
	"famsched/internal/source"
	"famsched/internal/storage"
	"famsched/internal/task/cronspec"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
	"famsched/internal/transport/telegram"
	"famsched/pkg/logx"
)

// App wires every component from one config file and owns their lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	settings *Settings
	store    storage.Store
	audit    *audit.Recorder
	limiter  *ratelimit.Limiter
	notif    *notifier.Service
	tasks    *store.Store
	orch     *orchestrator.Orchestrator

	stopOnce sync.Once
	stopTO   time.Duration
}

// NewApp loads cfgPath and builds the component graph. Nothing runs until
// Start.
func NewApp(cfgPath string) (*App, error) {
	ctx := context.Background()
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(Validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	s, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}

	var (
		tg     *telegram.Client
		sender logx.ChatSender
	)
	if s.Telegram.Token != "" {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		tg, err = telegram.New(s.Telegram, bootLog)
		if err != nil {
			return nil, err
		}
		// Avoid a typed nil in the interface.
		sender = tg
	}

	logs, log := logx.New(s.Logging, sender)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{cfgm: cfgm, log: log, logs: logs, settings: s, stopTO: s.StopTimeout}
	if err := a.build(ctx, s, tg); err != nil {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, s *Settings, tg *telegram.Client) error {
	log := a.log
	st, err := storage.Open(s.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = st
	a.audit = audit.NewRecorder(st, log)

	if a.limiter, err = ratelimit.New(s.RateLimits); err != nil {
		return err
	}
	ex := executor.New(s.Executor, log.With(logx.String("comp", "executor")), a.limiter, st, a.audit)

	a.tasks = store.New(cronspec.New(s.Cron), s.Store,
		store.WithRepository(st),
		store.WithLogger(log.With(logx.String("comp", "tasks"))),
	)
	if n, err := a.tasks.Load(ctx); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	} else if n > 0 {
		log.Info("tasks restored", logx.Int("count", n))
	}

	tracker, err := retry.New(s.Retry,
		retry.WithRepository(st),
		retry.WithLogger(log.With(logx.String("comp", "retry"))),
	)
	if err != nil {
		return err
	}
	if _, err := tracker.Load(ctx); err != nil {
		return fmt.Errorf("load retries: %w", err)
	}

	channels := []notifier.Channel{notifier.LogChannel{Log: log.With(logx.String("comp", "notify"))}}
	if tg != nil {
		channels = append(channels, tg)
	}
	a.notif = notifier.New(s.Notifier, log.With(logx.String("comp", "notifier")), channels...)

	src := source.NewBreaker(source.Dir{Root: s.ContentDir}, s.Breaker, log.With(logx.String("comp", "source")))

	a.orch, err = orchestrator.New(s.Orchestrator, orchestrator.Deps{
		Tenants:   s.Tenants,
		Tasks:     a.tasks,
		Retry:     tracker,
		Dedup:     delivery.New(st),
		Reminders: st,
		Notify:    a.notif,
		Source:    src,
		Executor:  ex,
		Audit:     a.audit,
	}, orchestrator.WithLogger(log.With(logx.String("comp", "orchestrator"))))
	if err != nil {
		return err
	}
	return a.seedTasks(ctx, s.Tasks)
}

// seedTasks schedules config tasks that are not already stored, matched by
// tenant and name.
func (a *App) seedTasks(ctx context.Context, tasks []config.TaskConfig) error {
	for _, tc := range tasks {
		k := tenant.Key(tc.Tenant)
		if _, ok := a.tasks.FindByName(k, tc.Name); ok {
			continue
		}
		id, err := a.orch.ScheduleTask(ctx, k, tc.Name, tc.Cron, tc.Description)
		if err != nil {
			return fmt.Errorf("task %s/%s: %w", tc.Tenant, tc.Name, err)
		}
		a.log.Info("task scheduled from config",
			logx.String("tenant", tc.Tenant),
			logx.String("name", tc.Name),
			logx.String("id", id),
		)
	}
	return nil
}

func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

func (a *App) Store() storage.Store { return a.store }

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}

	updates, unsubscribe := a.cfgm.Subscribe()
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubscribe()
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("tenants", a.settings.Tenants.Len()),
		logx.String("storage", a.settings.Storage.Driver),
		logx.Strings("channels", a.notif.Channels()),
	)
	return nil
}

// applyConfig pushes the live sections of next into running components. The
// config was validated by the manager before it was published.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	ch := config.Summarize(prev, next)
	if ch.Empty() {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	s, err := Resolve(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	for _, sec := range ch.Live {
		switch sec {
		case "logging":
			a.logs.Apply(s.Logging)
		case "rate_limits":
			if err := a.limiter.Apply(s.RateLimits); err != nil {
				a.log.Warn("rate limits not applied", logx.Err(err))
			}
		case "notifier":
			a.notif.Apply(s.Notifier)
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}

	fields := append([]logx.Field{
		logx.String("live", strings.Join(ch.Live, ",")),
		logx.String("restart", strings.Join(ch.Restart, ",")),
	}, ch.Fields...)
	a.log.Info("config reloaded", fields...)

	_ = a.audit.RecordEvent(context.WithoutCancel(ctx), audit.Event{
		Type:      audit.EventConfigReloaded,
		Operation: "config_reload",
		Success:   true,
		Detail:    "changed: " + strings.Join(append(append([]string(nil), ch.Live...), ch.Restart...), ","),
	})
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, ok := ctx.Deadline(); !ok && a.stopTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.stopTO)
		defer cancel()
	}

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if limit > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = rem
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	step("orchestrator", 0, a.orch.Stop)
	step("supervisor", 2*time.Second, a.sup.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
