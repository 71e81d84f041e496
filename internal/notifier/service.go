package notifier

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

// Service fans a message out to a tenant's channels. Safe for concurrent use.
type Service struct {
	mu       sync.Mutex
	log      logx.Logger
	cfg      Config
	channels map[string]Channel
	limiters map[string]*rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, channels ...Channel) *Service {
	s := &Service{
		log:      log.With(logx.String("comp", "notifier")),
		channels: map[string]Channel{},
		limiters: map[string]*rate.Limiter{},
	}
	s.applyLocked(cfg)
	for _, ch := range channels {
		s.Register(ch)
	}
	return s
}

// Register adds or replaces a channel by name.
func (s *Service) Register(ch Channel) {
	if ch == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.Name()] = ch
	s.limiters[ch.Name()] = s.newLimiterLocked()
}

// Channels returns the registered channel names, sorted.
func (s *Service) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(cfg)
	for name := range s.limiters {
		s.limiters[name] = s.newLimiterLocked()
	}
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	s.cfg = cfg
}

// Token bucket: burst = rate per sec, so short spikes don't block too hard.
func (s *Service) newLimiterLocked() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

// Deliver sends text to the tenant's channels concurrently. When only is
// non-empty, channels outside it are skipped. It never returns early on a
// failing channel.
func (s *Service) Deliver(ctx context.Context, t tenant.Tenant, text string, only ...string) Outcome {
	out := Outcome{Tenant: t.Key}
	names := selectChannels(t.Channels, only)
	if len(names) == 0 {
		return out
	}
	out.Results = make([]Result, len(names))
	if text == "" {
		for i, name := range names {
			out.Results[i] = Result{Channel: name, Err: Permanent(ErrEmptyMessage)}
		}
		return out
	}

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			out.Results[i] = s.deliverOne(ctx, t, name, text)
		}(i, name)
	}
	wg.Wait()
	return out
}

func selectChannels(have, only []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range have {
		if c == "" || seen[c] {
			continue
		}
		if len(only) > 0 && !contains(only, c) {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (s *Service) deliverOne(ctx context.Context, t tenant.Tenant, name, text string) Result {
	s.mu.Lock()
	ch := s.channels[name]
	lim := s.limiters[name]
	cfg := s.cfg
	s.mu.Unlock()

	res := Result{Channel: name}
	if ch == nil {
		res.Err = Permanent(ErrUnknownChannel)
		return res
	}
	log := s.log.With(logx.String("tenant", string(t.Key)), logx.String("channel", name))

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		if err := lim.Wait(ctx); err != nil {
			res.Err = err
			return res
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := ch.Deliver(callCtx, t, text)
		cancel()
		if err == nil {
			res.Err = nil
			s.appendHistory(t.Key, name, text)
			return res
		}
		res.Err = err
		log.Debug("deliver failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if IsPermanent(err) || attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var ra retryAfterError
		if errors.As(err, &ra) && ra.After > delay {
			delay = ra.After
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return res
		case <-timer.C:
		}
	}
	log.Warn("deliver gave up", logx.Err(res.Err), logx.Int("attempts", res.Attempts))
	return res
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1)
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}

func (s *Service) appendHistory(k tenant.Key, channel, text string) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Tenant: k, Channel: channel, Text: text})
	if len(s.history) > limit {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-limit:]...)
	}
}

// History returns recent successful deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// LogChannel writes messages to the log instead of a chat. It is used for
// dry runs and for tenants without a chat.
type LogChannel struct {
	Log logx.Logger
}

func (LogChannel) Name() string { return "log" }

func (c LogChannel) Deliver(_ context.Context, to tenant.Tenant, text string) error {
	c.Log.Info("message", logx.String("tenant", string(to.Key)), logx.String("to", to.DisplayName()), logx.String("text", text))
	return nil
}
