package source

import (
	"context"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

// BreakerConfig controls the per-tenant circuit breaker.
type BreakerConfig struct {
	// TripFailures is the number of consecutive failures that open the circuit.
	TripFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Minute
	}
	return c
}

// Breaker wraps a Source with one circuit breaker per tenant, so a tenant
// whose upstream keeps failing stops hammering it without affecting others.
type Breaker struct {
	next Source
	cfg  BreakerConfig
	log  logx.Logger

	mu       sync.Mutex
	breakers map[tenant.Key]*gobreaker.CircuitBreaker[string]
}

func NewBreaker(next Source, cfg BreakerConfig, log logx.Logger) *Breaker {
	return &Breaker{
		next:     next,
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "source.breaker")),
		breakers: map[tenant.Key]*gobreaker.CircuitBreaker[string]{},
	}
}

func (b *Breaker) breaker(k tenant.Key) *gobreaker.CircuitBreaker[string] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb := b.breakers[k]; cb != nil {
		return cb
	}
	trip := b.cfg.TripFailures
	cb := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "source:" + string(k),
		MaxRequests: 1,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.Warn("circuit state changed", logx.String("breaker", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	b.breakers[k] = cb
	return cb
}

// FetchPeriodContent returns gobreaker.ErrOpenState while the tenant's
// circuit is open.
func (b *Breaker) FetchPeriodContent(ctx context.Context, k tenant.Key, period string) (string, error) {
	return b.breaker(k).Execute(func() (string, error) {
		return b.next.FetchPeriodContent(ctx, k, period)
	})
}

// State reports the tenant's circuit state.
func (b *Breaker) State(k tenant.Key) gobreaker.State {
	return b.breaker(k).State()
}
