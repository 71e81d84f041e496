package tenant

import (
	"context"
	"errors"

	"famsched/pkg/logx"
)

// Limiter is the slice of the rate limiter a scope needs.
type Limiter interface {
	Take(tenant, op string) error
	Remaining(tenant, op string) int
}

// StateStore is a generic key/value table. Scopes namespace keys per tenant.
type StateStore interface {
	GetState(ctx context.Context, key string) (string, bool, error)
	PutState(ctx context.Context, key, value string) error
}

var ErrNoState = errors.New("tenant: no state store")

// Scope is the dependency set for one operation run on behalf of one tenant.
// It is built fresh for every run and must not outlive it.
type Scope struct {
	Tenant Tenant
	Log    logx.Logger

	limiter Limiter
	state   StateStore
}

func NewScope(t Tenant, log logx.Logger, limiter Limiter, state StateStore) *Scope {
	return &Scope{
		Tenant:  t,
		Log:     log.With(logx.String("tenant", string(t.Key))),
		limiter: limiter,
		state:   state,
	}
}

func (s *Scope) Key() Key { return s.Tenant.Key }

// Take consumes one slot of op's budget for this tenant. Without a limiter
// every call is allowed.
func (s *Scope) Take(op string) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Take(string(s.Tenant.Key), op)
}

func (s *Scope) Remaining(op string) int {
	if s.limiter == nil {
		return -1
	}
	return s.limiter.Remaining(string(s.Tenant.Key), op)
}

// StateKey returns k inside this tenant's namespace.
func (s *Scope) StateKey(k string) string { return string(s.Tenant.Key) + "/" + k }

func (s *Scope) GetState(ctx context.Context, k string) (string, bool, error) {
	if s.state == nil {
		return "", false, ErrNoState
	}
	return s.state.GetState(ctx, s.StateKey(k))
}

func (s *Scope) PutState(ctx context.Context, k, v string) error {
	if s.state == nil {
		return ErrNoState
	}
	return s.state.PutState(ctx, s.StateKey(k), v)
}
