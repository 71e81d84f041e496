package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"famsched/internal/audit"
	"famsched/internal/ratelimit"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

var tenants = []tenant.Tenant{
	{Key: "a", FirstName: "Anna"},
	{Key: "b", FirstName: "Bob"},
	{Key: "c", FirstName: "Carl"},
}

func TestRunForAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	mem := &audit.Memory{}
	ex := New(Config{}, logx.Nop(), nil, nil, mem)
	boom := errors.New("portal down")

	res := RunForAll(context.Background(), ex, tenants, "GetWeekLetter", func(_ context.Context, sc *tenant.Scope) (string, error) {
		if sc.Key() == "b" {
			return "", boom
		}
		return "letter for " + string(sc.Key()), nil
	})

	if len(res.Results) != 2 || res.Results["a"] != "letter for a" || res.Results["c"] != "letter for c" {
		t.Fatalf("results=%v", res.Results)
	}
	if _, ok := res.Results["b"]; ok {
		t.Fatalf("failed tenant must be absent from results")
	}
	if len(res.Failures) != 1 || res.Failures[0].Tenant != "b" || !errors.Is(res.Failures[0].Err, boom) {
		t.Fatalf("failures=%+v", res.Failures)
	}
	if !res.Failed("b") || res.Failed("a") {
		t.Fatalf("Failed() mismatch")
	}

	bEvents := mem.Find("b", audit.EventOperation)
	if len(bEvents) != 1 || bEvents[0].Success || bEvents[0].Detail == "" {
		t.Fatalf("audit for b=%+v", bEvents)
	}
	if len(mem.Find("a", audit.EventOperation)) != 1 {
		t.Fatalf("success is audited too")
	}
}

func TestRunRecoversPanic(t *testing.T) {
	t.Parallel()

	mem := &audit.Memory{}
	ex := New(Config{}, logx.Nop(), nil, nil, mem)
	var ran atomic.Int32

	res := RunForAll(context.Background(), ex, tenants, "ExecuteTask", func(_ context.Context, sc *tenant.Scope) (int, error) {
		ran.Add(1)
		if sc.Key() == "a" {
			panic("nil map")
		}
		return 1, nil
	})
	if ran.Load() != 3 {
		t.Fatalf("all tenants should run, ran=%d", ran.Load())
	}
	if len(res.Failures) != 1 || !errors.Is(res.Failures[0].Err, ErrPanic) {
		t.Fatalf("failures=%+v", res.Failures)
	}
	if len(res.Results) != 2 {
		t.Fatalf("results=%v", res.Results)
	}
}

func TestRunReturnsOriginalError(t *testing.T) {
	t.Parallel()

	ex := New(Config{}, logx.Nop(), nil, nil, nil)
	sentinel := errors.New("exact")
	_, err := Run(context.Background(), ex, tenants[0], "op", func(context.Context, *tenant.Scope) (struct{}, error) {
		return struct{}{}, sentinel
	})
	if err != sentinel {
		t.Fatalf("Run must re-return the original error, got %v", err)
	}
}

func TestScopeRateLimitIsPerTenant(t *testing.T) {
	t.Parallel()

	lim, err := ratelimit.New(ratelimit.Rules{Default: ratelimit.Rule{Limit: 1, Window: time.Hour}})
	if err != nil {
		t.Fatal(err)
	}
	mem := &audit.Memory{}
	ex := New(Config{}, logx.Nop(), lim, nil, mem)
	op := func(_ context.Context, sc *tenant.Scope) (bool, error) {
		return true, sc.Take(ratelimit.OpPostWeekLetter)
	}

	first := RunForAll(context.Background(), ex, tenants, ratelimit.OpPostWeekLetter, op)
	if len(first.Results) != 3 {
		t.Fatalf("each tenant has its own budget: %+v", first)
	}
	second := RunForAll(context.Background(), ex, tenants[:1], ratelimit.OpPostWeekLetter, op)
	if len(second.Failures) != 1 || !errors.Is(second.Failures[0].Err, ratelimit.ErrRateLimited) {
		t.Fatalf("second run should be limited: %+v", second)
	}
	if len(mem.Find("a", audit.EventRateLimited)) != 1 {
		t.Fatalf("rate-limited run should be audited as such")
	}
}

func TestOperationTimeout(t *testing.T) {
	t.Parallel()

	ex := New(Config{OperationTimeout: 10 * time.Millisecond}, logx.Nop(), nil, nil, nil)
	_, err := Run(context.Background(), ex, tenants[0], "slow", func(ctx context.Context, _ *tenant.Scope) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
