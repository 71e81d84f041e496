package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyMaxAttempts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		interval, max int
		want          int
	}{
		{2, 24, 12},
		{1, 24, 24},
		{5, 24, 4},
		{24, 24, 1},
	}
	for _, tt := range cases {
		if got := PolicyFromHours(tt.interval, tt.max).MaxAttempts(); got != tt.want {
			t.Fatalf("PolicyFromHours(%d,%d).MaxAttempts()=%d want %d", tt.interval, tt.max, got, tt.want)
		}
	}
	if err := PolicyFromHours(0, 24).Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("zero interval: %v", err)
	}
	if err := PolicyFromHours(4, 2).Validate(); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("budget shorter than interval: %v", err)
	}
}

func TestExhaustionAfterTwelveAttempts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	tr, err := New(PolicyFromHours(2, 24), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		if tr.IsExhausted("emma", "2026-W42") {
			t.Fatalf("exhausted too early at attempt %d", i)
		}
		if _, err := tr.RecordAttempt(ctx, "emma", "2026-W42"); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		now = now.Add(2 * time.Hour)
	}
	if !tr.IsExhausted("emma", "2026-W42") {
		t.Fatalf("expected exhaustion after 12 attempts")
	}
	r, err := tr.RecordAttempt(ctx, "emma", "2026-W42")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("13th attempt: %v", err)
	}
	if r.Attempts != 12 {
		t.Fatalf("attempts=%d want 12", r.Attempts)
	}
	if tr.Due("emma", "2026-W42", now) {
		t.Fatalf("exhausted item must not be due")
	}
	if _, ok := tr.Get("emma", "2026-W42"); !ok {
		t.Fatalf("exhausted record must stay queryable")
	}
	if tr.AttemptsSoFar("bob", "2026-W42") != 0 {
		t.Fatalf("bob has no attempts")
	}
}

func TestDueAndPending(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)
	tr, _ := New(PolicyFromHours(2, 24), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if !tr.Due("emma", "w", now) {
		t.Fatalf("untried item is due")
	}
	if _, err := tr.RecordAttempt(ctx, "emma", "w"); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if tr.Due("emma", "w", now.Add(time.Hour)) {
		t.Fatalf("not due before the interval elapsed")
	}
	if got := tr.Pending(now.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("pending=%v want none", got)
	}
	later := now.Add(2 * time.Hour)
	if !tr.Due("emma", "w", later) {
		t.Fatalf("due after the interval")
	}
	if got := tr.Pending(later); len(got) != 1 || got[0].Tenant != "emma" {
		t.Fatalf("pending=%v", got)
	}

	r := tr.RecordSuccess(ctx, "emma", "w")
	if !r.Successful || r.Attempts != 1 {
		t.Fatalf("success record=%+v", r)
	}
	if got := tr.Pending(later); len(got) != 0 {
		t.Fatalf("successful items are not pending: %v", got)
	}
	if _, ok := tr.Get("emma", "w"); !ok {
		t.Fatalf("successful record must be retained")
	}
}
