package cronspec

import (
	"errors"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	e := New(Config{Location: time.UTC})
	cases := []struct {
		expr string
		ok   bool
	}{
		{"0 7 * * 1", true},
		{"*/5 * * * *", true},
		{"@daily", true},
		{"cron: 30 6 * * *", true},
		{"", false},
		{"not a cron", false},
		{"0 0 7 * * 1", false}, // seconds field is not accepted
		{"61 * * * *", false},
		{"@every 5m", false},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			err := e.Validate(tt.expr)
			if tt.ok && err != nil {
				t.Fatalf("Validate(%q): %v", tt.expr, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidCron) {
				t.Fatalf("Validate(%q)=%v want ErrInvalidCron", tt.expr, err)
			}
		})
	}
}

func TestDueFreshTaskFiresOnMatchingTick(t *testing.T) {
	t.Parallel()

	e := New(Config{Location: time.UTC, Lookback: time.Minute, ExecutionWindow: time.Minute})
	now := time.Date(2026, 10, 16, 8, 0, 3, 0, time.UTC)

	due, next, err := e.Due("0 8 * * *", nil, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if !due {
		t.Fatalf("fresh task should be due at %s (next=%s)", now, next)
	}
	if want := time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%s want %s", next, want)
	}

	// After the run is recorded it is not due again until tomorrow.
	last := now
	if due, _, _ := e.Due("0 8 * * *", &last, now.Add(10*time.Second)); due {
		t.Fatalf("should not be due right after a run")
	}
	tomorrow := time.Date(2026, 10, 17, 8, 0, 1, 0, time.UTC)
	if due, _, _ := e.Due("0 8 * * *", &last, tomorrow); !due {
		t.Fatalf("should be due next day")
	}
}

func TestDueOutsideExecutionWindow(t *testing.T) {
	t.Parallel()

	e := New(Config{Location: time.UTC, ExecutionWindow: time.Minute})
	last := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	late := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

	due, next, err := e.Due("0 8 * * *", &last, late)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if due {
		t.Fatalf("stale activation %s must not fire at %s", next, late)
	}
}

func TestNextUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CET", 2*60*60)
	e := New(Config{Location: loc})
	from := time.Date(2026, 10, 16, 5, 0, 0, 0, time.UTC) // 07:00 local
	next, err := e.Next("30 7 * * *", from)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if want := time.Date(2026, 10, 16, 5, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%s want %s", next.UTC(), want)
	}
}

func TestDueLaterOccurrences(t *testing.T) {
	t.Parallel()

	e := New(Config{Location: time.UTC, Lookback: time.Minute, ExecutionWindow: time.Minute})
	day := func(d, h, m, s int) time.Time { return time.Date(2026, 10, d, h, m, s, 0, time.UTC) }
	ptr := func(t time.Time) *time.Time { return &t }

	cases := []struct {
		name     string
		lastRun  *time.Time
		now      time.Time
		due      bool
		wantNext time.Time
	}{
		{"next day after success", ptr(day(16, 7, 0, 5)), day(17, 7, 0, 5), true, day(17, 7, 0, 0)},
		{"after downtime across an occurrence", ptr(day(16, 7, 0, 5)), day(18, 7, 0, 5), true, day(18, 7, 0, 0)},
		{"retry after failure outside window", ptr(day(16, 7, 0, 5)), day(17, 7, 1, 5), false, day(18, 7, 0, 0)},
		{"next day after failed retry", ptr(day(16, 7, 0, 5)), day(18, 7, 0, 5), true, day(18, 7, 0, 0)},
		{"same occurrence right after run", ptr(day(17, 7, 0, 5)), day(17, 7, 0, 15), false, day(18, 7, 0, 0)},
		{"same occurrence at window edge", ptr(day(17, 7, 0, 5)), day(17, 7, 1, 0), false, day(18, 7, 0, 0)},
		{"never run, late start inside window", nil, day(17, 7, 0, 50), true, day(17, 7, 0, 0)},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			due, next, err := e.Due("0 7 * * *", tt.lastRun, tt.now)
			if err != nil {
				t.Fatalf("Due: %v", err)
			}
			if due != tt.due {
				t.Fatalf("due=%v want %v (next=%s)", due, tt.due, next)
			}
			if !next.Equal(tt.wantNext) {
				t.Fatalf("next=%s want %s", next, tt.wantNext)
			}
		})
	}
}
