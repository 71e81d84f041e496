// Package cronspec decides when a cron task is due.
//
// Expressions are standard 5-field crontab lines ("0 7 * * 1") or the usual
// descriptors ("@daily", "@hourly"). Resolution is one minute.
package cronspec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidCron = errors.New("invalid cron expression")

const (
	DefaultLookback        = time.Minute
	DefaultExecutionWindow = time.Minute
)

type Config struct {
	// Location used to interpret expressions. Nil means time.Local.
	Location *time.Location
	// Lookback anchors a never-run task at now-Lookback, so it may fire on
	// its very next matching tick.
	Lookback time.Duration
	// ExecutionWindow bounds how late a due time may still fire.
	ExecutionWindow time.Duration
}

type Evaluator struct {
	parser   cron.Parser
	loc      *time.Location
	lookback time.Duration
	window   time.Duration
}

func New(cfg Config) *Evaluator {
	e := &Evaluator{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:      cfg.Location,
		lookback: cfg.Lookback,
		window:   cfg.ExecutionWindow,
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.lookback <= 0 {
		e.lookback = DefaultLookback
	}
	if e.window <= 0 {
		e.window = DefaultExecutionWindow
	}
	return e
}

func (e *Evaluator) Location() *time.Location { return e.loc }

// Normalize trims the expression and drops an optional "cron:" prefix.
func Normalize(expr string) string {
	s := strings.TrimSpace(expr)
	if len(s) >= 5 && strings.EqualFold(s[:5], "cron:") {
		s = strings.TrimSpace(s[5:])
	}
	return s
}

func (e *Evaluator) Parse(expr string) (cron.Schedule, error) {
	s := Normalize(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidCron)
	}
	if strings.HasPrefix(s, "@every") {
		return nil, fmt.Errorf("%w: %q: intervals are not cron expressions", ErrInvalidCron, expr)
	}
	sched, err := e.parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidCron, expr, err)
	}
	return sched, nil
}

func (e *Evaluator) Validate(expr string) error {
	_, err := e.Parse(expr)
	return err
}

// Next returns the first activation strictly after from.
func (e *Evaluator) Next(expr string, from time.Time) (time.Time, error) {
	sched, err := e.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(from.In(e.loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q never fires", ErrInvalidCron, expr)
	}
	return next, nil
}

// Anchor is the instant Next is computed from for a task: the later of
// lastRun and now-Lookback. Occurrences older than the lookback are skipped
// so a missed or failed run never stalls the task.
func (e *Evaluator) Anchor(lastRun *time.Time, now time.Time) time.Time {
	anchor := now.Add(-e.lookback)
	if lastRun != nil && lastRun.After(anchor) {
		return *lastRun
	}
	return anchor
}

// Due reports whether a task last run at lastRun (nil if never) is due at
// now, and returns the activation it is due for. A task is due when
// next <= now <= next+ExecutionWindow.
func (e *Evaluator) Due(expr string, lastRun *time.Time, now time.Time) (bool, time.Time, error) {
	next, err := e.Next(expr, e.Anchor(lastRun, now))
	if err != nil {
		return false, time.Time{}, err
	}
	if now.Before(next) || now.After(next.Add(e.window)) {
		return false, next, nil
	}
	return true, next, nil
}
