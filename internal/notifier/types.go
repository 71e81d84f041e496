package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"famsched/internal/tenant"
)

var (
	ErrUnknownChannel = errors.New("notifier: unknown channel")
	ErrNoChannels     = errors.New("notifier: tenant has no channels")
	ErrEmptyMessage   = errors.New("notifier: empty message")
)

// Config controls throttling and retries for every channel.
type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

// Channel is one delivery destination kind, such as a chat platform.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, to tenant.Tenant, text string) error
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the retry loop gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// retryAfterError asks the retry loop to wait at least After.
type retryAfterError struct {
	err   error
	After time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }
func (e retryAfterError) Unwrap() error { return e.err }

// RetryAfter wraps err with a server-provided wait hint.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, After: d}
}

// Result is the outcome on one channel.
type Result struct {
	Channel  string
	Attempts int
	Err      error
}

// Outcome collects the per-channel results of one delivery.
type Outcome struct {
	Tenant  tenant.Key
	Results []Result
}

// Delivered lists channels that accepted the message.
func (o Outcome) Delivered() []string {
	var out []string
	for _, r := range o.Results {
		if r.Err == nil {
			out = append(out, r.Channel)
		}
	}
	return out
}

// Failed lists the results with an error.
func (o Outcome) Failed() []Result {
	var out []Result
	for _, r := range o.Results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

func (o Outcome) OK() bool { return len(o.Results) > 0 && len(o.Failed()) == 0 }

// Err summarizes failures, or returns nil when every channel succeeded.
func (o Outcome) Err() error {
	failed := o.Failed()
	if len(o.Results) == 0 {
		return ErrNoChannels
	}
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failed))
	errs := make([]error, 0, len(failed))
	for _, f := range failed {
		parts = append(parts, f.Channel)
		errs = append(errs, f.Err)
	}
	return fmt.Errorf("delivery failed on %s: %w", strings.Join(parts, ","), errors.Join(errs...))
}

type HistoryItem struct {
	At      time.Time
	Tenant  tenant.Key
	Channel string
	Text    string
}
