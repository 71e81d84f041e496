// Package audit records per-tenant operation outcomes. Failures that are
// contained at the tenant boundary surface here instead of as errors.
package audit

import (
	"context"
	"sync"
	"time"

	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

// EventType categorizes audit events.
type EventType string

const (
	EventOperation       EventType = "operation"
	EventTaskRun         EventType = "task.run"
	EventContentDelivery EventType = "content.delivered"
	EventContentSkipped  EventType = "content.duplicate"
	EventRetryAttempt    EventType = "retry.attempt"
	EventRetryExhausted  EventType = "retry.exhausted"
	EventReminderSent    EventType = "reminder.sent"
	EventReminderMissed  EventType = "reminder.missed"
	EventReminderFailed  EventType = "reminder.failed"
	EventRateLimited     EventType = "rate_limited"
	EventConfigReloaded  EventType = "config.reloaded"
)

// Event is one audit row. Tenant is empty for system events.
type Event struct {
	At        time.Time  `json:"at"`
	Tenant    tenant.Key `json:"tenant,omitempty"`
	Type      EventType  `json:"type"`
	Operation string     `json:"operation"`
	Success   bool       `json:"success"`
	Detail    string     `json:"detail,omitempty"`
}

type Sink interface {
	RecordEvent(ctx context.Context, e Event) error
}

// Appender is the persistence side of a Recorder.
type Appender interface {
	AppendAudit(ctx context.Context, e Event) error
}

// Recorder logs every event and appends it to storage when one is set.
type Recorder struct {
	app Appender
	log logx.Logger
	now func() time.Time
}

func NewRecorder(app Appender, log logx.Logger) *Recorder {
	return &Recorder{app: app, log: log.With(logx.String("comp", "audit")), now: time.Now}
}

func (r *Recorder) RecordEvent(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = r.now()
	}
	fields := []logx.Field{
		logx.String("type", string(e.Type)),
		logx.String("op", e.Operation),
		logx.Bool("success", e.Success),
	}
	if e.Tenant != "" {
		fields = append(fields, logx.String("tenant", string(e.Tenant)))
	}
	if e.Detail != "" {
		fields = append(fields, logx.String("detail", e.Detail))
	}
	if e.Success {
		r.log.Info("audit", fields...)
	} else {
		r.log.Warn("audit", fields...)
	}
	if r.app == nil {
		return nil
	}
	if err := r.app.AppendAudit(ctx, e); err != nil {
		r.log.Error("append audit failed", logx.Err(err))
		return err
	}
	return nil
}

// Memory keeps the last Max events in memory.
type Memory struct {
	Max int

	mu     sync.Mutex
	events []Event
}

func (m *Memory) RecordEvent(_ context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	if m.Max > 0 && len(m.events) > m.Max {
		m.events = append([]Event(nil), m.events[len(m.events)-m.Max:]...)
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Find returns the events matching tenant (any tenant when empty) and type
// (any type when empty).
func (m *Memory) Find(k tenant.Key, typ EventType) []Event {
	var out []Event
	for _, e := range m.Events() {
		if k != "" && e.Tenant != k {
			continue
		}
		if typ != "" && e.Type != typ {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Multi fans an event out to several sinks and returns the first error.
type Multi []Sink

func (m Multi) RecordEvent(ctx context.Context, e Event) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.RecordEvent(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}
