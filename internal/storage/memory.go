package storage

import (
	"context"
	"sort"
	"sync"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/reminder"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
)

const memoryAuditMax = 1000

type retryKey struct {
	Tenant tenant.Key
	Item   string
}

type deliveryKey struct {
	Tenant tenant.Key
	Period string
}

// memStore keeps everything in maps. It also backs the file driver.
type memStore struct {
	mu sync.RWMutex

	tasks      map[string]store.ScheduledTask
	reminders  map[string]reminder.Reminder
	retries    map[retryKey]retry.Record
	deliveries map[deliveryKey]delivery.Record
	state      map[string]string
	audit      []audit.Event
	closed     bool
}

func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		tasks:      map[string]store.ScheduledTask{},
		reminders:  map[string]reminder.Reminder{},
		retries:    map[retryKey]retry.Record{},
		deliveries: map[deliveryKey]delivery.Record{},
		state:      map[string]string{},
	}
}

func (m *memStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memStore) SaveTask(_ context.Context, t store.ScheduledTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, k tenant.Key, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if t, ok := m.tasks[id]; ok && t.Tenant == k {
		delete(m.tasks, id)
	}
	return nil
}

func (m *memStore) LoadTasks(context.Context) ([]store.ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]store.ScheduledTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AddReminder(_ context.Context, r reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.reminders[r.ID] = r
	return nil
}

func (m *memStore) ListReminders(context.Context) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]reminder.Reminder, 0, len(m.reminders))
	for _, r := range m.reminders {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DeleteReminder(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.reminders[id]
	delete(m.reminders, id)
	return ok, nil
}

func (m *memStore) SaveRetry(_ context.Context, r retry.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if r.NextAttempt != nil {
		v := *r.NextAttempt
		r.NextAttempt = &v
	}
	m.retries[retryKey{r.Tenant, r.WorkItem}] = r
	return nil
}

func (m *memStore) LoadRetries(context.Context) ([]retry.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]retry.Record, 0, len(m.retries))
	for _, r := range m.retries {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].WorkItem < out[j].WorkItem
	})
	return out, nil
}

func (m *memStore) SaveDelivery(_ context.Context, r delivery.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r.Channels = append([]string(nil), r.Channels...)
	m.deliveries[deliveryKey{r.Tenant, r.Period}] = r
	return nil
}

func (m *memStore) GetDelivery(_ context.Context, k tenant.Key, period string) (delivery.Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.deliveries[deliveryKey{k, period}]
	if !ok {
		return delivery.Record{}, false, nil
	}
	r.Channels = append([]string(nil), r.Channels...)
	return r, true, nil
}

func (m *memStore) GetState(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *memStore) PutState(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.state[key] = value
	return nil
}

func (m *memStore) AppendAudit(_ context.Context, e audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	if len(m.audit) > memoryAuditMax {
		m.audit = append([]audit.Event(nil), m.audit[len(m.audit)-memoryAuditMax:]...)
	}
	return nil
}

func (m *memStore) RecentAudit(_ context.Context, limit int) ([]audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]audit.Event, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.audit[i])
	}
	return out, nil
}
