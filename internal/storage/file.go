package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/reminder"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

const compactEvery = 500

// fileStore serves reads from memory and makes every write durable.
//
// Files:
//   - <prefix>.snapshot.json  (full state, replaced atomically)
//   - <prefix>.journal.jsonl  (writes since the last snapshot)
//   - <prefix>.audit.jsonl    (append-only audit log)
type fileStore struct {
	*memStore
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	auditFile    *os.File
	writes       int
}

type snapshot struct {
	Tasks      []store.ScheduledTask `json:"tasks"`
	Reminders  []reminder.Reminder   `json:"reminders"`
	Retries    []retry.Record        `json:"retries"`
	Deliveries []delivery.Record     `json:"deliveries"`
	State      map[string]string     `json:"state"`
}

// journalEntry is one write. Op names the table and action.
type journalEntry struct {
	Op       string               `json:"op"`
	Tenant   tenant.Key           `json:"tenant,omitempty"`
	ID       string               `json:"id,omitempty"`
	Key      string               `json:"key,omitempty"`
	Value    string               `json:"value,omitempty"`
	Task     *store.ScheduledTask `json:"task,omitempty"`
	Reminder *reminder.Reminder   `json:"reminder,omitempty"`
	Retry    *retry.Record        `json:"retry,omitempty"`
	Delivery *delivery.Record     `json:"delivery,omitempty"`
}

const (
	opTaskPut        = "task.put"
	opTaskDelete     = "task.delete"
	opReminderPut    = "reminder.put"
	opReminderDelete = "reminder.delete"
	opRetryPut       = "retry.put"
	opDeliveryPut    = "delivery.put"
	opStatePut       = "state.put"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemStore()
	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	s := &fileStore{
		memStore:     mem,
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		auditFile:    af,
	}
	if n > 0 {
		s.mu.Lock()
		if err := s.compactLocked(); err != nil {
			log.Warn("journal compaction failed", logx.Err(err))
		}
		s.mu.Unlock()
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journal != nil {
		errs = append(errs, s.compactLocked(), s.journal.Close())
		s.journal = nil
	}
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	errs = append(errs, s.memStore.Close())
	return errors.Join(errs...)
}

// write applies a change to memory and appends it to the journal under the
// same lock, so journal order matches memory order.
func (s *fileStore) write(e journalEntry, apply func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := apply(); err != nil {
		return err
	}
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) SaveTask(ctx context.Context, t store.ScheduledTask) error {
	cp := t.Clone()
	return s.write(journalEntry{Op: opTaskPut, Task: &cp}, func() error { return s.memStore.SaveTask(ctx, t) })
}

func (s *fileStore) DeleteTask(ctx context.Context, k tenant.Key, id string) error {
	return s.write(journalEntry{Op: opTaskDelete, Tenant: k, ID: id}, func() error { return s.memStore.DeleteTask(ctx, k, id) })
}

func (s *fileStore) AddReminder(ctx context.Context, r reminder.Reminder) error {
	return s.write(journalEntry{Op: opReminderPut, Reminder: &r}, func() error { return s.memStore.AddReminder(ctx, r) })
}

func (s *fileStore) DeleteReminder(ctx context.Context, id string) (bool, error) {
	var existed bool
	err := s.write(journalEntry{Op: opReminderDelete, ID: id}, func() error {
		var err error
		existed, err = s.memStore.DeleteReminder(ctx, id)
		return err
	})
	return existed, err
}

func (s *fileStore) SaveRetry(ctx context.Context, r retry.Record) error {
	return s.write(journalEntry{Op: opRetryPut, Retry: &r}, func() error { return s.memStore.SaveRetry(ctx, r) })
}

func (s *fileStore) SaveDelivery(ctx context.Context, r delivery.Record) error {
	return s.write(journalEntry{Op: opDeliveryPut, Delivery: &r}, func() error { return s.memStore.SaveDelivery(ctx, r) })
}

func (s *fileStore) PutState(ctx context.Context, key, value string) error {
	return s.write(journalEntry{Op: opStatePut, Key: key, Value: value}, func() error { return s.memStore.PutState(ctx, key, value) })
}

func (s *fileStore) AppendAudit(ctx context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.auditFile).Encode(e); err != nil {
		return err
	}
	return s.memStore.AppendAudit(ctx, e)
}

// compactLocked writes the full state to a temp file, renames it over the
// snapshot and truncates the journal. Must be called with s.mu held.
func (s *fileStore) compactLocked() error {
	ctx := context.Background()
	snap := snapshot{State: map[string]string{}}
	snap.Tasks, _ = s.memStore.LoadTasks(ctx)
	snap.Reminders, _ = s.memStore.ListReminders(ctx)
	snap.Retries, _ = s.memStore.LoadRetries(ctx)
	s.memStore.mu.RLock()
	for _, d := range s.memStore.deliveries {
		snap.Deliveries = append(snap.Deliveries, d)
	}
	for k, v := range s.memStore.state {
		snap.State[k] = v
	}
	s.memStore.mu.RUnlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, m *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, t := range snap.Tasks {
		m.tasks[t.ID] = t
	}
	for _, r := range snap.Reminders {
		m.reminders[r.ID] = r
	}
	for _, r := range snap.Retries {
		m.retries[retryKey{r.Tenant, r.WorkItem}] = r
	}
	for _, d := range snap.Deliveries {
		m.deliveries[deliveryKey{d.Tenant, d.Period}] = d
	}
	for k, v := range snap.State {
		m.state[k] = v
	}
	return nil
}

// replayJournal applies journal entries on top of the snapshot. A torn last
// line is skipped.
func replayJournal(path string, m *memStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		switch e.Op {
		case opTaskPut:
			if e.Task != nil {
				m.tasks[e.Task.ID] = *e.Task
			}
		case opTaskDelete:
			delete(m.tasks, e.ID)
		case opReminderPut:
			if e.Reminder != nil {
				m.reminders[e.Reminder.ID] = *e.Reminder
			}
		case opReminderDelete:
			delete(m.reminders, e.ID)
		case opRetryPut:
			if e.Retry != nil {
				m.retries[retryKey{e.Retry.Tenant, e.Retry.WorkItem}] = *e.Retry
			}
		case opDeliveryPut:
			if e.Delivery != nil {
				m.deliveries[deliveryKey{e.Delivery.Tenant, e.Delivery.Period}] = *e.Delivery
			}
		case opStatePut:
			m.state[e.Key] = e.Value
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
