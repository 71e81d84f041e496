package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"famsched/internal/audit"
	"famsched/internal/delivery"
	"famsched/internal/reminder"
	"famsched/internal/task/retry"
	"famsched/internal/task/store"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveTask(ctx context.Context, t store.ScheduledTask) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, tenant, name, description, cron, enabled, last_run, next_run, execution_count, failure_count, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, cron=excluded.cron, enabled=excluded.enabled,
			last_run=excluded.last_run, next_run=excluded.next_run, execution_count=excluded.execution_count,
			failure_count=excluded.failure_count, updated_at=excluded.updated_at`,
		t.ID, string(t.Tenant), t.Name, nullStr(t.Description), t.Cron, boolInt(t.Enabled),
		nullTime(t.LastRun), nullTime(t.NextRun), t.ExecutionCount, t.FailureCount,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) DeleteTask(ctx context.Context, k tenant.Key, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND tenant = ?`, id, string(k))
	return err
}

func (s *sqliteStore) LoadTasks(ctx context.Context) ([]store.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant, name, description, cron, enabled, last_run, next_run, execution_count, failure_count, created_at, updated_at
		 FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ScheduledTask
	for rows.Next() {
		var (
			t                store.ScheduledTask
			tn               string
			desc, last, next sql.NullString
			enabled          int
			created, updated string
		)
		if err := rows.Scan(&t.ID, &tn, &t.Name, &desc, &t.Cron, &enabled, &last, &next,
			&t.ExecutionCount, &t.FailureCount, &created, &updated); err != nil {
			return nil, err
		}
		t.Tenant = tenant.Key(tn)
		t.Description = desc.String
		t.Enabled = enabled != 0
		t.LastRun = parseNullTime(last)
		t.NextRun = parseNullTime(next)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddReminder(ctx context.Context, r reminder.Reminder) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, tenant, text, date, time, created_at) VALUES(?,?,?,?,?,?)`,
		r.ID, nullStr(string(r.Tenant)), r.Text, r.Date, r.Time, fmtTime(r.CreatedAt),
	)
	return err
}

func (s *sqliteStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant, text, date, time, created_at FROM reminders ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		var (
			r       reminder.Reminder
			tn      sql.NullString
			created string
		)
		if err := rows.Scan(&r.ID, &tn, &r.Text, &r.Date, &r.Time, &created); err != nil {
			return nil, err
		}
		r.Tenant = tenant.Key(tn.String)
		r.CreatedAt = parseTime(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SaveRetry(ctx context.Context, r retry.Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retries(tenant, work_item, attempts, last_attempt, next_attempt, max_attempts, successful)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant, work_item) DO UPDATE SET
			attempts=excluded.attempts, last_attempt=excluded.last_attempt, next_attempt=excluded.next_attempt,
			max_attempts=excluded.max_attempts, successful=excluded.successful`,
		string(r.Tenant), r.WorkItem, r.Attempts, fmtTime(r.LastAttempt), nullTime(r.NextAttempt),
		r.MaxAttempts, boolInt(r.Successful),
	)
	return err
}

func (s *sqliteStore) LoadRetries(ctx context.Context) ([]retry.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant, work_item, attempts, last_attempt, next_attempt, max_attempts, successful
		 FROM retries ORDER BY tenant, work_item`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []retry.Record
	for rows.Next() {
		var (
			r          retry.Record
			tn, last   string
			next       sql.NullString
			successful int
		)
		if err := rows.Scan(&tn, &r.WorkItem, &r.Attempts, &last, &next, &r.MaxAttempts, &successful); err != nil {
			return nil, err
		}
		r.Tenant = tenant.Key(tn)
		r.LastAttempt = parseTime(last)
		r.NextAttempt = parseNullTime(next)
		r.Successful = successful != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveDelivery(ctx context.Context, r delivery.Record) error {
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deliveries(tenant, period, hash, channels, complete, delivered_at, content)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(tenant, period) DO UPDATE SET
			hash=excluded.hash, channels=excluded.channels, complete=excluded.complete,
			delivered_at=excluded.delivered_at, content=excluded.content`,
		string(r.Tenant), r.Period, r.Hash, string(channels), boolInt(r.Complete), fmtTime(r.DeliveredAt), nullStr(r.Content),
	)
	return err
}

func (s *sqliteStore) GetDelivery(ctx context.Context, k tenant.Key, period string) (delivery.Record, bool, error) {
	var (
		r         = delivery.Record{Tenant: k, Period: period}
		channels  string
		complete  int
		delivered string
		content   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, channels, complete, delivered_at, content FROM deliveries WHERE tenant = ? AND period = ?`,
		string(k), period,
	).Scan(&r.Hash, &channels, &complete, &delivered, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.Record{}, false, nil
	}
	if err != nil {
		return delivery.Record{}, false, err
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return delivery.Record{}, false, fmt.Errorf("decode channels: %w", err)
	}
	r.Complete = complete != 0
	r.DeliveredAt = parseTime(delivered)
	r.Content = content.String
	return r, true, nil
}

func (s *sqliteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqliteStore) PutState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_state(key, value) VALUES(?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e audit.Event) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tenant, type, operation, success, detail) VALUES(?,?,?,?,?,?)`,
		fmtTime(e.At), nullStr(string(e.Tenant)), string(e.Type), e.Operation, boolInt(e.Success), nullStr(e.Detail),
	)
	return err
}

func (s *sqliteStore) RecentAudit(ctx context.Context, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, tenant, type, operation, success, detail FROM audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e          audit.Event
			at, typ    string
			tn, detail sql.NullString
			success    int
		)
		if err := rows.Scan(&at, &tn, &typ, &e.Operation, &success, &detail); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.Tenant = tenant.Key(tn.String)
		e.Type = audit.EventType(typ)
		e.Success = success != 0
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
