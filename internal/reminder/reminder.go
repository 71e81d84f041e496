// Package reminder holds one-shot reminders. A reminder exists until it is
// delivered or reported as missed; there is no sent archive.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"famsched/internal/tenant"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var ErrInvalid = errors.New("invalid reminder")

type Reminder struct {
	ID        string     `json:"id"`
	Tenant    tenant.Key `json:"tenant,omitempty"`
	Text      string     `json:"text"`
	Date      string     `json:"date"`
	Time      string     `json:"time"`
	CreatedAt time.Time  `json:"created_at"`
}

// New validates the fields and assigns an id.
func New(k tenant.Key, text, date, clock string, now time.Time) (Reminder, error) {
	r := Reminder{
		ID:        uuid.NewString(),
		Tenant:    k,
		Text:      strings.TrimSpace(text),
		Date:      strings.TrimSpace(date),
		Time:      strings.TrimSpace(clock),
		CreatedAt: now,
	}
	if r.Text == "" {
		return Reminder{}, fmt.Errorf("%w: text required", ErrInvalid)
	}
	if _, err := r.DueAt(time.UTC); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

// DueAt converts the local date and time to an instant in loc.
func (r Reminder) DueAt(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, r.Date+" "+r.Time, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q %q: %v", ErrInvalid, r.Date, r.Time, err)
	}
	return t, nil
}

type Repository interface {
	AddReminder(ctx context.Context, r Reminder) error
	ListReminders(ctx context.Context) ([]Reminder, error)
	DeleteReminder(ctx context.Context, id string) (bool, error)
}

// Due splits reminders into those due at or before now and the rest.
// Reminders whose date or time no longer parse are returned in bad.
func Due(rs []Reminder, loc *time.Location, now time.Time) (due, later, bad []Reminder) {
	for _, r := range rs {
		at, err := r.DueAt(loc)
		switch {
		case err != nil:
			bad = append(bad, r)
		case !at.After(now):
			due = append(due, r)
		default:
			later = append(later, r)
		}
	}
	SortByDue(due, loc)
	SortByDue(later, loc)
	return due, later, bad
}

// SortByDue orders reminders by due instant, then id.
func SortByDue(rs []Reminder, loc *time.Location) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, _ := rs[i].DueAt(loc)
		b, _ := rs[j].DueAt(loc)
		if !a.Equal(b) {
			return a.Before(b)
		}
		return rs[i].ID < rs[j].ID
	})
}
