// Package delivery keeps at most one authoritative delivery per
// (tenant, period) and recognizes re-fetched content by its hash.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"famsched/internal/tenant"
)

var ErrInvalidRecord = errors.New("delivery: invalid record")

// Record is what was delivered for a tenant in a period. Complete is false
// while some channels still lack the content.
type Record struct {
	Tenant      tenant.Key `json:"tenant"`
	Period      string     `json:"period"`
	Hash        string     `json:"hash"`
	Channels    []string   `json:"channels"`
	Complete    bool       `json:"complete"`
	DeliveredAt time.Time  `json:"delivered_at"`
	Content     string     `json:"content"`
}

func (r Record) clone() Record {
	r.Channels = append([]string(nil), r.Channels...)
	return r
}

// Has reports whether channel already received this record's content.
func (r Record) Has(channel string) bool {
	for _, c := range r.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Missing returns the channels in want that did not receive the content.
func (r Record) Missing(want []string) []string {
	var out []string
	for _, c := range want {
		if !r.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

type Repository interface {
	SaveDelivery(ctx context.Context, r Record) error
	GetDelivery(ctx context.Context, k tenant.Key, period string) (Record, bool, error)
}

// Canonical normalizes text before hashing: CRLF becomes LF, trailing
// blanks are cut from every line and the whole text is trimmed.
func Canonical(content string) string {
	s := strings.ReplaceAll(content, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Hash returns the hex SHA-256 of the canonical text.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(Canonical(content)))
	return hex.EncodeToString(sum[:])
}

// WeekPeriod returns the ISO week key of t, e.g. "2026-W42".
func WeekPeriod(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

type key struct {
	tenant tenant.Key
	period string
}

// Deduplicator caches delivery records in memory in front of a repository.
type Deduplicator struct {
	repo Repository
	now  func() time.Time

	mu    sync.Mutex
	cache map[key]Record
}

func New(repo Repository) *Deduplicator {
	return &Deduplicator{repo: repo, now: time.Now, cache: map[key]Record{}}
}

// SetClock replaces time.Now for tests.
func (d *Deduplicator) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

func (d *Deduplicator) Hash(content string) string { return Hash(content) }

// Get returns the record for (tenant, period), if any.
func (d *Deduplicator) Get(ctx context.Context, k tenant.Key, period string) (Record, bool, error) {
	d.mu.Lock()
	r, ok := d.cache[key{k, period}]
	d.mu.Unlock()
	if ok {
		return r.clone(), true, nil
	}
	if d.repo == nil {
		return Record{}, false, nil
	}
	r, ok, err := d.repo.GetDelivery(ctx, k, period)
	if err != nil || !ok {
		return Record{}, false, err
	}
	d.mu.Lock()
	d.cache[key{k, period}] = r.clone()
	d.mu.Unlock()
	return r, true, nil
}

// Delivered reports whether the period's content reached every channel.
func (d *Deduplicator) Delivered(ctx context.Context, k tenant.Key, period string) (bool, error) {
	r, ok, err := d.Get(ctx, k, period)
	if err != nil {
		return false, err
	}
	return ok && r.Complete, nil
}

// IsDuplicate reports whether digest equals the last recorded digest for
// the period.
func (d *Deduplicator) IsDuplicate(ctx context.Context, k tenant.Key, period, digest string) (bool, error) {
	r, ok, err := d.Get(ctx, k, period)
	if err != nil {
		return false, err
	}
	return ok && r.Hash == digest, nil
}

// RecordDelivery stores r. When the stored record has the same hash, the
// channel sets are merged; a different hash replaces it.
func (d *Deduplicator) RecordDelivery(ctx context.Context, r Record) (Record, error) {
	if r.Tenant == "" || r.Period == "" || r.Hash == "" {
		return Record{}, fmt.Errorf("%w: tenant, period and hash are required", ErrInvalidRecord)
	}
	prev, ok, err := d.Get(ctx, r.Tenant, r.Period)
	if err != nil {
		return Record{}, err
	}
	rec := r.clone()
	if ok && prev.Hash == rec.Hash {
		for _, c := range prev.Channels {
			if !rec.Has(c) {
				rec.Channels = append(rec.Channels, c)
			}
		}
		rec.Complete = rec.Complete || prev.Complete
		if rec.Content == "" {
			rec.Content = prev.Content
		}
	}
	sort.Strings(rec.Channels)
	if rec.DeliveredAt.IsZero() {
		rec.DeliveredAt = d.now()
	}
	if d.repo != nil {
		if err := d.repo.SaveDelivery(ctx, rec); err != nil {
			return Record{}, fmt.Errorf("save delivery: %w", err)
		}
	}
	d.mu.Lock()
	d.cache[key{rec.Tenant, rec.Period}] = rec.clone()
	d.mu.Unlock()
	return rec, nil
}

// MarkComplete flags an existing record as fully delivered without touching
// its channels.
func (d *Deduplicator) MarkComplete(ctx context.Context, k tenant.Key, period string) error {
	r, ok, err := d.Get(ctx, k, period)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no record for %s %s", ErrInvalidRecord, k, period)
	}
	r.Complete = true
	_, err = d.RecordDelivery(ctx, r)
	return err
}
