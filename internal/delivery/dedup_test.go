package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"famsched/internal/tenant"
)

type memRepo struct {
	mu    sync.Mutex
	saved map[string]Record
}

func (m *memRepo) SaveDelivery(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]Record{}
	}
	m.saved[string(r.Tenant)+"|"+r.Period] = r.clone()
	return nil
}

func (m *memRepo) GetDelivery(_ context.Context, k tenant.Key, period string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.saved[string(k)+"|"+period]
	return r.clone(), ok, nil
}

func TestHashIgnoresCosmeticNoise(t *testing.T) {
	t.Parallel()

	a := "Ugebrev uge 42\r\nHusk madpakke   \r\n"
	b := "\n\nUgebrev uge 42\nHusk madpakke\n"
	if Hash(a) != Hash(b) {
		t.Fatalf("canonical text should hash equally:\n%q\n%q", Canonical(a), Canonical(b))
	}
	if Hash(a) == Hash("Ugebrev uge 42\nHusk gymnastiktøj") {
		t.Fatalf("real edits must change the hash")
	}
	if len(Hash(a)) != 64 {
		t.Fatalf("expected hex sha256, got %q", Hash(a))
	}
}

func TestWeekPeriod(t *testing.T) {
	t.Parallel()

	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC), "2026-W42"},
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W53"},
		{time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), "2026-W02"},
	}
	for _, tt := range cases {
		if got := WeekPeriod(tt.at); got != tt.want {
			t.Fatalf("WeekPeriod(%s)=%s want %s", tt.at.Format(time.DateOnly), got, tt.want)
		}
	}
}

func TestSecondIdenticalFetchIsDuplicate(t *testing.T) {
	t.Parallel()

	repo := &memRepo{}
	d := New(repo)
	ctx := context.Background()

	first := Hash("Ugebrev\nTur i skoven fredag")
	if dup, _ := d.IsDuplicate(ctx, "emma", "2026-W42", first); dup {
		t.Fatalf("nothing recorded yet")
	}
	if _, err := d.RecordDelivery(ctx, Record{Tenant: "emma", Period: "2026-W42", Hash: first, Channels: []string{"telegram"}, Complete: true}); err != nil {
		t.Fatalf("record: %v", err)
	}

	second := Hash("Ugebrev\r\nTur i skoven fredag\r\n")
	if dup, _ := d.IsDuplicate(ctx, "emma", "2026-W42", second); !dup {
		t.Fatalf("identical canonical content must be a duplicate")
	}
	if dup, _ := d.IsDuplicate(ctx, "bob", "2026-W42", second); dup {
		t.Fatalf("bob's period is independent")
	}

	// A fresh deduplicator over the same repository sees the record too.
	if ok, _ := New(repo).Delivered(ctx, "emma", "2026-W42"); !ok {
		t.Fatalf("delivery should survive a restart")
	}
}

func TestPartialDeliveryMergesChannels(t *testing.T) {
	t.Parallel()

	d := New(nil)
	ctx := context.Background()
	h := Hash("content")

	if _, err := d.RecordDelivery(ctx, Record{Tenant: "emma", Period: "p", Hash: h, Channels: []string{"telegram"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ok, _ := d.Delivered(ctx, "emma", "p"); ok {
		t.Fatalf("partial delivery is not complete")
	}
	r, _ := d.RecordDelivery(ctx, Record{Tenant: "emma", Period: "p", Hash: h, Channels: []string{"log"}, Complete: true})
	if !r.Has("telegram") || !r.Has("log") || !r.Complete {
		t.Fatalf("merged record=%+v", r)
	}
	if missing := r.Missing([]string{"telegram", "log", "email"}); len(missing) != 1 || missing[0] != "email" {
		t.Fatalf("missing=%v", missing)
	}

	// Changed content replaces the record.
	r, _ = d.RecordDelivery(ctx, Record{Tenant: "emma", Period: "p", Hash: Hash("edited"), Channels: []string{"log"}})
	if r.Has("telegram") || r.Complete {
		t.Fatalf("new hash must start a new record: %+v", r)
	}
}
