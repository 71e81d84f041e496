package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

type fakeChannel struct {
	name string

	mu    sync.Mutex
	fails int // fail this many calls before succeeding
	err   error
	calls int
	texts []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, _ tenant.Tenant, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return f.err
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeChannel) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() Config {
	return Config{RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestDeliverFansOutPerChannel(t *testing.T) {
	t.Parallel()

	tg := &fakeChannel{name: "telegram"}
	broken := &fakeChannel{name: "mail", fails: 100, err: errors.New("smtp down")}
	s := New(testConfig(), logx.Nop(), tg, broken)

	emma := tenant.Tenant{Key: "emma", Channels: []string{"telegram", "mail", "pigeon"}}
	out := s.Deliver(context.Background(), emma, "hej")

	if got := out.Delivered(); len(got) != 1 || got[0] != "telegram" {
		t.Fatalf("delivered=%v", got)
	}
	failed := out.Failed()
	if len(failed) != 2 {
		t.Fatalf("failed=%+v", failed)
	}
	for _, f := range failed {
		switch f.Channel {
		case "mail":
			if f.Attempts != 3 {
				t.Fatalf("mail attempts=%d want 3", f.Attempts)
			}
		case "pigeon":
			if !errors.Is(f.Err, ErrUnknownChannel) {
				t.Fatalf("pigeon err=%v", f.Err)
			}
		default:
			t.Fatalf("unexpected failure %+v", f)
		}
	}
	if out.OK() || out.Err() == nil {
		t.Fatalf("partial failure must not be OK")
	}
	if len(s.History()) != 1 {
		t.Fatalf("history=%+v", s.History())
	}
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	flaky := &fakeChannel{name: "telegram", fails: 2, err: errors.New("timeout")}
	s := New(testConfig(), logx.Nop(), flaky)
	out := s.Deliver(context.Background(), tenant.Tenant{Key: "bob", Channels: []string{"telegram"}}, "hej")
	if !out.OK() {
		t.Fatalf("expected success after retries: %v", out.Err())
	}
	if out.Results[0].Attempts != 3 {
		t.Fatalf("attempts=%d want 3", out.Results[0].Attempts)
	}
}

func TestDeliverStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	ch := &fakeChannel{name: "telegram", fails: 100, err: Permanent(errors.New("chat not found"))}
	s := New(testConfig(), logx.Nop(), ch)
	out := s.Deliver(context.Background(), tenant.Tenant{Key: "bob", Channels: []string{"telegram"}}, "hej")
	if out.OK() || ch.Calls() != 1 {
		t.Fatalf("permanent errors are not retried: calls=%d", ch.Calls())
	}
}

func TestDeliverOnlyFilter(t *testing.T) {
	t.Parallel()

	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b"}
	s := New(testConfig(), logx.Nop(), a, b)
	out := s.Deliver(context.Background(), tenant.Tenant{Key: "emma", Channels: []string{"a", "b"}}, "x", "b")
	if got := out.Delivered(); len(got) != 1 || got[0] != "b" || a.Calls() != 0 {
		t.Fatalf("delivered=%v a.calls=%d", got, a.Calls())
	}

	none := s.Deliver(context.Background(), tenant.Tenant{Key: "bob"}, "x")
	if !errors.Is(none.Err(), ErrNoChannels) {
		t.Fatalf("expected ErrNoChannels, got %v", none.Err())
	}
}
