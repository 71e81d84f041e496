package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recSender struct {
	mu    sync.Mutex
	lines []string
}

func (s *recSender) SendLog(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
	return nil
}

func (s *recSender) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestWriterLoggerCarriesFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "tasks"))
	log.Info("task ran", Int("count", 2), Err(nil))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	if m["comp"] != "tasks" || m["message"] != "task ran" || m["count"] != float64(2) {
		t.Fatalf("line=%v", m)
	}
	if _, ok := m["err"]; ok {
		t.Fatalf("nil error must not add a field: %v", m)
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller=%q", c)
	}
}

func TestZeroLoggerIsSilent(t *testing.T) {
	t.Parallel()

	var l Logger
	l.With(String("k", "v")).Error("nobody hears this")
	Nop().Warn("nor this")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"Error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("ParseLevel(%q)=%v want %v", tt.in, got, tt.want)
		}
	}
}

func TestRenderChat(t *testing.T) {
	t.Parallel()

	line := `{"level":"warn","time":"2026-10-19T08:00:00Z","caller":"x.go:1","comp":"tasks","message":"run failed","tenant":"emma","err":"boom"}`
	got := renderChat([]byte(line))
	want := "[WARN] tasks: run failed\nerr: boom\ntenant: emma"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := renderChat([]byte("not json\n")); got != "not json" {
		t.Fatalf("raw fallback=%q", got)
	}
	long := renderChat([]byte(strings.Repeat("x", chatMaxLen+50)))
	if len(long) != chatMaxLen || !strings.HasSuffix(long, "...") {
		t.Fatalf("clip len=%d", len(long))
	}
}

func TestChatSinkFiltersAndThrottles(t *testing.T) {
	t.Parallel()

	sender := &recSender{}
	svc, log := New(Config{Chat: ChatConfig{Enabled: true, MinLevel: "warn", RatePerSec: 1}}, sender)
	defer svc.Close()

	log.Info("below min level")
	log.Warn("first")
	log.Warn("second")

	deadline := time.Now().Add(2 * time.Second)
	for len(sender.got()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("chat line never sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
	lines := sender.got()
	if len(lines) != 1 || !strings.Contains(lines[0], "first") {
		t.Fatalf("lines=%q", lines)
	}
	if got := svc.Dropped(); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
}

func TestApplyKeepsFileOpenWhenPathUnchanged(t *testing.T) {
	t.Parallel()

	path := t.TempDir() + "/famsched.log"
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg, nil)
	defer svc.Close()

	first := svc.file
	log.Info("one")
	cfg.Level = "debug"
	svc.Apply(cfg)
	if svc.file != first {
		t.Fatalf("file reopened for an unchanged path")
	}
	log.Debug("two")
	svc.Apply(Config{Level: "info"})
	if svc.file != nil {
		t.Fatalf("file still open after disabling")
	}
}
