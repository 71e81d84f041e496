package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ChatConfig mirrors log lines at or above MinLevel (default warn) into an
// operator chat, at most RatePerSec per second (default 1).
type ChatConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// ChatSender delivers one rendered log line.
type ChatSender interface {
	SendLog(ctx context.Context, text string) error
}

const (
	chatQueueSize   = 256
	chatSendTimeout = 10 * time.Second
	chatMaxLen      = 3500
	chatMaxValueLen = 600
)

// chatSink is a zerolog.LevelWriter that never blocks the caller: lines over
// the rate or beyond the queue are counted and dropped.
type chatSink struct {
	sender ChatSender
	queue  chan string

	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel zerolog.Level

	dropped atomic.Uint64

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newChatSink(sender ChatSender) *chatSink {
	return &chatSink{
		sender:   sender,
		queue:    make(chan string, chatQueueSize),
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
	}
}

func (c *chatSink) configure(cfg ChatConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	c.mu.Lock()
	c.minLevel = ParseLevel(cfg.MinLevel, zerolog.WarnLevel)
	c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	c.mu.Unlock()

	if cfg.Enabled {
		c.startOnce.Do(func() {
			ctx, cancel := context.WithCancel(context.Background())
			c.mu.Lock()
			c.cancel = cancel
			c.mu.Unlock()
			c.wg.Add(1)
			go c.run(ctx)
		})
	}
}

func (c *chatSink) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case line := <-c.queue:
			sctx, cancel := context.WithTimeout(ctx, chatSendTimeout)
			if err := c.sender.SendLog(sctx, line); err != nil {
				c.dropped.Add(1)
			}
			cancel()
		}
	}
}

func (c *chatSink) stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		c.wg.Wait()
	}
}

func (c *chatSink) Write(p []byte) (int, error) {
	return c.WriteLevel(zerolog.NoLevel, p)
}

func (c *chatSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	c.mu.Lock()
	below := level < c.minLevel
	lim := c.limiter
	c.mu.Unlock()
	if below {
		return len(p), nil
	}
	if !lim.Allow() {
		c.dropped.Add(1)
		return len(p), nil
	}
	select {
	case c.queue <- renderChat(p):
	default:
		c.dropped.Add(1)
	}
	return len(p), nil
}

// renderChat turns one JSON log line into
//
//	[WARN] comp: message
//	key: value
//
// with the remaining keys sorted. time and caller are left out.
func renderChat(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return clip(raw, chatMaxLen)
	}
	pop := func(k string) string {
		v, _ := m[k].(string)
		delete(m, k)
		return v
	}
	level, msg, comp := pop(zerolog.LevelFieldName), pop(zerolog.MessageFieldName), pop("comp")
	delete(m, zerolog.TimestampFieldName)
	delete(m, zerolog.CallerFieldName)

	var b strings.Builder
	if level != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(level))
	}
	if comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, clip(fmt.Sprint(m[k]), chatMaxValueLen))
	}
	return clip(b.String(), chatMaxLen)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
