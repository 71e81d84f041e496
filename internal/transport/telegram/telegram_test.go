package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	"famsched/internal/notifier"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

type recordingSender struct {
	chats []int64
	texts []string
	err   error
}

func (r *recordingSender) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	if r.err != nil {
		return nil, r.err
	}
	chat, _ := to.(*tele.Chat)
	r.chats = append(r.chats, chat.ID)
	r.texts = append(r.texts, what.(string))
	return &tele.Message{}, nil
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text=%q", got)
	}
	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("split on newline=%q", got)
	}
	got = splitText(strings.Repeat("x", 25), 10)
	if len(got) != 3 || len(got[2]) != 5 {
		t.Fatalf("hard split=%q", got)
	}
}

func TestDeliverUsesTenantChat(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{}
	c := newWithSender(Config{LogChatID: 99}, logx.Nop(), rec)

	if err := c.Deliver(context.Background(), tenant.Tenant{Key: "emma", TelegramChatID: 42}, "hej"); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := c.SendLog(context.Background(), "[WARN] x"); err != nil {
		t.Fatalf("send log: %v", err)
	}
	if len(rec.chats) != 2 || rec.chats[0] != 42 || rec.chats[1] != 99 {
		t.Fatalf("chats=%v", rec.chats)
	}

	err := c.Deliver(context.Background(), tenant.Tenant{Key: "bob"}, "hej")
	if !errors.Is(err, ErrNoChat) || !notifier.IsPermanent(err) {
		t.Fatalf("missing chat id should be permanent, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if err := classify(tele.ErrChatNotFound); !notifier.IsPermanent(err) {
		t.Fatalf("chat not found should be permanent")
	}
	if err := classify(errors.New("connection reset")); notifier.IsPermanent(err) {
		t.Fatalf("network errors are retried")
	}
}
