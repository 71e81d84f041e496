// Package telegram sends scheduler output to Telegram chats. It implements
// notifier.Channel for tenant deliveries and logx.ChatSender for the
// operator log chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"famsched/internal/notifier"
	"famsched/internal/tenant"
	"famsched/pkg/logx"
)

const ChannelName = "telegram"

// Telegram rejects messages above 4096 characters; stay below it.
const textLimit = 4000

var ErrNoChat = errors.New("telegram: tenant has no chat id")

type Config struct {
	Token     string
	LogChatID int64
	ParseMode string
	// Offline skips the getMe call at startup. Tests use it.
	Offline bool
	URL     string
}

// sender is the part of *tele.Bot this package uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Client struct {
	cfg Config
	log logx.Logger
	bot sender
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	return newWithSender(cfg, log, b), nil
}

func newWithSender(cfg Config, log logx.Logger, s sender) *Client {
	return &Client{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: s}
}

func (c *Client) Name() string { return ChannelName }

// Deliver sends text to the tenant's chat.
func (c *Client) Deliver(ctx context.Context, to tenant.Tenant, text string) error {
	if to.TelegramChatID == 0 {
		return notifier.Permanent(fmt.Errorf("%w: %s", ErrNoChat, to.Key))
	}
	return c.send(ctx, to.TelegramChatID, text, c.cfg.ParseMode)
}

// SendLog posts one operator log line. Plain text, so log content is never
// parsed as markup.
func (c *Client) SendLog(ctx context.Context, text string) error {
	if c.cfg.LogChatID == 0 {
		return nil
	}
	return c.send(ctx, c.cfg.LogChatID, text, "")
}

func (c *Client) send(ctx context.Context, chatID int64, text, parseMode string) error {
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		// telebot has no context support; check between chunks.
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := c.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(parseMode),
			DisableWebPagePreview: true,
		})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// classify maps telebot errors onto the notifier retry policy.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return notifier.RetryAfter(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	switch {
	case errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUnauthorized):
		return notifier.Permanent(err)
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}
