package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/stellarlinkco/citypulse/internal/config"
	"github.com/stellarlinkco/citypulse/internal/dashboard"
	"github.com/stellarlinkco/citypulse/internal/logging"
	"github.com/stellarlinkco/citypulse/internal/neighborhood"
	"github.com/stellarlinkco/citypulse/internal/relay"
)

// Bot is the part of the Telegram bot API the sink uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// BotFactory creates Bot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return bot, nil
}

// TelegramSink posts urgent, unresolved packets to a chat when they are
// created or updated. A packet is announced again only when its urgency,
// status or impact changed since the last event seen for its id.
type TelegramSink struct {
	bot    Bot
	chatID int64
	log    *logrus.Entry

	mu   sync.Mutex
	seen map[string]string
}

func NewTelegramSink(cfg config.TelegramConfig) (*TelegramSink, error) {
	return NewTelegramSinkWithFactory(cfg, defaultBotFactory)
}

// NewTelegramSinkWithFactory creates a TelegramSink with custom bot factory (for testing)
func NewTelegramSinkWithFactory(cfg config.TelegramConfig, factory BotFactory) (*TelegramSink, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}

	client := http.DefaultClient
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := factory(cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramSink{
		bot:    bot,
		chatID: cfg.ChatID,
		log:    logging.For("telegram"),
		seen:   make(map[string]string),
	}, nil
}

func (t *TelegramSink) Name() string { return "telegram" }

func (t *TelegramSink) Publish(_ context.Context, ev relay.Event) error {
	prev, ok := t.claim(ev)
	if !ok || !ShouldAlert(ev) {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatAlert(ev))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		t.release(ev.Packet.ID, alertKey(ev.Packet), prev)
		return fmt.Errorf("send telegram message: %w", err)
	}
	t.log.WithField("relay", ev.Packet.ID).Info("alert sent")
	return nil
}

func alertKey(p relay.Packet) string {
	return fmt.Sprintf("%s|%s|%.2f", p.Urgency, p.Status, p.ImpactScore)
}

// claim records the packet state carried by ev and reports whether it
// differs from the last one seen for that id. Deletions forget the id so a
// later re-create alerts again. Sinks run concurrently, so the check and the
// record happen under one lock.
func (t *TelegramSink) claim(ev relay.Event) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := ev.Packet.ID
	switch ev.Type {
	case relay.EventDeleted:
		delete(t.seen, id)
		return "", false
	case relay.EventCreated, relay.EventUpdated:
		prev := t.seen[id]
		key := alertKey(ev.Packet)
		if prev == key {
			return prev, false
		}
		t.seen[id] = key
		return prev, true
	default:
		return "", false
	}
}

// release undoes a claim after a failed send so the next event retries,
// unless a newer state was recorded in the meantime.
func (t *TelegramSink) release(id, key, prev string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[id] != key {
		return
	}
	if prev == "" {
		delete(t.seen, id)
	} else {
		t.seen[id] = prev
	}
}

// ShouldAlert reports whether ev announces an urgent, unresolved packet.
func ShouldAlert(ev relay.Event) bool {
	if ev.Type != relay.EventCreated && ev.Type != relay.EventUpdated {
		return false
	}
	return ev.Packet.Urgency == relay.UrgencyUrgent && ev.Packet.Active()
}

// FormatAlert renders a packet as Telegram HTML.
func FormatAlert(ev relay.Event) string {
	p := ev.Packet
	verb := "New"
	if ev.Type == relay.EventUpdated {
		verb = "Updated"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "<b>%s urgent relay: %s</b>\n", verb, html.EscapeString(dashboard.Headline(p.Category)))
	fmt.Fprintf(&sb, "%s · impact %.2f · %s\n", html.EscapeString(neighborhood.Name(p.Origin)), p.ImpactScore, html.EscapeString(string(p.Status)))
	if len(p.Targets) > 0 {
		names := make([]string, len(p.Targets))
		for i, id := range p.Targets {
			names[i] = neighborhood.Name(id)
		}
		fmt.Fprintf(&sb, "Targets: %s\n", html.EscapeString(strings.Join(names, ", ")))
	}
	if p.Window != "" {
		fmt.Fprintf(&sb, "Window: %s\n", html.EscapeString(p.Window))
	}
	if detail := dashboard.Detail(p); detail != "" {
		fmt.Fprintf(&sb, "%s\n", html.EscapeString(detail))
	}
	fmt.Fprintf(&sb, "<code>%s</code>", html.EscapeString(p.ID))
	return sb.String()
}
