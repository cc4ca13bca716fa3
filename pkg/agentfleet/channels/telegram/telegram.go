// Package telegram runs one dedicated Telegram bot per agent using
// go-telegram/bot. With a public URL the bot receives updates through the
// gateway webhook; without one it falls back to long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

// maxMessageLength is Telegram's limit for one text message.
const maxMessageLength = 4096

// WebhookPath returns the gateway path that receives updates for an agent's bot.
func WebhookPath(agentID string) string {
	return "/webhooks/telegram/" + agentID
}

// Telegram is the dedicated bot of one agent. It implements channels.Channel.
type Telegram struct {
	cfg        config.BotConfig
	webhookURL string
	logger     *slog.Logger
	bot        *bot.Bot

	messages chan *channels.Inbound

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	cancel context.CancelFunc
}

// New creates the bot client. publicURL is the gateway's externally
// reachable base URL; empty selects long polling.
func New(cfg config.BotConfig, publicURL string, logger *slog.Logger, opts ...bot.Option) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: bot token is required for agent %s", cfg.AgentID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram", "agent", cfg.AgentID),
		messages: make(chan *channels.Inbound, 256),
	}
	if publicURL != "" {
		t.webhookURL = strings.TrimRight(publicURL, "/") + WebhookPath(cfg.AgentID)
	}

	opts = append([]bot.Option{
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(func(ctx context.Context, _ *bot.Bot, update *models.Update) {
			t.Deliver(update)
		}),
	}, opts...)
	b, err := bot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: creating bot: %w", err)
	}
	t.bot = b
	return t, nil
}

// Name returns "telegram/<agent id>".
func (t *Telegram) Name() string { return channels.TypeTelegram + "/" + t.cfg.AgentID }

// AgentID returns the agent owning this bot.
func (t *Telegram) AgentID() string { return t.cfg.AgentID }

// Secret returns the expected X-Telegram-Bot-Api-Secret-Token value.
func (t *Telegram) Secret() string { return t.cfg.WebhookSecret }

// Connect verifies the token and either registers the webhook or starts
// long polling.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.connected.Load() {
		return nil
	}

	me, err := t.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}

	if t.webhookURL != "" {
		if _, err := t.bot.SetWebhook(ctx, &bot.SetWebhookParams{
			URL:         t.webhookURL,
			SecretToken: t.cfg.WebhookSecret,
		}); err != nil {
			return fmt.Errorf("telegram: registering webhook: %w", err)
		}
		t.logger.Info("telegram: webhook registered", "bot", me.Username, "url", t.webhookURL)
	} else {
		pollCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		if _, err := t.bot.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
			t.logger.Warn("telegram: could not clear webhook before polling", "error", err)
		}
		go t.bot.Start(pollCtx)
		t.logger.Info("telegram: long polling started", "bot", me.Username)
	}

	t.connected.Store(true)
	return nil
}

// Disconnect stops polling. A registered webhook stays in place so updates
// queue on Telegram's side until the next start.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.connected.Store(false)
	return nil
}

// Send delivers text to a chat, split to Telegram's message limit.
func (t *Telegram) Send(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	for _, chunk := range channels.SplitText(text, maxMessageLength) {
		if _, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: id, Text: chunk}); err != nil {
			t.errorCount.Add(1)
			return fmt.Errorf("telegram: send message: %w", err)
		}
	}
	return nil
}

// Receive returns the incoming message stream.
func (t *Telegram) Receive() <-chan *channels.Inbound { return t.messages }

// IsConnected reports whether Connect succeeded.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	mode := "polling"
	if t.webhookURL != "" {
		mode = "webhook"
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
		Details:       map[string]any{"mode": mode},
	}
}

// Deliver queues an update received from polling or from the gateway
// webhook. Updates without text are ignored. It reports whether the update
// was queued.
func (t *Telegram) Deliver(update *models.Update) bool {
	in, ok := Normalize(t.cfg.AgentID, update)
	if !ok {
		return false
	}
	in.Source = t.Name()
	t.lastMsg.Store(in.ReceivedAt)

	select {
	case t.messages <- in:
		return true
	default:
		t.logger.Warn("telegram: message buffer full, dropping update", "update_id", update.ID)
		return false
	}
}

// Normalize turns a Telegram update into an Inbound for the agent's bot.
func Normalize(agentID string, update *models.Update) (*channels.Inbound, bool) {
	if update == nil || update.Message == nil || update.Message.From == nil {
		return nil, false
	}
	msg := update.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, false
	}

	name := msg.From.Username
	if name == "" {
		name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}

	return &channels.Inbound{
		ID:          strconv.Itoa(msg.ID),
		ChannelType: channels.TypeTelegram,
		SenderID:    strconv.FormatInt(msg.From.ID, 10),
		SenderName:  name,
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		Text:        text,
		AgentID:     agentID,
		ReceivedAt:  time.Now().UTC(),
	}, true
}

var _ channels.Channel = (*Telegram)(nil)
