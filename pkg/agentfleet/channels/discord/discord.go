// Package discord runs one dedicated Discord bot per agent over the
// discordgo gateway connection.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

// maxMessageLength is Discord's limit for one message.
const maxMessageLength = 2000

// Discord is the dedicated bot of one agent. It implements channels.Channel.
type Discord struct {
	cfg     config.BotConfig
	logger  *slog.Logger
	session *discordgo.Session

	messages chan *channels.Inbound

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	mu sync.RWMutex
}

// New creates the bot. The gateway connection opens in Connect.
func New(cfg config.BotConfig, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord", "agent", cfg.AgentID),
		messages: make(chan *channels.Inbound, 256),
	}
}

// Name returns "discord/<agent id>".
func (d *Discord) Name() string { return channels.TypeDiscord + "/" + d.cfg.AgentID }

// Connect opens the Discord gateway WebSocket connection.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required for agent %s", d.cfg.AgentID)
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	d.connected.Store(true)

	if user := session.State.User; user != nil {
		d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected.Store(false)
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// Send delivers text to a Discord channel, split to the message limit.
func (d *Discord) Send(ctx context.Context, chatID, text string) error {
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()
	if session == nil {
		return channels.ErrChannelDisconnected
	}
	for _, chunk := range channels.SplitText(text, maxMessageLength) {
		if _, err := session.ChannelMessageSend(chatID, chunk, discordgo.WithContext(ctx)); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: send message: %w", err)
		}
	}
	return nil
}

// Receive returns the incoming message stream.
func (d *Discord) Receive() <-chan *channels.Inbound { return d.messages }

// IsConnected reports whether the gateway connection is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	in, ok := Normalize(d.cfg.AgentID, selfID, m)
	if !ok {
		return
	}
	in.Source = d.Name()
	d.lastMsg.Store(in.ReceivedAt)

	select {
	case d.messages <- in:
	default:
		d.logger.Warn("discord: message buffer full, dropping message", "msg_id", in.ID)
	}
}

// Normalize turns a Discord message into an Inbound for the agent's bot.
// Messages from bots, including this one, are ignored.
func Normalize(agentID, selfID string, m *discordgo.MessageCreate) (*channels.Inbound, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return nil, false
	}
	if m.Author.Bot || (selfID != "" && m.Author.ID == selfID) {
		return nil, false
	}
	text := strings.TrimSpace(m.Content)
	if text == "" {
		return nil, false
	}

	received := m.Timestamp
	if received.IsZero() {
		received = time.Now()
	}

	return &channels.Inbound{
		ID:          m.ID,
		ChannelType: channels.TypeDiscord,
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		ChatID:      m.ChannelID,
		Text:        text,
		AgentID:     agentID,
		ReceivedAt:  received.UTC(),
	}, true
}

var _ channels.Channel = (*Discord)(nil)
