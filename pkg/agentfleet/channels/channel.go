// Package channels defines how messaging platforms deliver messages to
// AgentFleet. Each transport (web chat, Telegram, Discord) normalises its
// payloads into an Inbound and sends replies back through Send.
package channels

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Channel types known to the router.
const (
	TypeWeb      = "web"
	TypeTelegram = "telegram"
	TypeDiscord  = "discord"
)

// Inbound is a message normalised from any channel payload.
type Inbound struct {
	// ID is the message identifier in the source channel, if any.
	ID string

	// Source is the registered channel name replies go back through.
	// Empty for transports that answer synchronously (web chat).
	Source string

	// ChannelType is one of the Type* constants.
	ChannelType string

	SenderID   string
	SenderName string
	ChatID     string
	Text       string

	// AgentID is set when the transport is a dedicated bot owned by one agent.
	AgentID string

	ReceivedAt time.Time
}

// Channel is a connected transport that emits Inbound messages and delivers
// replies.
type Channel interface {
	// Name returns the unique registration name (e.g. "telegram/<agent id>").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers text to a chat.
	Send(ctx context.Context, chatID, text string) error

	// Receive returns a Go channel that emits incoming messages.
	Receive() <-chan *Inbound

	IsConnected() bool

	Health() HealthStatus
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrUnknownChannel      = errors.New("unknown channel")
)

// SplitText splits text into chunks no longer than maxLen bytes, preferring
// newline boundaries in the second half of a chunk.
func SplitText(text string, maxLen int) []string {
	if maxLen <= 0 || len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		for cutAt > 0 && !utf8Start(text[cutAt]) {
			cutAt--
		}
		if cutAt == 0 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

// utf8Start reports whether b can begin a UTF-8 sequence.
func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
