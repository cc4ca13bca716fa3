// Package router resolves every inbound channel message to exactly one agent
// session. It owns pairing codes and the /pair, /unpair and /disconnect
// commands.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// ErrPairingCodeInvalidOrExpired is returned when a code is unknown or past
// its expiry.
var ErrPairingCodeInvalidOrExpired = errors.New("pairing code invalid or expired")

// InstructionsReply is sent to senders with no binding and no code.
const InstructionsReply = "Hi! This channel is not connected to an agent yet. " +
	"Ask the agent owner for a pairing code and send it here to start chatting."

// Store is the persistence the router needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	ActiveBinding(ctx context.Context, channelType, senderID string) (*store.ChannelBinding, error)
	ActivateBinding(ctx context.Context, req store.BindingRequest) (*store.ChannelBinding, error)
	TouchBinding(ctx context.Context, id string, at time.Time) error
	DeactivateBindings(ctx context.Context, channelType, senderID string) (int64, error)
	CreatePairingCode(ctx context.Context, code, agentID string, ttl time.Duration) (*store.PairingCode, error)
	GetPairingCode(ctx context.Context, code string) (*store.PairingCode, error)
	IncrementPairingUse(ctx context.Context, code string) error
	DeleteExpiredPairingCodes(ctx context.Context, now time.Time) (int64, error)
	LogActivity(ctx context.Context, agentID, kind, message string, meta map[string]any) error
}

// Result is the outcome of routing one message. When Reply is set the
// message was answered by the router itself and must not reach the model.
type Result struct {
	Agent   *store.Agent
	Binding *store.ChannelBinding
	Reply   string
}

// Forward reports whether the message should be processed by the agent.
func (r *Result) Forward() bool {
	return r.Reply == "" && r.Agent != nil && r.Binding != nil
}

// Router maps inbound messages to agents.
type Router struct {
	store   Store
	logger  *slog.Logger
	codeTTL time.Duration
	now     func() time.Time
}

// New creates a Router.
func New(st Store, cfg config.PairingConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.CodeTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Router{
		store:   st,
		logger:  logger.With("component", "router"),
		codeTTL: ttl,
		now:     time.Now,
	}
}

// Route resolves in to an agent. Resolution order: dedicated bot, existing
// active binding, pairing code in the text, unknown sender.
func (r *Router) Route(ctx context.Context, in *channels.Inbound) (*Result, error) {
	if in.AgentID != "" {
		return r.routeDedicated(ctx, in)
	}

	unavailable := ""
	binding, err := r.store.ActiveBinding(ctx, in.ChannelType, in.SenderID)
	switch {
	case err == nil:
		agent, err := r.store.GetAgent(ctx, binding.AgentID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if agent != nil && agent.IsActive() {
			if err := r.store.TouchBinding(ctx, binding.ID, r.now()); err != nil {
				return nil, err
			}
			return r.handleBound(ctx, in, agent, binding)
		}
		unavailable = "your agent"
		if agent != nil {
			unavailable = agent.Name
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	if code, ok := ExtractCode(in.Text); ok {
		return r.pair(ctx, in, code)
	}
	if unavailable != "" {
		return &Result{Reply: unavailableReply(unavailable)}, nil
	}
	return &Result{Reply: InstructionsReply}, nil
}

func (r *Router) routeDedicated(ctx context.Context, in *channels.Inbound) (*Result, error) {
	agent, err := r.store.GetAgent(ctx, in.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Result{Reply: unavailableReply("this agent")}, nil
		}
		return nil, err
	}
	if !agent.IsActive() {
		return &Result{Reply: unavailableReply(agent.Name)}, nil
	}

	binding, err := r.store.ActiveBinding(ctx, in.ChannelType, in.SenderID)
	if err == nil && binding.AgentID == agent.ID {
		if err := r.store.TouchBinding(ctx, binding.ID, r.now()); err != nil {
			return nil, err
		}
		return &Result{Agent: agent, Binding: binding}, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	binding, err = r.store.ActivateBinding(ctx, store.BindingRequest{
		AgentID:     agent.ID,
		ChannelType: in.ChannelType,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		ChatID:      in.ChatID,
		Kind:        store.BindingDedicatedBot,
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("dedicated bot binding created",
		"agent", agent.ID, "channel", in.ChannelType, "sender", in.SenderID, "binding", binding.ID)
	return &Result{Agent: agent, Binding: binding}, nil
}

// handleBound processes commands from a sender with an active binding.
func (r *Router) handleBound(ctx context.Context, in *channels.Inbound, agent *store.Agent, binding *store.ChannelBinding) (*Result, error) {
	cmd, arg := parseCommand(in.Text)
	switch cmd {
	case "/pair":
		if arg == "" {
			return &Result{Reply: "Usage: /pair <code>"}, nil
		}
		return r.pair(ctx, in, strings.ToUpper(arg))

	case "/unpair", "/disconnect":
		n, err := r.store.DeactivateBindings(ctx, in.ChannelType, in.SenderID)
		if err != nil {
			return nil, err
		}
		_ = r.store.LogActivity(ctx, agent.ID, store.ActivityUnpair,
			fmt.Sprintf("%s disconnected", senderLabel(in)),
			map[string]any{"sender_id": in.SenderID, "channel": in.ChannelType, "binding_id": binding.ID, "deactivated": n})
		return &Result{Reply: fmt.Sprintf(
			"You are now disconnected from %s. Send a pairing code to connect to an agent again.", agent.Name)}, nil
	}

	return &Result{Agent: agent, Binding: binding}, nil
}

// pair validates code and makes it the sender's active binding.
func (r *Router) pair(ctx context.Context, in *channels.Inbound, code string) (*Result, error) {
	p, err := r.ValidateCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrPairingCodeInvalidOrExpired) {
			return &Result{Reply: r.invalidCodeReply(code)}, nil
		}
		return nil, err
	}

	agent, err := r.store.GetAgent(ctx, p.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Result{Reply: r.invalidCodeReply(code)}, nil
		}
		return nil, err
	}
	if !agent.IsActive() {
		return &Result{Reply: unavailableReply(agent.Name)}, nil
	}

	previous, err := r.store.ActiveBinding(ctx, in.ChannelType, in.SenderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	already := previous != nil && previous.AgentID == agent.ID

	binding, err := r.store.ActivateBinding(ctx, store.BindingRequest{
		AgentID:     agent.ID,
		ChannelType: in.ChannelType,
		SenderID:    in.SenderID,
		SenderName:  in.SenderName,
		ChatID:      in.ChatID,
		Kind:        store.BindingPairing,
		PairingCode: p.Code,
	})
	if err != nil {
		return nil, err
	}
	if already {
		return &Result{Agent: agent, Binding: binding,
			Reply: fmt.Sprintf("You are already connected to %s.", agent.Name)}, nil
	}

	if err := r.store.IncrementPairingUse(ctx, p.Code); err != nil {
		r.logger.Warn("failed to count pairing use", "code", p.Code, "error", err)
	}
	_ = r.store.LogActivity(ctx, agent.ID, store.ActivityPairing,
		fmt.Sprintf("%s paired on %s", senderLabel(in), in.ChannelType),
		map[string]any{
			"sender_id":   in.SenderID,
			"sender_name": in.SenderName,
			"channel":     in.ChannelType,
			"code":        p.Code,
			"binding_id":  binding.ID,
		})
	r.logger.Info("sender paired",
		"agent", agent.ID, "channel", in.ChannelType, "sender", in.SenderID, "binding", binding.ID)

	return &Result{Agent: agent, Binding: binding, Reply: fmt.Sprintf(
		"Welcome! You are now connected to %s. Just write to start chatting, or send /unpair to disconnect.",
		agent.Name)}, nil
}

// ValidateCode returns the pairing code when it exists and has not expired.
func (r *Router) ValidateCode(ctx context.Context, code string) (*store.PairingCode, error) {
	if !IsCode(code) {
		return nil, fmt.Errorf("%q: %w", code, ErrPairingCodeInvalidOrExpired)
	}
	p, err := r.store.GetPairingCode(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%q: %w", code, ErrPairingCodeInvalidOrExpired)
		}
		return nil, err
	}
	if p.Expired(r.now()) {
		return nil, fmt.Errorf("%q expired at %s: %w", code, p.ExpiresAt.Format(time.RFC3339), ErrPairingCodeInvalidOrExpired)
	}
	return p, nil
}

// IssuePairingCode creates a fresh code for an agent and clears expired ones.
func (r *Router) IssuePairingCode(ctx context.Context, agentID string) (*store.PairingCode, error) {
	if _, err := r.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	if n, err := r.store.DeleteExpiredPairingCodes(ctx, r.now()); err == nil && n > 0 {
		r.logger.Debug("expired pairing codes removed", "count", n)
	}

	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, fmt.Errorf("generate pairing code: %w", err)
		}
		p, err := r.store.CreatePairingCode(ctx, code, agentID, r.codeTTL)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// CodeTTL returns how long issued codes stay valid.
func (r *Router) CodeTTL() time.Duration { return r.codeTTL }

func (r *Router) invalidCodeReply(code string) string {
	return fmt.Sprintf("The pairing code %s is invalid or has expired. "+
		"Codes are valid for %s after they are issued; ask the agent owner for a new one.",
		code, formatTTL(r.codeTTL))
}

func unavailableReply(name string) string {
	return fmt.Sprintf("Sorry, %s is not available right now. Send a pairing code to connect to another agent.", name)
}

// parseCommand splits "/pair@bot CODE" into ("/pair", "CODE"). Text that is
// not a slash command returns an empty command.
func parseCommand(text string) (string, string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", ""
	}
	cmd := strings.ToLower(fields[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	return cmd, arg
}

func senderLabel(in *channels.Inbound) string {
	if in.SenderName != "" {
		return in.SenderName
	}
	return in.SenderID
}

func formatTTL(d time.Duration) string {
	if d%time.Minute == 0 {
		m := int(d / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	}
	return d.String()
}
