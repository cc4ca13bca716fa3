package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-telegram/bot/models"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

const (
	headerWebhookSecret  = "X-Webhook-Secret"
	headerTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"

	maxBodyBytes = 1 << 20
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// webMessage is the body of POST /webhooks/web.
type webMessage struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	ChatID     string `json:"chat_id"`
	Text       string `json:"text"`
	AgentID    string `json:"agent_id,omitempty"`
}

type webReply struct {
	Reply string `json:"reply"`
}

// handleWebWebhook answers a web chat message synchronously.
func (g *Gateway) handleWebWebhook(w http.ResponseWriter, r *http.Request) {
	if err := checkSecret(g.cfg.WebhookSecret, r.Header.Get(headerWebhookSecret)); err != nil {
		g.logger.Warn("web webhook rejected", "remote", r.RemoteAddr, "error", err)
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if g.deps.Inbound == nil {
		writeError(w, "message handling is not configured", http.StatusServiceUnavailable)
		return
	}

	var msg webMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		writeError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	msg.SenderID = strings.TrimSpace(msg.SenderID)
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.SenderID == "" || msg.Text == "" {
		writeError(w, "sender_id and text are required", http.StatusBadRequest)
		return
	}
	if msg.ChatID == "" {
		msg.ChatID = msg.SenderID
	}
	if msg.AgentID != "" && !g.webAgentAllowed(msg.AgentID) {
		g.logger.Warn("web webhook agent_id rejected", "sender", msg.SenderID, "agent", msg.AgentID)
		writeError(w, "agent_id is not allowed on this webhook", http.StatusForbidden)
		return
	}

	in := &channels.Inbound{
		ID:          middleware.GetReqID(r.Context()),
		ChannelType: channels.TypeWeb,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		ChatID:      msg.ChatID,
		Text:        msg.Text,
		AgentID:     msg.AgentID,
		ReceivedAt:  g.now().UTC(),
	}
	reply, err := g.deps.Inbound.HandleInbound(r.Context(), in)
	if err != nil {
		g.logger.Error("web message failed", "sender", in.SenderID, "error", err)
		writeError(w, "failed to process message", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, webReply{Reply: reply})
}

// webAgentAllowed reports whether a web chat may address agentID directly.
// That needs both the webhook secret and an entry in web_agents.
func (g *Gateway) webAgentAllowed(agentID string) bool {
	return g.cfg.WebhookSecret != "" && slices.Contains(g.cfg.WebAgents, agentID)
}

// handleTelegramWebhook hands an update to the agent's bot. The reply is
// sent asynchronously by the bot once the runtime answers.
func (g *Gateway) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	b, ok := g.telegramBot(agentID)
	if !ok {
		writeError(w, "unknown bot", http.StatusNotFound)
		return
	}
	if err := checkSecret(b.Secret(), r.Header.Get(headerTelegramSecret)); err != nil {
		g.logger.Warn("telegram webhook rejected", "agent", agentID, "remote", r.RemoteAddr, "error", err)
		writeError(w, err.Error(), http.StatusUnauthorized)
		return
	}

	var update models.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&update); err != nil {
		writeError(w, "invalid update", http.StatusBadRequest)
		return
	}
	// Telegram retries on non-2xx, so ignored updates still get 200.
	if !b.Deliver(&update) {
		g.logger.Debug("telegram update ignored", "agent", agentID, "update_id", update.ID)
	}
	w.WriteHeader(http.StatusOK)
}

// handleSchedulerTick runs one scheduler pass for the current minute.
func (g *Gateway) handleSchedulerTick(w http.ResponseWriter, r *http.Request) {
	if g.deps.Scheduler == nil {
		writeError(w, "scheduler is not configured", http.StatusServiceUnavailable)
		return
	}
	sum, err := g.deps.Scheduler.Tick(r.Context(), g.now())
	if err != nil {
		g.logger.Error("scheduler tick failed", "error", err)
		writeError(w, "scheduler tick failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type pairingCodeResponse struct {
	Code      string    `json:"code"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleIssuePairingCode issues a code for POST /api/agents/{agentID}/pairing-codes.
func (g *Gateway) handleIssuePairingCode(w http.ResponseWriter, r *http.Request) {
	if g.deps.Pairing == nil {
		writeError(w, "pairing is not configured", http.StatusServiceUnavailable)
		return
	}
	agentID := chi.URLParam(r, "agentID")
	p, err := g.deps.Pairing.IssuePairingCode(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "agent not found", http.StatusNotFound)
			return
		}
		g.logger.Error("issue pairing code failed", "agent", agentID, "error", err)
		writeError(w, "failed to issue pairing code", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, pairingCodeResponse{Code: p.Code, AgentID: p.AgentID, ExpiresAt: p.ExpiresAt})
}

type channelHealth struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at,omitzero"`
	ErrorCount    int       `json:"error_count"`
}

// handleHealth is always public.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	status := "ok"
	resp := map[string]any{"uptime": uptime}

	if g.deps.Database != nil {
		db := g.deps.Database.Status(r.Context())
		if healthy, _ := db["healthy"].(bool); !healthy {
			status = "degraded"
		}
		resp["database"] = db
	}
	if g.deps.Channels != nil {
		chs := make(map[string]channelHealth)
		for name, h := range g.deps.Channels.HealthAll() {
			chs[name] = channelHealth{Connected: h.Connected, LastMessageAt: h.LastMessageAt, ErrorCount: h.ErrorCount}
		}
		resp["channels"] = chs
	}
	resp["status"] = status
	writeJSON(w, http.StatusOK, resp)
}
