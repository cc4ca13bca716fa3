// Package gateway serves the AgentFleet HTTP surface: channel webhooks,
// the scheduler trigger and a small admin API.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-telegram/bot/models"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/scheduler"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// ErrChannelAuthFailed is returned when a webhook carries a wrong secret.
var ErrChannelAuthFailed = errors.New("channel authentication failed")

// InboundHandler processes a normalised message and returns the reply.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in *channels.Inbound) (string, error)
}

// PairingIssuer issues pairing codes for an agent.
type PairingIssuer interface {
	IssuePairingCode(ctx context.Context, agentID string) (*store.PairingCode, error)
}

// Ticker runs one scheduler pass.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (scheduler.Summary, error)
}

// HealthReporter reports the health of registered channels.
type HealthReporter interface {
	HealthAll() map[string]channels.HealthStatus
}

// StatusReporter reports database status.
type StatusReporter interface {
	Status(ctx context.Context) map[string]any
}

// WebhookBot is a dedicated Telegram bot fed by the webhook.
type WebhookBot interface {
	Secret() string
	Deliver(update *models.Update) bool
}

// Deps are the collaborators the gateway routes to. Nil members disable
// the routes that need them.
type Deps struct {
	Inbound   InboundHandler
	Pairing   PairingIssuer
	Scheduler Ticker
	Channels  HealthReporter
	Database  StatusReporter
}

// Gateway is the HTTP server.
type Gateway struct {
	cfg    config.GatewayConfig
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	botsMu sync.RWMutex
	bots   map[string]WebhookBot

	server    *http.Server
	startedAt time.Time
}

// New creates a Gateway.
func New(cfg config.GatewayConfig, deps Deps, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8085"
	}
	return &Gateway{
		cfg:       cfg,
		deps:      deps,
		logger:    logger.With("component", "gateway"),
		now:       time.Now,
		bots:      make(map[string]WebhookBot),
		startedAt: time.Now(),
	}
}

// RegisterTelegramBot makes the webhook of an agent's bot reachable.
func (g *Gateway) RegisterTelegramBot(agentID string, b WebhookBot) {
	g.botsMu.Lock()
	defer g.botsMu.Unlock()
	g.bots[agentID] = b
}

func (g *Gateway) telegramBot(agentID string) (WebhookBot, bool) {
	g.botsMu.RLock()
	defer g.botsMu.RUnlock()
	b, ok := g.bots[agentID]
	return b, ok
}

// Handler builds the route tree.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", g.handleHealth)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/web", g.handleWebWebhook)
		r.Post("/telegram/{agentID}", g.handleTelegramWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Post("/scheduler/tick", g.handleSchedulerTick)
		r.Post("/agents/{agentID}/pairing-codes", g.handleIssuePairingCode)
	})
	return r
}

// Start listens in the background until Stop.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Address)
	if err != nil {
		return err
	}
	g.startedAt = time.Now()
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	if g.cfg.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.cfg.Address)
		ip := net.ParseIP(host)
		if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
			g.logger.Warn("gateway has no auth token and is not bound to loopback; the admin API is open",
				"address", g.cfg.Address)
		}
	}
	if g.cfg.WebhookSecret == "" {
		g.logger.Warn("web webhook secret is not set; /webhooks/web accepts unauthenticated requests")
		if len(g.cfg.WebAgents) > 0 {
			g.logger.Warn("web_agents is ignored without a webhook secret; web senders must pair")
		}
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts the server down.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.server.Shutdown(ctx)
}
