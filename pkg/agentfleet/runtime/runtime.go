// Package runtime is the Agent Runtime: it composes the prompt for an agent,
// calls the Model Gateway through the fallback policy, and executes the
// command tags of the reply.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/channels"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/executor"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/httpclient"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/modelgw"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/router"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/store"
)

// DefaultPromptHistory is how many past messages go to the model.
const DefaultPromptHistory = 20

// Replies used when the model cannot answer.
const (
	GenericErrorReply = "Sorry, I can't answer right now. Please try again later or check the agent's model configuration."
	BusyReply         = "Sorry, my model is busy right now. Please try again in a moment."
)

// ErrNoModel is returned for agents without a provider or model.
var ErrNoModel = errors.New("agent has no model configured")

// Store is the persistence the runtime needs.
type Store interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	RecentMessages(ctx context.Context, bindingID string, limit int) ([]store.SessionMessage, error)
	AppendMessage(ctx context.Context, bindingID string, role store.Role, content string, meta map[string]any) (*store.SessionMessage, error)
	LogActivity(ctx context.Context, agentID, kind, message string, meta map[string]any) error
}

// Router resolves inbound messages to agents.
type Router interface {
	Route(ctx context.Context, in *channels.Inbound) (*router.Result, error)
}

// Executor runs the command tags of a reply.
type Executor interface {
	ExecuteSkills(ctx context.Context, agent *store.Agent, text string) (string, int)
	ExecuteTransactions(ctx context.Context, agentID, text string) (string, executor.Batch)
}

// Options configures the runtime.
type Options struct {
	PromptHistory int
	Prompt        PromptContext
}

// Runtime processes messages for agents.
type Runtime struct {
	store     Store
	router    Router
	gateway   modelgw.Gateway
	providers modelgw.ProviderInfo
	exec      Executor
	opts      Options
	logger    *slog.Logger
}

// New creates a Runtime. providers may be nil, in which case no fallback
// models are used.
func New(st Store, rt Router, gw modelgw.Gateway, providers modelgw.ProviderInfo, exec Executor, opts Options, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PromptHistory <= 0 {
		opts.PromptHistory = DefaultPromptHistory
	}
	if opts.Prompt.AccountingCurrency == "" {
		opts.Prompt.AccountingCurrency = "USD"
	}
	return &Runtime{
		store:     st,
		router:    rt,
		gateway:   gw,
		providers: providers,
		exec:      exec,
		opts:      opts,
		logger:    logger.With("component", "runtime"),
	}
}

// ProcessMessage runs one turn for an agent: prompt, model call, audit entry,
// skill commands and then transaction commands.
func (r *Runtime) ProcessMessage(ctx context.Context, agentID, userText string, history []modelgw.Message) (string, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.Provider == "" || agent.Model == "" {
		return "", fmt.Errorf("agent %s: %w", agent.ID, ErrNoModel)
	}

	if len(history) > r.opts.PromptHistory {
		history = history[len(history)-r.opts.PromptHistory:]
	}
	messages := make([]modelgw.Message, 0, len(history)+2)
	messages = append(messages, modelgw.Message{Role: modelgw.RoleSystem, Content: BuildSystemPrompt(agent, r.opts.Prompt)})
	messages = append(messages, history...)
	messages = append(messages, modelgw.Message{Role: modelgw.RoleUser, Content: userText})

	policy := NewFallbackPolicy(r.providers, agent.Provider, agent.Model)
	start := time.Now()
	resp, attempts, err := policy.Run(ctx, func(ctx context.Context, model string) (*modelgw.Response, error) {
		return r.gateway.Complete(ctx, messages, agent.Provider, model)
	})
	for _, a := range attempts {
		r.logger.Warn("model attempt failed", "agent", agent.ID, "provider", agent.Provider, "model", a.Model, "error", a.Err)
	}
	if err != nil {
		return "", err
	}

	meta := map[string]any{
		"provider":          agent.Provider,
		"model_used":        resp.ModelUsed,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
		"duration_ms":       time.Since(start).Milliseconds(),
	}
	msg := "Response from " + resp.ModelUsed
	if resp.ModelUsed != agent.Model {
		meta["requested_model"] = agent.Model
		msg += " (requested " + agent.Model + ")"
	}
	_ = r.store.LogActivity(ctx, agent.ID, store.ActivityModelResponse, msg, meta)

	reply, skills := r.exec.ExecuteSkills(ctx, agent, resp.Text)
	reply, batch := r.exec.ExecuteTransactions(ctx, agent.ID, reply)
	r.logger.Info("message processed",
		"agent", agent.ID, "model", resp.ModelUsed,
		"skill_commands", skills,
		"transactions_detected", batch.Detected(), "transactions_succeeded", batch.Succeeded())
	return reply, nil
}

// HandleInbound routes a channel message and, when it reaches an agent,
// processes it with the binding's history and stores both turns.
func (r *Runtime) HandleInbound(ctx context.Context, in *channels.Inbound) (string, error) {
	res, err := r.router.Route(ctx, in)
	if err != nil {
		return "", err
	}
	if !res.Forward() {
		return res.Reply, nil
	}

	past, err := r.store.RecentMessages(ctx, res.Binding.ID, r.opts.PromptHistory)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	history := make([]modelgw.Message, 0, len(past))
	for _, m := range past {
		history = append(history, modelgw.Message{Role: string(m.Role), Content: m.Content})
	}

	reply, err := r.ProcessMessage(ctx, res.Agent.ID, in.Text, history)
	if err != nil {
		if fallback, ok := r.modelFailureReply(err); ok {
			r.logger.Error("model call failed", "agent", res.Agent.ID, "channel", in.ChannelType, "error", err)
			return fallback, nil
		}
		return "", err
	}

	if _, err := r.store.AppendMessage(ctx, res.Binding.ID, store.RoleUser, in.Text, map[string]any{
		"channel":   in.ChannelType,
		"sender_id": in.SenderID,
	}); err != nil {
		return "", err
	}
	if _, err := r.store.AppendMessage(ctx, res.Binding.ID, store.RoleAssistant, reply, nil); err != nil {
		return "", err
	}
	return reply, nil
}

// modelFailureReply maps model errors to a user-facing reply. Transport
// failures (timeout, refused connection, DNS) get a reply naming the cause.
func (r *Runtime) modelFailureReply(err error) (string, bool) {
	switch {
	case errors.Is(err, modelgw.ErrProviderUnavailable) && httpclient.Classify(err) != httpclient.FailureOther:
		var perr *modelgw.ProviderError
		if errors.As(err, &perr) && perr.Message != "" {
			return perr.Message, true
		}
		return httpclient.Describe("The model provider", err), true
	case errors.Is(err, modelgw.ErrProviderUnauthorized),
		errors.Is(err, modelgw.ErrUnknownProvider),
		errors.Is(err, ErrNoModel):
		return GenericErrorReply, true
	case errors.Is(err, modelgw.ErrProviderRateLimited),
		errors.Is(err, modelgw.ErrProviderRequestRejected),
		errors.Is(err, modelgw.ErrProviderUnavailable),
		errors.Is(err, modelgw.ErrEmptyResponse):
		return BusyReply, true
	}
	return "", false
}

// RunJob processes a scheduled instruction with no history. Nothing is sent
// to any channel.
func (r *Runtime) RunJob(ctx context.Context, job *store.CronJobDef) (string, error) {
	label := job.Label
	if label == "" {
		label = job.ID
	}
	text := fmt.Sprintf("[Scheduled task %q] %s", label, job.Instruction)
	return r.ProcessMessage(ctx, job.AgentID, text, nil)
}
