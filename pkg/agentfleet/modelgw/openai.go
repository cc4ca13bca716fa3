package modelgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
	"github.com/jholhewres/agentfleet/pkg/agentfleet/httpclient"
)

type provider struct {
	name   string
	cfg    config.ProviderConfig
	client *openai.Client
}

// Client is a Gateway over OpenAI-compatible providers.
type Client struct {
	providers map[string]*provider
	logger    *slog.Logger
}

// NewClient builds one go-openai client per configured provider.
func NewClient(providers map[string]config.ProviderConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		providers: make(map[string]*provider, len(providers)),
		logger:    logger.With("component", "modelgw"),
	}
	for name, p := range providers {
		ocfg := openai.DefaultConfig(p.APIKey)
		if p.BaseURL != "" {
			ocfg.BaseURL = strings.TrimRight(p.BaseURL, "/")
		}
		ocfg.HTTPClient = httpclient.New(p.Timeout)
		c.providers[name] = &provider{name: name, cfg: p, client: openai.NewClientWithConfig(ocfg)}
	}
	return c
}

// Providers returns the configured provider names, sorted.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FreeTier reports whether provider is marked as offering free models.
func (c *Client) FreeTier(name string) bool {
	p, ok := c.providers[name]
	return ok && p.cfg.FreeTier
}

// FallbackModels returns the provider's ordered alternates.
func (c *Client) FallbackModels(name string) []string {
	if p, ok := c.providers[name]; ok {
		return p.cfg.FallbackModels
	}
	return nil
}

// Complete sends one chat completion request.
func (c *Client) Complete(ctx context.Context, messages []Message, providerName, model string) (*Response, error) {
	p, ok := c.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		perr := toProviderError(providerName, model, err)
		c.logger.Warn("completion failed",
			"provider", providerName, "model", model, "status", perr.StatusCode,
			"class", perr.Class, "duration_ms", time.Since(start).Milliseconds())
		return nil, perr
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{Provider: providerName, Model: model, Class: ErrProviderRequestRejected, Cause: ErrEmptyResponse}
	}

	used := resp.Model
	if used == "" {
		used = model
	}
	c.logger.Debug("completion done",
		"provider", providerName, "model", used, "tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds())

	return &Response{
		Text:      resp.Choices[0].Message.Content,
		ModelUsed: used,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toProviderError(providerName, model string, err error) *ProviderError {
	perr := &ProviderError{Provider: providerName, Model: model, Cause: err}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		perr.StatusCode = apiErr.HTTPStatusCode
		perr.Message = apiErr.Message
		perr.Class = Classify(apiErr.HTTPStatusCode, apiErr.Message+" "+apiErr.Type)
	case errors.As(err, &reqErr):
		perr.StatusCode = reqErr.HTTPStatusCode
		perr.Message = string(reqErr.Body)
		perr.Class = Classify(reqErr.HTTPStatusCode, string(reqErr.Body))
	default:
		perr.Message = httpclient.Describe("The model provider", err)
		perr.Class = ErrProviderUnavailable
	}
	return perr
}

var (
	_ Gateway      = (*Client)(nil)
	_ ProviderInfo = (*Client)(nil)
)
