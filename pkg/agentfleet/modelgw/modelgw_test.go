package modelgw

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/config"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{429, "", ErrProviderRateLimited},
		{400, "bad", ErrProviderRequestRejected},
		{404, "model not found", ErrProviderRequestRejected},
		{413, "", ErrProviderRequestRejected},
		{422, "", ErrProviderRequestRejected},
		{401, "", ErrProviderUnauthorized},
		{402, "", ErrProviderUnauthorized},
		{403, "", ErrProviderUnauthorized},
		{500, "rate limit exceeded upstream", ErrProviderRateLimited},
		{503, "", ErrProviderUnavailable},
	}
	for _, tt := range tests {
		if got := Classify(tt.status, tt.body); got != tt.want {
			t.Errorf("Classify(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
		}
	}
}

func TestProviderErrorMatching(t *testing.T) {
	cause := errors.New("http 429")
	err := error(&ProviderError{Provider: "openrouter", Model: "m", StatusCode: 429, Class: ErrProviderRateLimited, Cause: cause})
	if !errors.Is(err, ErrProviderRateLimited) || !errors.Is(err, cause) {
		t.Error("ProviderError should match its class and cause")
	}
	if !IsRetryable(err) {
		t.Error("rate limited should be retryable")
	}
	if IsRetryable(&ProviderError{Class: ErrProviderUnauthorized}) {
		t.Error("unauthorized must not be retryable")
	}
}

func newServer(t *testing.T, handler func(model string) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		status, body := handler(req.Model)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCompleteSuccess(t *testing.T) {
	srv := newServer(t, func(model string) (int, any) {
		return http.StatusOK, map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  model + "-2024",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": "hello!"}, "finish_reason": "stop"},
			},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7},
		}
	})

	c := NewClient(map[string]config.ProviderConfig{
		"local": {BaseURL: srv.URL, APIKey: "k", Timeout: time.Second},
	}, nil)
	resp, err := c.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "be nice"},
		{Role: RoleUser, Content: "hi"},
	}, "local", "gpt-test")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hello!" || resp.ModelUsed != "gpt-test-2024" || resp.Usage.TotalTokens != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCompleteErrors(t *testing.T) {
	srv := newServer(t, func(model string) (int, any) {
		switch model {
		case "limited":
			return http.StatusTooManyRequests, map[string]any{"error": map[string]any{"message": "slow down", "type": "rate_limit"}}
		case "denied":
			return http.StatusUnauthorized, map[string]any{"error": map[string]any{"message": "bad key", "type": "auth"}}
		default:
			return http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "unknown model", "type": "invalid_request_error"}}
		}
	})
	c := NewClient(map[string]config.ProviderConfig{"p": {BaseURL: srv.URL, Timeout: time.Second}}, nil)
	ctx := context.Background()
	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	for model, want := range map[string]error{
		"limited": ErrProviderRateLimited,
		"denied":  ErrProviderUnauthorized,
		"other":   ErrProviderRequestRejected,
	} {
		_, err := c.Complete(ctx, msgs, "p", model)
		if !errors.Is(err, want) {
			t.Errorf("%s: err = %v, want %v", model, err, want)
		}
		var perr *ProviderError
		if !errors.As(err, &perr) || perr.Model != model {
			t.Errorf("%s: err = %#v", model, err)
		}
	}

	if _, err := c.Complete(ctx, msgs, "missing", "m"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("err = %v, want ErrUnknownProvider", err)
	}
}

func TestProviderInfo(t *testing.T) {
	c := NewClient(config.DefaultConfig().Providers, nil)
	if !c.FreeTier("openrouter") || c.FreeTier("openai") || c.FreeTier("nope") {
		t.Error("free tier flags are wrong")
	}
	if len(c.FallbackModels("openrouter")) != 3 {
		t.Errorf("fallbacks = %v", c.FallbackModels("openrouter"))
	}
	if got := c.Providers(); len(got) != 2 || got[0] != "openai" {
		t.Errorf("providers = %v", got)
	}
}
