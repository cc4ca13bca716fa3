package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/jholhewres/agentfleet/pkg/agentfleet/modelgw"
)

// FallbackPolicy is the ordered list of models to try and the rule deciding
// whether an error moves on to the next candidate.
type FallbackPolicy struct {
	Candidates []string
	Retryable  func(error) bool
}

// NewFallbackPolicy builds the policy for an agent's provider and model.
// Free-tier providers try the primary model and then their fallback list;
// every other provider gets exactly one attempt.
func NewFallbackPolicy(info modelgw.ProviderInfo, provider, model string) FallbackPolicy {
	p := FallbackPolicy{Candidates: []string{model}, Retryable: modelgw.IsRetryable}
	if info == nil || !info.FreeTier(provider) {
		return p
	}
	seen := map[string]bool{model: true}
	for _, m := range info.FallbackModels(provider) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		p.Candidates = append(p.Candidates, m)
	}
	return p
}

// Attempt records one failed candidate.
type Attempt struct {
	Model string
	Err   error
}

// Run calls complete for each candidate until one succeeds, a non-retryable
// error occurs, or the candidates are exhausted. The returned attempts are
// the failed calls, in order.
func (p FallbackPolicy) Run(ctx context.Context, complete func(ctx context.Context, model string) (*modelgw.Response, error)) (*modelgw.Response, []Attempt, error) {
	if len(p.Candidates) == 0 {
		return nil, nil, errors.New("no model candidates")
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = modelgw.IsRetryable
	}

	var attempts []Attempt
	for _, model := range p.Candidates {
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}
		resp, err := complete(ctx, model)
		if err == nil {
			return resp, attempts, nil
		}
		attempts = append(attempts, Attempt{Model: model, Err: err})
		if !retryable(err) {
			return nil, attempts, err
		}
	}
	last := attempts[len(attempts)-1].Err
	if len(attempts) == 1 {
		return nil, attempts, last
	}
	return nil, attempts, fmt.Errorf("all %d models failed: %w", len(attempts), last)
}
