// Package gateway composes the routing, resilience and provider-invocation
// layers into the single call path every HTTP handler drives.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/runestone-gateway/runestone/internal/failover"
	"github.com/runestone-gateway/runestone/internal/metrics"
	"github.com/runestone-gateway/runestone/llm"
	"github.com/runestone-gateway/runestone/llm/circuitbreaker"
	"github.com/runestone-gateway/runestone/llm/retry"
	"go.uber.org/zap"
)

// Pipeline resolves a request to a provider via Router, then invokes that
// provider's driver through a per-provider circuit breaker and the shared
// retry policy, recording outcomes to Metrics. When the request's model
// family names a configured FailoverGroup, an exhausted provider hands off
// to the group's next healthy member instead of failing the request.
type Pipeline struct {
	Router    *llm.Router
	Providers *llm.ProviderRegistry
	Breakers  map[string]circuitbreaker.CircuitBreaker
	Retryer   retry.Retryer
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	// FailoverGroups maps a RouteRequest.ModelFamily to the ordered set of
	// alternate providers tried when the router's first pick is exhausted.
	// A family with no entry here is served by Router's single resolution.
	FailoverGroups map[string]*failover.Group
}

// breakerFor returns the breaker for provider, defaulting to an
// always-closed breaker for providers with no explicit configuration.
func (p *Pipeline) breakerFor(provider string) circuitbreaker.CircuitBreaker {
	if b, ok := p.Breakers[provider]; ok {
		return b
	}
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig(), p.Logger)
}

// Complete resolves req via Router and runs the non-streaming completion
// through breaker + retry, recording upstream metrics either way. If
// route.ModelFamily names a FailoverGroup, a failed attempt against the
// group's current member is retried against the next healthy member
// before the request is finally failed.
func (p *Pipeline) Complete(ctx context.Context, route llm.RouteRequest, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	group := p.FailoverGroups[route.ModelFamily]
	if group == nil {
		return p.completeOnce(ctx, route, req)
	}

	var resp *llm.ChatResponse
	callErr := group.Call(ctx, func(ctx context.Context, provider string) error {
		attempt := route
		attempt.Provider = provider
		r, err := p.completeOnce(ctx, attempt, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(result failover.Result) {
		outcome := "error"
		if result.OK {
			outcome = "success"
		}
		p.Metrics.RecordFailoverAttempt(route.ModelFamily, result.Provider, outcome)
	})
	if callErr != nil {
		return nil, callErr
	}
	return resp, nil
}

func (p *Pipeline) completeOnce(ctx context.Context, route llm.RouteRequest, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	resolved, err := p.Router.Route(route)
	if err != nil {
		return nil, err
	}
	req.Model = resolved.ResolvedModel

	provider, ok := p.Providers.Get(resolved.ProviderName)
	if !ok {
		return nil, fmt.Errorf("gateway: unknown provider %q", resolved.ProviderName)
	}

	breaker := p.breakerFor(resolved.ProviderName)
	start := time.Now()

	result, err := breaker.CallWithResult(ctx, func() (any, error) {
		return p.Retryer.DoWithResult(ctx, func() (any, error) {
			return provider.Completion(ctx, req)
		})
	})

	duration := time.Since(start)
	if err != nil {
		p.Metrics.RecordUpstreamRequest(resolved.ProviderName, resolved.ResolvedModel, "error", duration, 0, 0, 0)
		return nil, err
	}

	resp := result.(*llm.ChatResponse)
	resp.Provider = resolved.ProviderName
	cost, _ := p.Router.CostFor(resolved.ProviderName, resolved.ResolvedModel, resp.Usage.TotalTokens)
	p.Metrics.RecordUpstreamRequest(resolved.ProviderName, resolved.ResolvedModel, "success", duration,
		resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost)

	return resp, nil
}

// StreamResult carries the resolved provider alongside the driver's
// channel, so the HTTP layer can label metrics/relay events correctly.
// EstimatedCost is a tiktoken-based approximation of the prompt's cost,
// filled in because a streaming call reports no real usage until it ends.
type StreamResult struct {
	Provider      string
	Model         string
	Chunks        <-chan llm.StreamChunk
	EstimatedCost float64
}

// Stream resolves req via Router and opens the provider's streaming
// channel through the provider's breaker only: the Retryer is not used,
// not even for the initial connection attempt, and FailoverGroups are not
// consulted -- once bytes are flowing to the client there is no clean
// handoff point.
func (p *Pipeline) Stream(ctx context.Context, route llm.RouteRequest, req *llm.ChatRequest) (*StreamResult, error) {
	resolved, err := p.Router.Route(route)
	if err != nil {
		return nil, err
	}
	req.Model = resolved.ResolvedModel

	provider, ok := p.Providers.Get(resolved.ProviderName)
	if !ok {
		return nil, fmt.Errorf("gateway: unknown provider %q", resolved.ProviderName)
	}

	breaker := p.breakerFor(resolved.ProviderName)
	result, err := breaker.CallWithResult(ctx, func() (any, error) {
		return provider.Stream(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	_, estimatedCost, err := p.Router.EstimateCost(route, req.Messages)
	if err != nil {
		p.Logger.Debug("stream cost estimate unavailable", zap.String("provider", resolved.ProviderName), zap.Error(err))
	}

	return &StreamResult{
		Provider:      resolved.ProviderName,
		Model:         resolved.ResolvedModel,
		Chunks:        result.(<-chan llm.StreamChunk),
		EstimatedCost: estimatedCost,
	}, nil
}
