package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// RouterPolicy selects how Router resolves a request to a provider.
type RouterPolicy string

const (
	// PolicyDefault honors an explicit provider override when healthy,
	// else maps the requested model to its owning provider via the cost
	// table, else falls back to the process-wide default provider.
	PolicyDefault RouterPolicy = "default"
	// PolicyCost picks the minimum-cost cost table entry whose
	// capabilities and model family satisfy the request.
	PolicyCost RouterPolicy = "cost"
)

// ErrNoProviderSatisfies is returned when no provider/model pairing meets
// the request's constraints.
var ErrNoProviderSatisfies = errors.New("llm: no provider satisfies request")

// ErrUnsupportedModel is the estimate_cost capability's "unsupported_model"
// outcome: the resolved cost table entry carries no usable per-token rate.
var ErrUnsupportedModel = errors.New("llm: model has no cost estimate")

// Capability names a feature a provider/model can serve.
type Capability string

const (
	CapabilityChat            Capability = "chat"
	CapabilityStreaming       Capability = "streaming"
	CapabilityFunctionCalling Capability = "function_calling"
	CapabilityVision          Capability = "vision"
	CapabilityEmbeddings      Capability = "embeddings"
)

// CostTableEntry is one immutable (provider, model) routing candidate.
type CostTableEntry struct {
	Provider        string
	Model           string
	ModelFamily     string
	CostPer1kTokens float64
	Capabilities    map[Capability]bool
}

func (e CostTableEntry) satisfies(capabilities []Capability, modelFamily string, maxCostPerToken float64) bool {
	for _, c := range capabilities {
		if !e.Capabilities[c] {
			return false
		}
	}
	if modelFamily != "" && e.ModelFamily != modelFamily {
		return false
	}
	if maxCostPerToken > 0 && e.CostPer1kTokens > maxCostPerToken {
		return false
	}
	return true
}

// RouteRequest carries the inputs the spec's Router / Policy component
// consumes: an optional explicit provider override, an optional model
// name, and the cost/capability constraints the cost policy applies.
type RouteRequest struct {
	Provider        string // explicit override, honored by PolicyDefault when healthy
	Model           string
	ModelFamily     string
	Capabilities    []Capability
	MaxCostPerToken float64
	TenantID        string
}

// RouteResult is the resolved provider selection.
type RouteResult struct {
	ProviderName  string
	ResolvedModel string
}

// ProviderHealth reports whether a provider may currently be routed to.
// Callers (the circuit breaker, failover health tracking) implement this.
type ProviderHealth interface {
	IsHealthy(providerName string) bool
}

type alwaysHealthy struct{}

func (alwaysHealthy) IsHealthy(string) bool { return true }

// Router resolves chat requests to a concrete provider/model pairing under
// a configured policy, consulting a static cost table and a pluggable
// health oracle.
type Router struct {
	mu              sync.RWMutex
	policy          RouterPolicy
	costTable       []CostTableEntry
	defaultProvider string
	health          ProviderHealth
	logger          *zap.Logger
	estimator       *CostEstimator
}

// RouterOptions configures a new Router.
type RouterOptions struct {
	Policy          RouterPolicy
	CostTable       []CostTableEntry
	DefaultProvider string
	Health          ProviderHealth
	Logger          *zap.Logger
	// Estimator prices a resolved route via EstimateCost. Defaults to a
	// fresh CostEstimator when nil.
	Estimator *CostEstimator
}

// NewRouter builds a Router over a static cost table. The cost table is
// the routing source of truth: it is supplied at startup from provider
// configuration and never mutated at runtime.
func NewRouter(opts RouterOptions) *Router {
	if opts.Policy == "" {
		opts.Policy = PolicyDefault
	}
	if opts.Health == nil {
		opts.Health = alwaysHealthy{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Estimator == nil {
		opts.Estimator = NewCostEstimator()
	}
	return &Router{
		policy:          opts.Policy,
		costTable:       opts.CostTable,
		defaultProvider: opts.DefaultProvider,
		health:          opts.Health,
		logger:          opts.Logger.With(zap.String("component", "router")),
		estimator:       opts.Estimator,
	}
}

// Route resolves req to a provider/model pairing under the configured
// policy. Returns ErrNoProviderSatisfies when nothing matches.
func (r *Router) Route(req RouteRequest) (RouteResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch r.policy {
	case PolicyCost:
		return r.routeCost(req)
	default:
		return r.routeDefault(req)
	}
}

func (r *Router) routeDefault(req RouteRequest) (RouteResult, error) {
	if req.Provider != "" && r.health.IsHealthy(req.Provider) {
		return RouteResult{ProviderName: req.Provider, ResolvedModel: req.Model}, nil
	}

	if req.Model != "" {
		for _, entry := range r.costTable {
			if entry.Model == req.Model {
				return RouteResult{ProviderName: entry.Provider, ResolvedModel: entry.Model}, nil
			}
		}
	}

	if r.defaultProvider != "" {
		return RouteResult{ProviderName: r.defaultProvider, ResolvedModel: req.Model}, nil
	}

	return RouteResult{}, fmt.Errorf("%w: provider=%q model=%q", ErrNoProviderSatisfies, req.Provider, req.Model)
}

func (r *Router) routeCost(req RouteRequest) (RouteResult, error) {
	var candidates []CostTableEntry
	for _, entry := range r.costTable {
		if entry.satisfies(req.Capabilities, req.ModelFamily, req.MaxCostPerToken) {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return RouteResult{}, fmt.Errorf("%w: capabilities=%v family=%q max_cost=%v", ErrNoProviderSatisfies, req.Capabilities, req.ModelFamily, req.MaxCostPerToken)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CostPer1kTokens != candidates[j].CostPer1kTokens {
			return candidates[i].CostPer1kTokens < candidates[j].CostPer1kTokens
		}
		return candidates[i].Provider < candidates[j].Provider
	})

	best := candidates[0]
	return RouteResult{ProviderName: best.Provider, ResolvedModel: best.Model}, nil
}

// EstimateCost resolves req to a route exactly as Route does, then prices
// messages against the resolved entry's per-1k-token rate using tiktoken --
// the estimate_cost capability surfaced to callers that need a price before
// dispatch, since a streaming call reports no usage until it ends.
func (r *Router) EstimateCost(req RouteRequest, messages []Message) (RouteResult, float64, error) {
	result, err := r.Route(req)
	if err != nil {
		return RouteResult{}, 0, err
	}

	r.mu.RLock()
	var entry CostTableEntry
	found := false
	for _, e := range r.costTable {
		if e.Provider == result.ProviderName && e.Model == result.ResolvedModel {
			entry, found = e, true
			break
		}
	}
	r.mu.RUnlock()
	if !found {
		return result, 0, ErrUnsupportedModel
	}

	tokens, err := r.estimator.EstimateTokens(result.ResolvedModel, messages)
	if err != nil {
		return result, 0, err
	}
	cost, err := r.estimator.EstimateCost(entry, tokens)
	return result, cost, err
}

// CostFor prices a known token count against provider/model's cost table
// rate, for the common case where a completion already reports real usage
// and no tiktoken estimate is needed.
func (r *Router) CostFor(provider, model string, totalTokens int) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.costTable {
		if e.Provider == provider && e.Model == model {
			return (float64(totalTokens) / 1000.0) * e.CostPer1kTokens, true
		}
	}
	return 0, false
}

// SetCostTable replaces the routing cost table wholesale (used when
// provider configuration is reloaded at startup).
func (r *Router) SetCostTable(entries []CostTableEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.costTable = entries
}

// Entries returns a snapshot of the current cost table, used by the model
// listing endpoint to enumerate what the router can resolve to.
func (r *Router) Entries() []CostTableEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CostTableEntry, len(r.costTable))
	copy(out, r.costTable)
	return out
}
