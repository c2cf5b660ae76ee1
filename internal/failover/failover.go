// Package failover selects and invokes upstream providers for a logical
// service under a configurable strategy, tracking per-member health and
// latency so future selections can route around unhealthy members.
package failover

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// ErrNoHealthyMember is returned when every configured member is
// unavailable (breaker open or health score below threshold).
var ErrNoHealthyMember = errors.New("failover: no healthy member available")

// Strategy names the provider-selection policy for a service.
type Strategy string

const (
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyPriority      Strategy = "priority"
	StrategyHealthAware   Strategy = "health_aware"
	StrategyCostOptimized Strategy = "cost_optimized"
	StrategyLoadBalanced  Strategy = "load_balanced"
	StrategyFastestFirst  Strategy = "fastest_first"
)

// BreakerState abstracts the circuit-breaker's current state for a member,
// avoiding an import cycle back into llm/circuitbreaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

// Member is one provider participating in a failover group.
type Member struct {
	Name     string
	Priority int     // lower sorts first under priority/cost_optimized; ties broken by name
	Weight   float64 // used by load_balanced; defaults to 1.0 when <= 0

	mu              sync.Mutex
	successes       int64
	total           int64
	totalResponseMs int64
	breaker         func() BreakerState
}

func (m *Member) healthScore() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total == 0 {
		return 1.0
	}
	return float64(m.successes) / float64(m.total)
}

func (m *Member) avgResponseMs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.total == 0 {
		return 0
	}
	return float64(m.totalResponseMs) / float64(m.total)
}

func (m *Member) record(ok bool, responseMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if ok {
		m.successes++
	}
	m.totalResponseMs += responseMs
}

func (m *Member) breakerState() BreakerState {
	if m.breaker == nil {
		return BreakerClosed
	}
	return m.breaker()
}

// Group is a named set of providers serving one logical service (e.g. a
// model family), selected and invoked under a single Strategy.
type Group struct {
	mu              sync.Mutex
	service         string
	strategy        Strategy
	members         []*Member
	healthThreshold float64
	maxAttempts     int
	rrCursor        int
	rng             *rand.Rand
}

// NewGroup creates a failover group. healthThreshold is the minimum health
// score (successes/total) a member must clear to be considered healthy;
// maxAttempts bounds how many members Call will try before giving up.
func NewGroup(service string, strategy Strategy, members []*Member, healthThreshold float64, maxAttempts int) *Group {
	if maxAttempts <= 0 {
		maxAttempts = len(members)
	}
	return &Group{
		service:         service,
		strategy:        strategy,
		members:         members,
		healthThreshold: healthThreshold,
		maxAttempts:     maxAttempts,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetBreakerProbe wires a per-member breaker-state lookup, called on every
// selection to exclude members whose circuit is open.
func (g *Group) SetBreakerProbe(name string, probe func() BreakerState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m.Name == name {
			m.breaker = probe
			return
		}
	}
}

func (g *Group) healthyMembers() []*Member {
	out := make([]*Member, 0, len(g.members))
	for _, m := range g.members {
		if m.breakerState() == BreakerOpen {
			continue
		}
		if m.healthScore() < g.healthThreshold {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Order returns the healthy members in the sequence Call would try them,
// without invoking anything -- useful for logging/introspection.
func (g *Group) Order() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ordered := g.order()
	names := make([]string, len(ordered))
	for i, m := range ordered {
		names[i] = m.Name
	}
	return names
}

func (g *Group) order() []*Member {
	healthy := g.healthyMembers()
	if len(healthy) == 0 {
		return nil
	}

	switch g.strategy {
	case StrategyRoundRobin:
		start := g.rrCursor % len(healthy)
		g.rrCursor++
		rotated := make([]*Member, 0, len(healthy))
		rotated = append(rotated, healthy[start:]...)
		rotated = append(rotated, healthy[:start]...)
		return rotated

	case StrategyPriority, StrategyCostOptimized:
		sorted := append([]*Member(nil), healthy...)
		sort.Slice(sorted, func(i, j int) bool {
			if sorted[i].Priority != sorted[j].Priority {
				return sorted[i].Priority < sorted[j].Priority
			}
			return sorted[i].Name < sorted[j].Name
		})
		return sorted

	case StrategyHealthAware:
		sorted := append([]*Member(nil), healthy...)
		sort.Slice(sorted, func(i, j int) bool {
			si, sj := sorted[i].healthScore(), sorted[j].healthScore()
			if si != sj {
				return si > sj
			}
			return sorted[i].Priority < sorted[j].Priority
		})
		return sorted

	case StrategyFastestFirst:
		sorted := append([]*Member(nil), healthy...)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].avgResponseMs() < sorted[j].avgResponseMs()
		})
		return sorted

	case StrategyLoadBalanced:
		return g.weightedOrder(healthy)

	default:
		return healthy
	}
}

// weightedOrder draws members without replacement, weighted by Weight,
// producing a full priority order for the attempt loop.
func (g *Group) weightedOrder(healthy []*Member) []*Member {
	pool := append([]*Member(nil), healthy...)
	out := make([]*Member, 0, len(pool))

	for len(pool) > 0 {
		total := 0.0
		for _, m := range pool {
			w := m.Weight
			if w <= 0 {
				w = 1.0
			}
			total += w
		}
		pick := g.rng.Float64() * total
		idx := 0
		acc := 0.0
		for i, m := range pool {
			w := m.Weight
			if w <= 0 {
				w = 1.0
			}
			acc += w
			if pick <= acc {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

// Result carries one attempt's outcome for telemetry callers.
type Result struct {
	Provider       string
	Attempt        int
	OK             bool
	ResponseTimeMs int64
	Err            error
}

// Call tries healthy members in strategy order, up to maxAttempts, invoking
// fn(providerName) for each. It returns the first success. onAttempt, if
// non-nil, is invoked after every attempt (success or failure) so the
// caller can emit metrics/logs.
func (g *Group) Call(ctx context.Context, fn func(ctx context.Context, provider string) error, onAttempt func(Result)) error {
	g.mu.Lock()
	ordered := g.order()
	maxAttempts := g.maxAttempts
	g.mu.Unlock()

	if len(ordered) == 0 {
		return ErrNoHealthyMember
	}
	if maxAttempts > len(ordered) {
		maxAttempts = len(ordered)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		member := ordered[i]
		start := time.Now()
		err := fn(ctx, member.Name)
		elapsed := time.Since(start).Milliseconds()

		member.record(err == nil, elapsed)
		if onAttempt != nil {
			onAttempt(Result{
				Provider:       member.Name,
				Attempt:        i + 1,
				OK:             err == nil,
				ResponseTimeMs: elapsed,
				Err:            err,
			})
		}

		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if lastErr != nil {
		return fmt.Errorf("failover: %s: all %d attempt(s) failed: %w", g.service, maxAttempts, lastErr)
	}
	return ErrNoHealthyMember
}

// Rebalance recomputes nothing by itself -- health scores and average
// latency are already maintained incrementally on every Call. Rebalance is
// a no-op and never touches group topology; no timer in the gateway calls
// it, so no periodic recomputation of derived metrics takes place.
func (g *Group) Rebalance() {}
