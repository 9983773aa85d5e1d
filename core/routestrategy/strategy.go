// Package routestrategy implements the provider-selection strategies of the
// router: cost, latency, and the three load-balancing variants. Every
// strategy shares the same filter/score/select pipeline over the healthy,
// non-excluded candidate set, including per-candidate SLA filtering.
package routestrategy

import (
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coreflow/agentrt/core/errors"
	"github.com/coreflow/agentrt/core/pricing"
	"github.com/coreflow/agentrt/core/stats"
)

// Priority is the caller-expressed urgency of a request.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Candidate is one provider known to the router, with its registration
// order preserved for stable tie-breaking.
type Candidate struct {
	Name            string
	Model           string
	RegistrationIdx int
	Weight          int // used by WeightedRoundRobin; registration order otherwise
	// LatencyPrior is used when a candidate has no recorded successful
	// requests yet (effective latency falls back to this prior).
	LatencyPrior float64
	// SLA fields, optional per-candidate overrides of RoutingContext limits.
	MaxCostPerRequest float64
	MaxLatencyMs      float64
	MinSuccessRate    float64
}

// Context is the per-request selection context.
type Context struct {
	EstimatedInputTokens  int
	EstimatedOutputTokens int
	Priority              Priority
	MaxLatencyMs          float64
	MaxCost               float64
	PreferredModel        string
	RequiresStreaming     bool
	ExcludedProviders     map[string]bool
}

// ErrNoHealthyProvider is returned when every candidate is excluded or
// unhealthy.
var ErrNoHealthyProvider = errors.New(errors.CodeNoHealthyProvider, "no healthy provider available")

// Strategy selects one provider from candidates given a context and the
// tracker's current statistics/health.
type Strategy interface {
	Select(candidates []Candidate, ctx Context, tracker *stats.Tracker, pricing *pricing.Table) (Candidate, error)
}

func filterCandidates(candidates []Candidate, ctx Context, tracker *stats.Tracker) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if ctx.ExcludedProviders[c.Name] {
			continue
		}
		if !tracker.Healthy(c.Name) {
			continue
		}
		if c.MinSuccessRate > 0 {
			snap := tracker.Snapshot(c.Name)
			if snap.TotalRequests > 0 {
				rate := float64(snap.SuccessfulRequests) / float64(snap.TotalRequests)
				if rate < c.MinSuccessRate {
					continue
				}
			}
		}
		out = append(out, c)
	}
	return out
}

// preferredMatch implements step 3 of the common selection protocol: if a
// preferred model is set and a candidate's name contains it, it wins
// immediately regardless of strategy.
func preferredMatch(candidates []Candidate, ctx Context) (Candidate, bool) {
	if ctx.PreferredModel == "" {
		return Candidate{}, false
	}
	pref := strings.ToLower(ctx.PreferredModel)
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c.Name), pref) {
			return c, true
		}
	}
	return Candidate{}, false
}

// selectCommon runs the common protocol (filter, preferred-match) and hands the
// filtered, ordered candidate list to pick, which implements the
// strategy-specific ordering and returns the chosen index.
func selectCommon(candidates []Candidate, ctx Context, tracker *stats.Tracker, pick func([]Candidate) int) (Candidate, error) {
	filtered := filterCandidates(candidates, ctx, tracker)
	if len(filtered) == 0 {
		return Candidate{}, ErrNoHealthyProvider
	}
	if c, ok := preferredMatch(filtered, ctx); ok {
		return c, nil
	}
	idx := pick(filtered)
	if idx < 0 || idx >= len(filtered) {
		return Candidate{}, ErrNoHealthyProvider
	}
	return filtered[idx], nil
}

func stableSortByKey(candidates []Candidate, key func(Candidate) float64) {
	sort.SliceStable(candidates, func(i, j int) bool {
		ki, kj := key(candidates[i]), key(candidates[j])
		if ki != kj {
			return ki < kj
		}
		return candidates[i].RegistrationIdx < candidates[j].RegistrationIdx
	})
}

// ---------------------------------------------------------------------
// CostOptimized
// ---------------------------------------------------------------------

// CostOptimizedStrategy sorts candidates by estimated cost ascending; drops
// candidates above ctx.MaxCost unless doing so would empty the list.
type CostOptimizedStrategy struct{}

func (CostOptimizedStrategy) Select(candidates []Candidate, ctx Context, tracker *stats.Tracker, table *pricing.Table) (Candidate, error) {
	return selectCommon(candidates, ctx, tracker, func(filtered []Candidate) int {
		costOf := func(c Candidate) float64 {
			return table.Cost(c.Model, ctx.EstimatedInputTokens, ctx.EstimatedOutputTokens)
		}
		ordered := append([]Candidate(nil), filtered...)
		stableSortByKey(ordered, costOf)

		if ctx.MaxCost > 0 {
			for _, c := range ordered {
				maxCost := ctx.MaxCost
				if c.MaxCostPerRequest > 0 && c.MaxCostPerRequest < maxCost {
					maxCost = c.MaxCostPerRequest
				}
				if costOf(c) <= maxCost {
					return indexOf(filtered, c)
				}
			}
			// Every candidate is over budget; fall back to the unfiltered
			// ordering so some provider is still selected.
		}
		return indexOf(filtered, ordered[0])
	})
}

func indexOf(haystack []Candidate, target Candidate) int {
	for i, c := range haystack {
		if c.Name == target.Name {
			return i
		}
	}
	return 0
}

// ---------------------------------------------------------------------
// LatencyOptimized
// ---------------------------------------------------------------------

// LatencyOptimizedStrategy sorts by effective latency: the tracker's
// observed average if any successful requests exist, else the candidate's
// LatencyPrior.
type LatencyOptimizedStrategy struct{}

func effectiveLatency(c Candidate, tracker *stats.Tracker) float64 {
	snap := tracker.Snapshot(c.Name)
	if snap.SuccessfulRequests > 0 {
		return snap.AverageLatencyMs
	}
	return c.LatencyPrior
}

func (LatencyOptimizedStrategy) Select(candidates []Candidate, ctx Context, tracker *stats.Tracker, _ *pricing.Table) (Candidate, error) {
	return selectCommon(candidates, ctx, tracker, func(filtered []Candidate) int {
		ordered := append([]Candidate(nil), filtered...)
		stableSortByKey(ordered, func(c Candidate) float64 { return effectiveLatency(c, tracker) })

		if ctx.MaxLatencyMs > 0 {
			for _, c := range ordered {
				maxLatency := ctx.MaxLatencyMs
				if c.MaxLatencyMs > 0 && c.MaxLatencyMs < maxLatency {
					maxLatency = c.MaxLatencyMs
				}
				if effectiveLatency(c, tracker) <= maxLatency {
					return indexOf(filtered, c)
				}
			}
		}
		return indexOf(filtered, ordered[0])
	})
}

// ---------------------------------------------------------------------
// RoundRobin
// ---------------------------------------------------------------------

// RoundRobinStrategy returns candidates[i mod len] where i is a
// monotonically incremented atomic counter shared across calls.
type RoundRobinStrategy struct {
	counter uint64
}

func (s *RoundRobinStrategy) Select(candidates []Candidate, ctx Context, tracker *stats.Tracker, _ *pricing.Table) (Candidate, error) {
	return selectCommon(candidates, ctx, tracker, func(filtered []Candidate) int {
		n := atomic.AddUint64(&s.counter, 1) - 1
		return int(n % uint64(len(filtered)))
	})
}

// ---------------------------------------------------------------------
// WeightedRoundRobin
// ---------------------------------------------------------------------

// WeightedRoundRobinStrategy picks a uniform random integer in
// [0, totalWeight) and returns the first candidate whose cumulative weight
// exceeds it.
type WeightedRoundRobinStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewWeightedRoundRobin creates a weighted round-robin strategy with its
// own source so concurrent routers don't contend on the global rand lock.
func NewWeightedRoundRobin(seed int64) *WeightedRoundRobinStrategy {
	return &WeightedRoundRobinStrategy{rng: rand.New(rand.NewSource(seed))}
}

func (s *WeightedRoundRobinStrategy) Select(candidates []Candidate, ctx Context, tracker *stats.Tracker, _ *pricing.Table) (Candidate, error) {
	return selectCommon(candidates, ctx, tracker, func(filtered []Candidate) int {
		total := 0
		for _, c := range filtered {
			w := c.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		s.mu.Lock()
		target := s.rng.Intn(total)
		s.mu.Unlock()

		cumulative := 0
		for i, c := range filtered {
			w := c.Weight
			if w <= 0 {
				w = 1
			}
			cumulative += w
			if target < cumulative {
				return i
			}
		}
		return 0
	})
}

// ---------------------------------------------------------------------
// Random
// ---------------------------------------------------------------------

// RandomStrategy performs a uniform pick among filtered candidates.
type RandomStrategy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a random strategy with its own rand source.
func NewRandom(seed int64) *RandomStrategy {
	return &RandomStrategy{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomStrategy) Select(candidates []Candidate, ctx Context, tracker *stats.Tracker, _ *pricing.Table) (Candidate, error) {
	return selectCommon(candidates, ctx, tracker, func(filtered []Candidate) int {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.rng.Intn(len(filtered))
	})
}

// ---------------------------------------------------------------------
// Priority (alias for CostOptimized)
// ---------------------------------------------------------------------

// PriorityStrategy orders candidates the same way CostOptimized does;
// callers that key configuration off a "priority" strategy name get cost
// ordering.
type PriorityStrategy struct {
	CostOptimizedStrategy
}
