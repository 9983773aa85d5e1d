// Package routing ties together strategy selection, health/cost tracking,
// per-provider circuit breaking, retry, and idempotency into the failover
// loop a caller actually invokes. Router is a Provider-shaped decorator:
// it wraps a registered set of providers without modifying any of them and
// fails over across the set.
package routing

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/coreflow/agentrt/core/circuitbreaker"
	"github.com/coreflow/agentrt/core/errors"
	"github.com/coreflow/agentrt/core/idempotency"
	"github.com/coreflow/agentrt/core/pricing"
	"github.com/coreflow/agentrt/core/provider"
	"github.com/coreflow/agentrt/core/retry"
	"github.com/coreflow/agentrt/core/routestrategy"
	"github.com/coreflow/agentrt/core/stats"
)

// Config tunes the router's collaborators.
type Config struct {
	// EnableFailover gates whether a failed attempt is retried against a
	// different candidate at all; with it false the first failure
	// propagates immediately regardless of MaxFailoverRetries.
	EnableFailover bool
	// MaxFailoverRetries bounds the failover loop: the loop runs
	// attempt = 0…MaxFailoverRetries inclusive, i.e. MaxFailoverRetries+1
	// total attempts. Default 2.
	MaxFailoverRetries int
	EnableRetry        bool
	RetryPolicy        retry.Policy
	EnableIdempotency  bool
	IdempotencyTTL     time.Duration
	CircuitConfig      circuitbreaker.Config
}

// DefaultConfig mirrors common resilience defaults.
func DefaultConfig() Config {
	return Config{
		EnableFailover:     true,
		MaxFailoverRetries: 2,
		EnableRetry:        true,
		RetryPolicy:        retry.DefaultPolicy(),
		EnableIdempotency:  true,
		IdempotencyTTL:     time.Hour,
		CircuitConfig:      circuitbreaker.DefaultConfig(),
	}
}

type registration struct {
	provider  provider.Provider
	candidate routestrategy.Candidate
	breaker   circuitbreaker.CircuitBreaker
}

// Router is the Provider-decorator failover loop: it selects a candidate
// via Strategy, invokes it through that candidate's circuit breaker, records
// the outcome in Tracker, and on failure excludes the candidate and
// reselects until a candidate succeeds or MaxFailoverRetries+1 attempts
// have been made.
type Router struct {
	cfg      Config
	strategy routestrategy.Strategy
	tracker  *stats.Tracker
	pricing  *pricing.Table
	idem     idempotency.Manager
	retryer  retry.Retryer
	logger   *zap.Logger

	registrations []*registration
	byName        map[string]*registration
}

// New creates a Router. A nil logger falls back to a no-op logger; a nil
// idempotency manager disables idempotent-result caching regardless of
// cfg.EnableIdempotency.
func New(cfg Config, strategy routestrategy.Strategy, tracker *stats.Tracker, priceTable *pricing.Table, idem idempotency.Manager, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		cfg:      cfg,
		strategy: strategy,
		tracker:  tracker,
		pricing:  priceTable,
		idem:     idem,
		logger:   logger.With(zap.String("component", "routing")),
		byName:   make(map[string]*registration),
	}
	if cfg.EnableRetry {
		r.retryer = retry.New(cfg.RetryPolicy, logger)
	}
	return r
}

// Register adds a provider as a selectable candidate. Weight and
// LatencyPrior feed WeightedRoundRobin/LatencyOptimized respectively;
// RegistrationIdx is assigned in call order for stable tie-breaking.
func (r *Router) Register(p provider.Provider, weight int, latencyPrior float64) {
	idx := len(r.registrations)
	reg := &registration{
		provider: p,
		candidate: routestrategy.Candidate{
			Name:            p.Name(),
			Model:           p.Name(),
			RegistrationIdx: idx,
			Weight:          weight,
			LatencyPrior:    latencyPrior,
		},
		breaker: circuitbreaker.New(r.cfg.CircuitConfig, r.logger),
	}
	r.registrations = append(r.registrations, reg)
	r.byName[p.Name()] = reg
}

func (r *Router) candidates() []routestrategy.Candidate {
	out := make([]routestrategy.Candidate, len(r.registrations))
	for i, reg := range r.registrations {
		out[i] = reg.candidate
	}
	return out
}

// fillEstimates populates sctx's token estimates from the request when the
// caller left them zero: input from message content, output from MaxTokens
// (1000 when unset).
func fillEstimates(req *provider.ChatRequest, sctx routestrategy.Context) routestrategy.Context {
	if sctx.EstimatedInputTokens == 0 {
		sctx.EstimatedInputTokens = provider.EstimateInputTokens(req)
	}
	if sctx.EstimatedOutputTokens == 0 {
		if req.MaxTokens > 0 {
			sctx.EstimatedOutputTokens = req.MaxTokens
		} else {
			sctx.EstimatedOutputTokens = 1000
		}
	}
	return sctx
}

// Chat selects a healthy candidate per sctx, invokes it (through retry,
// circuit breaker, and idempotency caching), and on failure excludes that
// candidate and reselects, for at most MaxFailoverRetries+1 attempts.
func (r *Router) Chat(ctx context.Context, req *provider.ChatRequest, sctx routestrategy.Context) (*provider.ChatResponse, error) {
	sctx = fillEstimates(req, sctx)
	idemKey := ""
	if r.cfg.EnableIdempotency && r.idem != nil {
		key, err := r.idem.GenerateKey(req.Messages, req.SystemPrompt, req.MaxTokens)
		if err != nil {
			r.logger.Warn("failed to generate idempotency key", zap.Error(err))
		} else {
			idemKey = key
			if cached, found, err := r.idem.Get(ctx, idemKey); err == nil && found {
				var resp provider.ChatResponse
				if err := json.Unmarshal(cached, &resp); err == nil {
					r.logger.Debug("idempotency cache hit", zap.String("key", idemKey))
					return &resp, nil
				}
			}
		}
	}

	excluded := make(map[string]bool, len(sctx.ExcludedProviders))
	for k, v := range sctx.ExcludedProviders {
		excluded[k] = v
	}
	tryCtx := sctx
	tryCtx.ExcludedProviders = excluded

	resetOnce := false
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxFailoverRetries; attempt++ {
		chosen, selErr := r.strategy.Select(r.candidates(), tryCtx, r.tracker, r.pricing)
		if selErr != nil {
			// If selection fails and attempts remain, reset
			// excludedProviders once — this is the case where every
			// candidate has been excluded by prior failures — and retry
			// selection before giving up on this attempt.
			if !resetOnce && attempt < r.cfg.MaxFailoverRetries {
				resetOnce = true
				excluded = make(map[string]bool)
				tryCtx.ExcludedProviders = excluded
				chosen, selErr = r.strategy.Select(r.candidates(), tryCtx, r.tracker, r.pricing)
			}
			if selErr != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, selErr
			}
		}

		reg := r.byName[chosen.Name]
		resp, callErr := r.invoke(ctx, reg, req)
		if callErr == nil {
			if idemKey != "" && r.idem != nil {
				if err := r.idem.Set(ctx, idemKey, resp, r.cfg.IdempotencyTTL); err != nil {
					r.logger.Warn("failed to cache idempotent result", zap.Error(err))
				}
			}
			return resp, nil
		}

		if errors.IsCancelled(callErr) {
			return nil, callErr
		}

		lastErr = callErr
		if !r.cfg.EnableFailover || attempt >= r.cfg.MaxFailoverRetries {
			return nil, callErr
		}
		excluded[chosen.Name] = true
	}

	if lastErr == nil {
		lastErr = routestrategy.ErrNoHealthyProvider
	}
	return nil, lastErr
}

// ChatStream mirrors Chat's failover loop up to the point where the first
// chunk of a stream is produced: selecting and invoking a
// candidate counts as one attempt, and a failure to produce even a first
// chunk is treated exactly like a failed Chat call and fails over. Once a
// first chunk arrives successfully, failover ends; any later error on the
// stream surfaces to the caller as-is, and token usage carried on any
// chunk is recorded against the serving candidate as that chunk is
// relayed.
func (r *Router) ChatStream(ctx context.Context, req *provider.ChatRequest, sctx routestrategy.Context) (<-chan provider.StreamChunk, error) {
	sctx = fillEstimates(req, sctx)
	excluded := make(map[string]bool, len(sctx.ExcludedProviders))
	for k, v := range sctx.ExcludedProviders {
		excluded[k] = v
	}
	tryCtx := sctx
	tryCtx.ExcludedProviders = excluded

	resetOnce := false
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxFailoverRetries; attempt++ {
		chosen, selErr := r.strategy.Select(r.candidates(), tryCtx, r.tracker, r.pricing)
		if selErr != nil {
			if !resetOnce && attempt < r.cfg.MaxFailoverRetries {
				resetOnce = true
				excluded = make(map[string]bool)
				tryCtx.ExcludedProviders = excluded
				chosen, selErr = r.strategy.Select(r.candidates(), tryCtx, r.tracker, r.pricing)
			}
			if selErr != nil {
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, selErr
			}
		}

		reg := r.byName[chosen.Name]
		start := time.Now()
		chunks, streamErr := reg.provider.ChatStream(ctx, req)
		if streamErr == nil {
			var first provider.StreamChunk
			var ok bool
			select {
			case first, ok = <-chunks:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			switch {
			case !ok:
				streamErr = errors.New(errors.CodeProviderError, "stream closed before producing a chunk")
			case first.Err != nil:
				streamErr = first.Err
			default:
				out := make(chan provider.StreamChunk, 1)
				go r.relayStream(reg, start, first, chunks, out)
				return out, nil
			}
		}

		if errors.IsCancelled(streamErr) {
			return nil, streamErr
		}

		latency := float64(time.Since(start).Milliseconds())
		r.tracker.Report(reg.candidate.Name, stats.Outcome{Success: false, LatencyMs: latency, Err: streamErr})

		lastErr = streamErr
		if !r.cfg.EnableFailover || attempt >= r.cfg.MaxFailoverRetries {
			return nil, streamErr
		}
		excluded[chosen.Name] = true
	}

	if lastErr == nil {
		lastErr = routestrategy.ErrNoHealthyProvider
	}
	return nil, lastErr
}

// relayStream forwards first and the rest of chunks to out, recording each
// chunk's Usage (if any) against reg as that chunk is forwarded.
func (r *Router) relayStream(reg *registration, start time.Time, first provider.StreamChunk, chunks <-chan provider.StreamChunk, out chan<- provider.StreamChunk) {
	defer close(out)
	out <- first
	r.recordStreamUsage(reg, start, first)
	for chunk := range chunks {
		out <- chunk
		r.recordStreamUsage(reg, start, chunk)
	}
}

func (r *Router) recordStreamUsage(reg *registration, start time.Time, chunk provider.StreamChunk) {
	if chunk.Usage == nil {
		return
	}
	cost := r.pricing.Cost(reg.candidate.Model, chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
	r.tracker.Report(reg.candidate.Name, stats.Outcome{
		Success:      true,
		LatencyMs:    float64(time.Since(start).Milliseconds()),
		InputTokens:  chunk.Usage.PromptTokens,
		OutputTokens: chunk.Usage.CompletionTokens,
		Cost:         cost,
	})
}

func (r *Router) invoke(ctx context.Context, reg *registration, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	start := time.Now()
	var resp *provider.ChatResponse

	call := func() error {
		var err error
		resp, err = reg.provider.Chat(ctx, req)
		return err
	}

	breakerCall := func() error { return reg.breaker.Call(ctx, call) }

	var err error
	if r.retryer != nil {
		err = r.retryer.Do(ctx, breakerCall)
	} else {
		err = breakerCall()
	}

	latency := float64(time.Since(start).Milliseconds())
	if err != nil {
		if !errors.IsCancelled(err) {
			r.tracker.Report(reg.candidate.Name, stats.Outcome{Success: false, LatencyMs: latency, Err: err})
		}
		return nil, err
	}

	cost := r.pricing.Cost(reg.candidate.Model, resp.PromptTokens, resp.CompletionTokens)
	r.tracker.Report(reg.candidate.Name, stats.Outcome{
		Success:      true,
		LatencyMs:    latency,
		InputTokens:  resp.PromptTokens,
		OutputTokens: resp.CompletionTokens,
		Cost:         cost,
	})
	return resp, nil
}

// HealthCheck probes every registered provider and returns each one's
// status keyed by name (Healthy false when the probe errors), without
// consulting the Tracker.
func (r *Router) HealthCheck(ctx context.Context) map[string]*provider.HealthStatus {
	out := make(map[string]*provider.HealthStatus, len(r.registrations))
	for _, reg := range r.registrations {
		status, err := reg.provider.HealthCheck(ctx)
		if err != nil {
			out[reg.candidate.Name] = &provider.HealthStatus{Healthy: false}
			continue
		}
		out[reg.candidate.Name] = status
	}
	return out
}

// ErrNoCandidates describes a router with no registered providers. Chat and
// ChatStream do not return it: with nothing registered, selection fails
// with routestrategy.ErrNoHealthyProvider.
var ErrNoCandidates = errors.New(errors.CodeConfiguration, "router has no registered providers")
