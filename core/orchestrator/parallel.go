package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coreflow/agentrt/core/agentcore"
	rterrors "github.com/coreflow/agentrt/core/errors"
)

// AggregationStrategy combines the per-agent records of a Parallel run into
// a single final output.
type AggregationStrategy string

const (
	// AggregateLastResult takes the last-completed successful record's
	// output (by end time).
	AggregateLastResult AggregationStrategy = "last_result"
	// AggregateFirstSuccess takes the earliest-completed successful
	// record's output (by end time).
	AggregateFirstSuccess AggregationStrategy = "first_success"
	// AggregateMerge concatenates every successful record's output,
	// tagged by agent name, in dispatch order.
	AggregateMerge AggregationStrategy = "merge"
	// AggregateVote takes the modal output among successful records,
	// ties broken by dispatch order.
	AggregateVote AggregationStrategy = "vote"
	// AggregateCustom defers to ParallelConfig.CustomAggregator.
	AggregateCustom AggregationStrategy = "custom"
)

// CustomAggregator is a caller-supplied pure function over the successful
// records of a run (failed records are not passed), used when Strategy is
// AggregateCustom.
type CustomAggregator func(records []AgentExecutionRecord) (string, error)

// ParallelConfig configures a Parallel orchestrator.
type ParallelConfig struct {
	MaxConcurrency   int
	Timeout          time.Duration
	Strategy         AggregationStrategy
	CustomAggregator CustomAggregator
}

func (c ParallelConfig) normalized() ParallelConfig {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.Strategy == "" {
		c.Strategy = AggregateLastResult
	}
	return c
}

// Parallel fans the same startInput out to n agents with bounded
// concurrency, collects every record, and aggregates per Strategy. A
// concurrency gate caps in-flight agents and an overall deadline bounds
// the whole run.
type Parallel struct {
	agents []agentcore.Agent
	cfg    ParallelConfig
}

// NewParallel creates a Parallel orchestrator over agents, each of which
// will receive the same input.
func NewParallel(agents []agentcore.Agent, cfg ParallelConfig) *Parallel {
	return &Parallel{agents: agents, cfg: cfg.normalized()}
}

// Run dispatches every agent against startInput, waits for all to finish
// or the configured Timeout to elapse, and aggregates the result.
func (p *Parallel) Run(ctx context.Context, sessionID, startInput string) *Result {
	started := time.Now()
	meta := map[string]any{"session_id": sessionID}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	records := make([]AgentExecutionRecord, len(p.agents))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, p.cfg.MaxConcurrency)

	for i, agent := range p.agents {
		i, agent := i, agent
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				mu.Lock()
				records[i] = AgentExecutionRecord{
					AgentName:      agent.Name(),
					Input:          startInput,
					Err:            gctx.Err(),
					ExecutionOrder: i,
					StartTime:      time.Now(),
					EndTime:        time.Now(),
				}
				mu.Unlock()
				return nil
			}
			defer func() { <-sem }()

			start := time.Now()
			resp, err := agent.Execute(ctx, startInput)
			record := AgentExecutionRecord{
				AgentName:      agent.Name(),
				Input:          startInput,
				Response:       resp,
				Err:            err,
				ExecutionOrder: i,
				StartTime:      start,
				EndTime:        time.Now(),
			}
			mu.Lock()
			records[i] = record
			mu.Unlock()
			return nil
		})
	}

	// errgroup.Go never returns an error here; every goroutine records its
	// own failure into its slot instead of aborting its siblings.
	_ = g.Wait()

	successful := make([]AgentExecutionRecord, 0, len(records))
	for _, r := range records {
		if r.Err == nil && r.Response != nil {
			successful = append(successful, r)
		}
	}

	if len(successful) == 0 {
		return &Result{
			Success:      false,
			Err:          rterrors.New(rterrors.CodeProviderError, "every agent in the parallel run failed"),
			AgentResults: records,
			Duration:     time.Since(started),
			Metadata:     meta,
		}
	}

	output, err := p.aggregate(successful)
	if err != nil {
		return &Result{
			Success:      false,
			Err:          err,
			AgentResults: records,
			Duration:     time.Since(started),
			Metadata:     meta,
		}
	}

	return &Result{
		Success:      true,
		FinalOutput:  output,
		AgentResults: records,
		Duration:     time.Since(started),
		Metadata:     meta,
	}
}

func (p *Parallel) aggregate(successful []AgentExecutionRecord) (string, error) {
	switch p.cfg.Strategy {
	case AggregateFirstSuccess:
		earliest := successful[0]
		for _, r := range successful[1:] {
			if r.EndTime.Before(earliest.EndTime) {
				earliest = r
			}
		}
		return earliest.Response.Content, nil

	case AggregateMerge:
		ordered := append([]AgentExecutionRecord(nil), successful...)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].ExecutionOrder < ordered[j].ExecutionOrder })
		out := ""
		for i, r := range ordered {
			if i > 0 {
				out += "\n"
			}
			out += "[" + r.AgentName + "] " + r.Response.Content
		}
		return out, nil

	case AggregateVote:
		counts := make(map[string]int)
		firstSeenOrder := make(map[string]int)
		for _, r := range successful {
			content := r.Response.Content
			counts[content]++
			if _, ok := firstSeenOrder[content]; !ok {
				firstSeenOrder[content] = r.ExecutionOrder
			}
		}
		best := ""
		bestCount := -1
		bestOrder := int(^uint(0) >> 1)
		for content, count := range counts {
			order := firstSeenOrder[content]
			if count > bestCount || (count == bestCount && order < bestOrder) {
				best = content
				bestCount = count
				bestOrder = order
			}
		}
		return best, nil

	case AggregateCustom:
		if p.cfg.CustomAggregator == nil {
			return "", rterrors.New(rterrors.CodeConfiguration, "custom aggregation strategy selected without a CustomAggregator")
		}
		return p.cfg.CustomAggregator(successful)

	default: // AggregateLastResult
		latest := successful[0]
		for _, r := range successful[1:] {
			if r.EndTime.After(latest.EndTime) {
				latest = r
			}
		}
		return latest.Response.Content, nil
	}
}
