// Package orchestrator drives one or more agents above the routing layer:
// a strict happens-before chain with cancellation checked between steps,
// or a bounded-concurrency fan-out that collects each agent's record into
// its own slot and has pluggable aggregation, each producing a per-agent
// execution record.
package orchestrator

import (
	"context"
	"time"

	"github.com/coreflow/agentrt/core/agentcore"
	rterrors "github.com/coreflow/agentrt/core/errors"
)

// AgentExecutionRecord captures one agent invocation within an
// orchestration, successful or not.
type AgentExecutionRecord struct {
	AgentName      string
	Input          string
	Response       *agentcore.AgentResponse
	Err            error
	ExecutionOrder int
	StartTime      time.Time
	EndTime        time.Time
}

// Context threads through an orchestration: the original input, the
// in-flight input for the next step, accumulated history, and a
// cooperative stop flag any step may set.
type Context struct {
	SessionID        string
	UserInput        string
	CurrentInput     string
	ExecutionHistory []AgentExecutionRecord
	Metadata         map[string]any
	ShouldStop       bool
	StopReason       string
}

// Result is the outcome of a full orchestration run.
type Result struct {
	Success      bool
	FinalOutput  string
	Err          error
	AgentResults []AgentExecutionRecord
	Duration     time.Duration
	Metadata     map[string]any
}

// Transformer derives the next agent's input from the previous agent's
// execution record. The zero value (nil) defaults to the previous
// response's Content.
type Transformer func(record AgentExecutionRecord) string

func defaultTransformer(record AgentExecutionRecord) string {
	if record.Response == nil {
		return ""
	}
	return record.Response.Content
}

// SequentialConfig configures a Sequential orchestrator.
type SequentialConfig struct {
	// ContinueOnError keeps executing subsequent agents after one fails,
	// instead of immediately returning Failed.
	ContinueOnError bool
	// Transform derives the next input from each completed record.
	// Defaults to the agent's response content.
	Transform Transformer
}

// Sequential runs a fixed list of agents in order, each consuming the
// previous one's output.
type Sequential struct {
	agents []agentcore.Agent
	cfg    SequentialConfig
}

// NewSequential creates a Sequential orchestrator over agents in the order
// given.
func NewSequential(agents []agentcore.Agent, cfg SequentialConfig) *Sequential {
	if cfg.Transform == nil {
		cfg.Transform = defaultTransformer
	}
	return &Sequential{agents: agents, cfg: cfg}
}

// Run executes the chain against startInput, returning once every agent
// has run, one has failed with ContinueOnError false, or ctx is cancelled.
func (s *Sequential) Run(ctx context.Context, sessionID, startInput string) *Result {
	return s.RunContext(ctx, &Context{
		SessionID:    sessionID,
		UserInput:    startInput,
		CurrentInput: startInput,
		Metadata:     make(map[string]any),
	})
}

// RunContext executes the chain against a caller-prepared orchestration
// context, honoring its CurrentInput, accumulated history, and stop flag.
func (s *Sequential) RunContext(ctx context.Context, octx *Context) *Result {
	started := time.Now()
	if octx.Metadata == nil {
		octx.Metadata = make(map[string]any)
	}
	if octx.CurrentInput == "" {
		octx.CurrentInput = octx.UserInput
	}

	for i, agent := range s.agents {
		if octx.ShouldStop {
			break
		}

		select {
		case <-ctx.Done():
			return &Result{
				Success:      false,
				Err:          rterrors.New(rterrors.CodeCancelled, "sequential orchestration cancelled").WithCause(ctx.Err()),
				AgentResults: octx.ExecutionHistory,
				Duration:     time.Since(started),
				Metadata:     octx.Metadata,
			}
		default:
		}

		record := s.invoke(ctx, agent, octx.CurrentInput, i)
		octx.ExecutionHistory = append(octx.ExecutionHistory, record)

		if record.Err != nil {
			if !s.cfg.ContinueOnError {
				return &Result{
					Success:      false,
					Err:          rterrors.Newf(rterrors.CodeProviderError, "agent %s failed: %v", agent.Name(), record.Err),
					AgentResults: octx.ExecutionHistory,
					Duration:     time.Since(started),
					Metadata:     octx.Metadata,
				}
			}
			continue
		}

		octx.CurrentInput = s.cfg.Transform(record)
	}

	return &Result{
		Success:      true,
		FinalOutput:  octx.CurrentInput,
		AgentResults: octx.ExecutionHistory,
		Duration:     time.Since(started),
		Metadata:     octx.Metadata,
	}
}

func (s *Sequential) invoke(ctx context.Context, agent agentcore.Agent, input string, order int) AgentExecutionRecord {
	start := time.Now()
	resp, err := agent.Execute(ctx, input)
	return AgentExecutionRecord{
		AgentName:      agent.Name(),
		Input:          input,
		Response:       resp,
		Err:            err,
		ExecutionOrder: order,
		StartTime:      start,
		EndTime:        time.Now(),
	}
}
