// Package agentcore defines the minimal Agent abstraction the
// orchestrators and the human-in-loop wrapper operate over: text in,
// AgentResponse out. The interface is deliberately narrow; orchestrators
// only need the single synchronous unit of work they chain or fan out.
package agentcore

import "context"

// AgentResponse is the result of one Agent invocation.
type AgentResponse struct {
	Content  string
	Metadata map[string]any
}

// Agent is the unit of work orchestrators compose.
type Agent interface {
	Name() string
	Execute(ctx context.Context, input string) (*AgentResponse, error)
}

// Func adapts a plain function to Agent.
type Func struct {
	NameValue string
	Fn        func(ctx context.Context, input string) (*AgentResponse, error)
}

func (f Func) Name() string { return f.NameValue }

func (f Func) Execute(ctx context.Context, input string) (*AgentResponse, error) {
	return f.Fn(ctx, input)
}
