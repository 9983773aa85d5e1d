package provider

import (
	"context"
	"sync"
	"time"
)

// ScriptedOutcome is one entry of a FakeProvider's call script.
type ScriptedOutcome struct {
	Latency time.Duration
	Resp    *ChatResponse
	Err     error
}

// FakeProvider is a deterministic test double: each call to Chat or
// ChatStream consumes the next entry of Script in order. Chat sleeps for
// Latency and then returns Resp or Err; ChatStream ignores Latency.
// Exhausting the script repeats its last entry.
type FakeProvider struct {
	NameValue string
	Script    []ScriptedOutcome
	Healthy   bool

	mu    sync.Mutex
	calls int
}

// NewFakeProvider creates a FakeProvider whose one-entry Script always
// succeeds with resp; assign Script to script other outcomes.
func NewFakeProvider(name string, resp *ChatResponse) *FakeProvider {
	return &FakeProvider{
		NameValue: name,
		Healthy:   true,
		Script:    []ScriptedOutcome{{Resp: resp}},
	}
}

func (f *FakeProvider) Name() string { return f.NameValue }

func (f *FakeProvider) nextOutcome() ScriptedOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.Script) {
		idx = len(f.Script) - 1
	}
	f.calls++
	return f.Script[idx]
}

// Calls returns the number of times Chat or ChatStream has been invoked.
func (f *FakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	outcome := f.nextOutcome()
	if outcome.Latency > 0 {
		select {
		case <-time.After(outcome.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return outcome.Resp, nil
}

func (f *FakeProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	outcome := f.nextOutcome()
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	ch := make(chan StreamChunk, 1)
	go func() {
		defer close(ch)
		resp := outcome.Resp
		if resp == nil {
			resp = &ChatResponse{}
		}
		ch <- StreamChunk{Delta: resp.Content, FinishReason: resp.FinishReason, Usage: resp}
	}()
	return ch, nil
}

func (f *FakeProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: f.Healthy}, nil
}
