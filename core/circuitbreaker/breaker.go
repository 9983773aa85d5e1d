// Package circuitbreaker implements the Closed/Open/HalfOpen state machine
// that the routing provider composes around each candidate.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	rterrors "github.com/coreflow/agentrt/core/errors"
)

// State is one of the three circuit breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes the state machine.
type Config struct {
	Threshold        int
	Timeout          time.Duration
	ResetTimeout     time.Duration
	HalfOpenMaxCalls int
	OnStateChange    func(from, to State)
}

// DefaultConfig mirrors common defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:        5,
		Timeout:          30 * time.Second,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c Config) normalized() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// ErrOpen is returned by Call/CallWithResult when the circuit is open.
var ErrOpen = rterrors.New(rterrors.CodeProviderError, "circuit breaker open")

// ErrTooManyHalfOpenCalls is returned when the half-open trial quota is spent.
var ErrTooManyHalfOpenCalls = rterrors.New(rterrors.CodeProviderError, "too many calls while circuit half-open")

// CircuitBreaker guards invocations of a single collaborator (typically one
// provider) behind a failure-rate state machine.
type CircuitBreaker interface {
	Call(ctx context.Context, fn func() error) error
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)
	State() State
	Reset()
}

type breaker struct {
	cfg    Config
	logger *zap.Logger

	mu                sync.RWMutex
	state             State
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCallCount int
}

// New creates a CircuitBreaker. A nil logger falls back to a no-op logger.
func New(cfg Config, logger *zap.Logger) CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{cfg: cfg.normalized(), logger: logger.With(zap.String("component", "circuitbreaker")), state: StateClosed}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) { return nil, fn() })
	return err
}

type callResult struct {
	result any
	err    error
}

// IsNonCircuitFailure is the shape of a predicate that classifies errors
// (e.g. client-side validation failures) as exempt from the failure count,
// the way some breaker implementations treat INVALID_REQUEST/AUTHENTICATION
// errors as non-circuit-breaking. The breaker does not accept or consult
// one: every error returned by the wrapped call counts as a failure.
type IsNonCircuitFailure func(error) bool

func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := b.beforeCall(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	resultCh := make(chan callResult, 1)
	go func() {
		result, err := fn()
		resultCh <- callResult{result: result, err: err}
	}()

	select {
	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancellation, not a breaker timeout; doesn't count
			// toward the failure threshold.
			return nil, rterrors.New(rterrors.CodeCancelled, "call cancelled").WithCause(ctx.Err())
		}
		err := rterrors.New(rterrors.CodeTimeout, fmt.Sprintf("call timed out: %v", callCtx.Err()))
		b.afterCall(false)
		return nil, err
	case res := <-resultCh:
		success := res.err == nil
		b.afterCall(success)
		if !success {
			return nil, res.err
		}
		return res.result, nil
	}
}

func (b *breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.cfg.ResetTimeout {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 0
			b.logger.Info("circuit entering half-open")
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenCallCount >= b.cfg.HalfOpenMaxCalls {
			return ErrTooManyHalfOpenCalls
		}
		b.halfOpenCallCount++
		return nil
	default:
		return rterrors.New(rterrors.CodeConfiguration, "unknown circuit state")
	}
}

func (b *breaker) afterCall(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

func (b *breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.logger.Info("circuit recovered", zap.Int("half_open_calls", b.halfOpenCallCount))
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0
	case StateOpen:
		b.logger.Warn("success observed while circuit open")
	}
}

func (b *breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.Threshold {
			b.logger.Warn("circuit opening", zap.Int("failure_count", b.failureCount), zap.Int("threshold", b.cfg.Threshold))
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("circuit reopening after half-open failure")
		b.setState(StateOpen)
		b.halfOpenCallCount = 0
	case StateOpen:
		b.logger.Warn("failure observed while circuit open")
	}
}

func (b *breaker) setState(next State) {
	prev := b.state
	b.state = next
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(prev, next)
	}
}

func (b *breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0
	b.logger.Info("circuit reset", zap.String("from_state", prev.String()))
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(prev, StateClosed)
	}
}
