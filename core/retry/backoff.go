// Package retry implements exponential backoff with jitter around a single
// collaborator call. Retryability is classified by the *errors.Error
// Retryable flag; unknown error types default to retryable.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	rterrors "github.com/coreflow/agentrt/core/errors"
)

// Policy configures the backoff schedule.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// IsRetryable overrides retryability classification. When unset,
	// defaultIsRetryable is used: an *errors.Error reports its Retryable
	// flag and any other error is treated as retryable.
	IsRetryable func(error) bool
	OnRetry     func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy mirrors common defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	if p.IsRetryable == nil {
		p.IsRetryable = defaultIsRetryable
	}
	return p
}

func defaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if rterr, ok := err.(*rterrors.Error); ok {
		return rterr.Retryable
	}
	return true
}

// Retryer executes a function, retrying on failure per its Policy.
type Retryer interface {
	Do(ctx context.Context, fn func() error) error
	DoWithResult(ctx context.Context, fn func() (any, error)) (any, error)
}

type backoffRetryer struct {
	policy Policy
	logger *zap.Logger
}

// New creates a Retryer. A nil logger falls back to a no-op logger.
func New(policy Policy, logger *zap.Logger) Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &backoffRetryer{policy: policy.normalized(), logger: logger.With(zap.String("component", "retry"))}
}

func (r *backoffRetryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoWithResult(ctx, func() (any, error) { return nil, fn() })
	return err
}

func (r *backoffRetryer) DoWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	var lastErr error
	var result any

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.calculateDelay(attempt)
			r.logger.Debug("retrying", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(lastErr))
			if r.policy.OnRetry != nil {
				r.policy.OnRetry(attempt, lastErr, delay)
			}
			select {
			case <-ctx.Done():
				return nil, rterrors.New(rterrors.CodeCancelled, fmt.Sprintf("retry cancelled: %v", ctx.Err()))
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if !r.policy.IsRetryable(lastErr) {
			r.logger.Debug("error not retryable", zap.Error(lastErr))
			return nil, lastErr
		}

		if attempt >= r.policy.MaxRetries {
			break
		}
	}

	r.logger.Warn("retries exhausted", zap.Int("attempts", r.policy.MaxRetries+1), zap.Error(lastErr))
	return nil, rterrors.New(rterrors.CodeProviderError, fmt.Sprintf("failed after %d retries", r.policy.MaxRetries)).WithCause(lastErr)
}

func (r *backoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.Multiplier, float64(attempt-1))
	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}
	if r.policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(r.policy.InitialDelay) {
		delay = float64(r.policy.InitialDelay)
	}
	return time.Duration(delay)
}
