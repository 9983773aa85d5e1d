// Package agentcore's HumanInLoop wrapper decorates an Agent with
// confirm-before-execution, retry-with-guidance, escalation handling, and
// review-before-return, composing approval.Manager and callback.Hub
// around a plain agent call.
package agentcore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coreflow/agentrt/core/approval"
	"github.com/coreflow/agentrt/core/callback"
	rterrors "github.com/coreflow/agentrt/core/errors"
)

// HumanInLoopConfig configures which stages of the wrapper are active.
type HumanInLoopConfig struct {
	ConfirmBeforeExecution bool
	ReviewBeforeReturn     bool
	MaxGuidedRetries       int
	ConfirmationTimeout    time.Duration
	EscalationTimeout      time.Duration
	GuidanceTimeout        time.Duration
	// DefaultOnTimeout decides whether a confirmation/review gate that
	// times out waiting for a human fails open (OptionApprove) or closed
	// (OptionReject, the default).
	DefaultOnTimeout approval.Option
}

// DefaultHumanInLoopConfig enables confirmation and review with a single
// guided retry, all gated on a five-minute human response window, failing
// closed on timeout.
func DefaultHumanInLoopConfig() HumanInLoopConfig {
	return HumanInLoopConfig{
		ConfirmBeforeExecution: true,
		ReviewBeforeReturn:     true,
		MaxGuidedRetries:       1,
		ConfirmationTimeout:    5 * time.Minute,
		EscalationTimeout:      5 * time.Minute,
		GuidanceTimeout:        5 * time.Minute,
		DefaultOnTimeout:       approval.OptionReject,
	}
}

// HumanInLoop wraps an Agent with human confirmation, guided retry, and
// escalation handling. It is itself an Agent, so wrappers compose.
type HumanInLoop struct {
	inner    Agent
	approval *approval.Manager
	hub      *callback.Hub
	cfg      HumanInLoopConfig
	logger   *zap.Logger
}

// Wrap decorates inner with human-in-loop gating. A nil logger falls back
// to a no-op logger.
func Wrap(inner Agent, approvalMgr *approval.Manager, hub *callback.Hub, cfg HumanInLoopConfig, logger *zap.Logger) *HumanInLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HumanInLoop{
		inner:    inner,
		approval: approvalMgr,
		hub:      hub,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "human_in_loop")),
	}
}

func (h *HumanInLoop) Name() string { return h.inner.Name() }

// Execute runs: [confirm] -> execute (retrying with human guidance on
// failure, resolving terminally if the agent signals an Escalation) ->
// [review].
func (h *HumanInLoop) Execute(ctx context.Context, input string) (*AgentResponse, error) {
	if h.cfg.ConfirmBeforeExecution && h.approval != nil {
		action := approval.Action{Type: "execute agent task", Content: input, Metadata: map[string]any{"agent": h.inner.Name()}}
		result, err := h.approval.RequestApprovalResult(ctx, h.inner.Name(), action, h.cfg.ConfirmationTimeout, h.cfg.DefaultOnTimeout)
		if err != nil {
			return nil, err
		}
		switch result.Outcome {
		case approval.OutcomeModified:
			input = result.ModifiedContent
		case approval.OutcomeRejected, approval.OutcomeTimedOut:
			return nil, rterrors.New(rterrors.CodeRejected, "execution rejected by reviewer: "+result.Reason)
		}
	}

	resp, err := h.executeWithGuidance(ctx, input)
	if err != nil {
		return nil, err
	}

	if h.cfg.ReviewBeforeReturn && h.approval != nil {
		action := approval.Action{Type: "agent_review", Content: resp.Content, Metadata: map[string]any{"agent": h.inner.Name()}}
		result, err := h.approval.RequestApprovalResult(ctx, h.inner.Name(), action, h.cfg.ConfirmationTimeout, h.cfg.DefaultOnTimeout)
		if err != nil {
			return nil, err
		}
		switch result.Outcome {
		case approval.OutcomeModified:
			resp.Content = result.ModifiedContent
		case approval.OutcomeRejected, approval.OutcomeTimedOut:
			return nil, rterrors.New(rterrors.CodeRejected, "result rejected on review: "+result.Reason)
		}
	}

	return resp, nil
}

func (h *HumanInLoop) executeWithGuidance(ctx context.Context, input string) (*AgentResponse, error) {
	attempt := 0
	current := input
	for {
		resp, err := h.inner.Execute(ctx, current)
		if err == nil {
			return resp, nil
		}

		if esc, ok := rterrors.AsEscalation(err); ok && h.hub != nil {
			return h.resolveEscalation(ctx, esc)
		}

		if rterrors.IsCancelled(err) {
			return nil, err
		}

		if attempt >= h.cfg.MaxGuidedRetries || h.hub == nil {
			if h.hub == nil {
				return nil, err
			}
			// Retries are spent; hand the failure to a human as an
			// escalation instead of surfacing the raw error.
			esc := rterrors.NewEscalation(rterrors.EscalationDetail{
				Reason:      fmt.Sprintf("agent %s failed after %d guided attempts", h.inner.Name(), attempt+1),
				Description: err.Error(),
			})
			return h.resolveEscalation(ctx, esc)
		}

		guidance, guidanceErr := h.hub.FreeformInput.Create(ctx, callback.FreeformInputPayload{
			AgentID: h.inner.Name(),
			Prompt:  fmt.Sprintf("agent %s failed: %v. How should it proceed?", h.inner.Name(), err),
		}, h.cfg.GuidanceTimeout)
		if guidanceErr != nil {
			return nil, err
		}
		if strings.EqualFold(strings.TrimSpace(guidance), "abort") {
			return nil, rterrors.New(rterrors.CodeCancelled, "aborted on operator guidance")
		}

		attempt++
		current = fmt.Sprintf("%s\n\n[guidance: %s]", input, guidance)
	}
}

// resolveEscalation blocks on a human resolving an escalated failure and
// maps the outcome terminally: Resolved becomes a successful response
// carrying the resolution text, Skipped becomes a successful "skipped"
// response, and Aborted becomes a failure. None of the three retries the
// inner agent.
func (h *HumanInLoop) resolveEscalation(ctx context.Context, esc *rterrors.Escalation) (*AgentResponse, error) {
	resolution, err := h.hub.Escalations.Create(ctx, callback.EscalationPayload{
		AgentID: h.inner.Name(),
		Reason:  esc.Detail.Reason,
		Detail:  esc.Detail.Context,
	}, h.cfg.EscalationTimeout)
	if err != nil {
		return nil, err
	}

	switch resolution.Outcome {
	case callback.EscalationResolved:
		return &AgentResponse{Content: resolution.Resolution}, nil
	case callback.EscalationSkipped:
		return &AgentResponse{Content: "skipped"}, nil
	default: // callback.EscalationAborted
		return nil, rterrors.New(rterrors.CodeCancelled, "aborted by reviewer during escalation")
	}
}
