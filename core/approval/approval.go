// Package approval classifies an agent action's risk, decides whether it
// needs a human sign-off, and dispatches/collects that sign-off through a
// pending-request map with a buffered response channel and a
// timeout/cancel select.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	rterrors "github.com/coreflow/agentrt/core/errors"
)

// Risk is the classified severity of a proposed action.
type Risk string

const (
	RiskLow      Risk = "low"
	RiskMedium   Risk = "medium"
	RiskHigh     Risk = "high"
	RiskCritical Risk = "critical"
)

var riskOrder = map[Risk]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2, RiskCritical: 3}

// atLeast reports whether r is at least as severe as other.
func (r Risk) atLeast(other Risk) bool { return riskOrder[r] >= riskOrder[other] }

// Action is the proposed operation being classified and, potentially,
// confirmed.
type Action struct {
	Type     string
	Content  string
	Metadata map[string]any
}

// Classifier assigns a Risk to an Action via keyword matching against
// Content/Type, then elevates it if Metadata trips an elevation rule.
type Classifier struct {
	// Keywords maps a risk level to substrings (case-insensitive) that, if
	// present in Action.Content or Action.Type, classify the action at
	// that level or higher. Checked from RiskCritical down to RiskMedium so
	// the most severe match wins; RiskLow entries are not consulted, since
	// an action with no match already defaults to RiskMedium.
	Keywords map[Risk][]string
	// ElevateIf receives the baseline classification and the action's
	// metadata and returns an elevated Risk (or the input unchanged).
	ElevateIf func(baseline Risk, action Action) Risk
}

// DefaultClassifier matches the kind of keyword set a production agent
// runtime ships with: destructive verbs at Critical, data-mutating verbs at
// High, read-modifying verbs at Medium.
func DefaultClassifier() *Classifier {
	return &Classifier{
		Keywords: map[Risk][]string{
			RiskCritical: {"delete", "drop", "destroy", "wipe", "format"},
			RiskHigh:     {"transfer", "payment", "charge", "send_money", "deploy"},
			RiskMedium:   {"update", "write", "modify", "create"},
		},
		ElevateIf: DefaultElevation,
	}
}

// DefaultElevation elevates the baseline classification from the action's
// metadata: an explicit "riskLevel" entry overrides everything, actions
// against a production environment are Critical, and monetary amounts over
// 10000 are at least High.
func DefaultElevation(baseline Risk, action Action) Risk {
	if override, ok := action.Metadata["riskLevel"]; ok {
		if r, ok := override.(Risk); ok {
			return r
		}
		if s, ok := override.(string); ok {
			if _, known := riskOrder[Risk(s)]; known {
				return Risk(s)
			}
		}
	}
	if env, ok := action.Metadata["environment"].(string); ok && strings.EqualFold(env, "production") {
		return RiskCritical
	}
	if amount, ok := action.Metadata["amount"].(float64); ok && amount > 10000 {
		if !baseline.atLeast(RiskHigh) {
			return RiskHigh
		}
	}
	return baseline
}

// Classify returns the highest-severity keyword match, defaulting to
// RiskMedium for actions that match no keyword, then applies ElevateIf if
// set.
func (c *Classifier) Classify(action Action) Risk {
	baseline := RiskMedium
	haystack := strings.ToLower(action.Type + " " + action.Content)

	for _, level := range []Risk{RiskCritical, RiskHigh, RiskMedium} {
		for _, kw := range c.Keywords[level] {
			if strings.Contains(haystack, strings.ToLower(kw)) {
				baseline = level
				goto matched
			}
		}
	}
matched:
	if c.ElevateIf != nil {
		return c.ElevateIf(baseline, action)
	}
	return baseline
}

// Policy decides whether a classified action needs human confirmation.
type Policy interface {
	RequiresApproval(risk Risk, action Action) bool
}

// ThresholdPolicy requires approval whenever the classified risk meets or
// exceeds Threshold.
type ThresholdPolicy struct {
	Threshold Risk
}

func (p ThresholdPolicy) RequiresApproval(risk Risk, _ Action) bool {
	return risk.atLeast(p.Threshold)
}

// Status is the lifecycle state of a ConfirmationRequest.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// ConfirmationRequest is dispatched to a human reviewer and resolved by
// exactly one of RespondTo/Cancel/an expired Timeout.
type ConfirmationRequest struct {
	ID          string
	AgentID     string
	Risk        Risk
	Action      Action
	Status      Status
	RequestedAt time.Time
	RespondedAt time.Time
	Result      *Result
	Timeout     time.Duration

	responseCh chan *Result
}

// Result is a human reviewer's answer to a ConfirmationRequest.
type Result struct {
	Approved bool
	Reason   string
	Feedback string
	// RespondedBy identifies the reviewer, when the responding surface
	// knows it.
	RespondedBy string
	// Modified and ModifiedContent carry the "edit" option: the reviewer
	// approved the action but replaced its content with ModifiedContent.
	Modified        bool
	ModifiedContent string
}

// Option is the choice a human reviewer makes when resolving a request.
type Option string

const (
	OptionApprove Option = "approve"
	OptionReject  Option = "reject"
	OptionModify  Option = "modify"
)

// ApprovalOutcome is the tagged variant of how a RequestApprovalResult call
// concluded.
type ApprovalOutcome string

const (
	OutcomeApproved     ApprovalOutcome = "approved"
	OutcomeRejected     ApprovalOutcome = "rejected"
	OutcomeModified     ApprovalOutcome = "modified"
	OutcomeTimedOut     ApprovalOutcome = "timed_out"
	OutcomeAutoApproved ApprovalOutcome = "auto_approved"
)

// ApprovalResult is the outcome of RequestApprovalResult/RequestMultiApproval:
// exactly one of Approved, Rejected, Modified, TimedOut or AutoApproved,
// tagged by Outcome.
type ApprovalResult struct {
	Outcome ApprovalOutcome
	Action  Action
	// Actor identifies who/what produced this outcome: the agent ID for
	// AutoApproved, otherwise whatever RespondTo's caller is.
	Actor string
	// ModifiedContent is set only when Outcome is OutcomeModified.
	ModifiedContent string
	Reason          string
	// Approvers and Rejectors summarize a RequestMultiApproval run: one
	// entry per sub-approval, naming who granted or denied it.
	Approvers []string
	Rejectors []string
}

// IsApproved reports whether the action may proceed: approved, modified, or
// auto-approved all count; rejected and timed-out do not.
func (r *ApprovalResult) IsApproved() bool {
	switch r.Outcome {
	case OutcomeApproved, OutcomeModified, OutcomeAutoApproved:
		return true
	default:
		return false
	}
}

// Store persists confirmation requests for audit/listing purposes.
type Store interface {
	Save(ctx context.Context, req *ConfirmationRequest) error
	Load(ctx context.Context, id string) (*ConfirmationRequest, error)
	Update(ctx context.Context, req *ConfirmationRequest) error
	List(ctx context.Context, agentID string, status Status) ([]*ConfirmationRequest, error)
}

// InMemoryStore is a Store backed by a map; sufficient for single-process
// deployments and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*ConfirmationRequest
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[string]*ConfirmationRequest)}
}

func (s *InMemoryStore) Save(_ context.Context, req *ConfirmationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, id string) (*ConfirmationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, rterrors.New(rterrors.CodeConfiguration, "confirmation request not found: "+id)
	}
	return req, nil
}

func (s *InMemoryStore) Update(_ context.Context, req *ConfirmationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
	return nil
}

func (s *InMemoryStore) List(_ context.Context, agentID string, status Status) ([]*ConfirmationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ConfirmationRequest, 0)
	for _, req := range s.requests {
		if (agentID == "" || req.AgentID == agentID) && (status == "" || req.Status == status) {
			out = append(out, req)
		}
	}
	return out, nil
}

// Notifier is told about new confirmation requests so an external UI/chat
// surface can present them to a human. It is optional: a nil Notifier
// leaves delivery to whatever polls the Store/GetPending.
type Notifier interface {
	Notify(ctx context.Context, req *ConfirmationRequest)
}

// Manager classifies actions, applies Policy, and dispatches/collects
// ConfirmationRequests. Mirrors a pending-request-map +
// buffered-channel single-assignment promise pattern.
type Manager struct {
	classifier *Classifier
	policy     Policy
	store      Store
	notifier   Notifier
	logger     *zap.Logger

	mu      sync.RWMutex
	pending map[string]*ConfirmationRequest
}

// NewManager creates a Manager. A nil store defaults to NewInMemoryStore; a
// nil logger falls back to a no-op logger.
func NewManager(classifier *Classifier, policy Policy, store Store, notifier Notifier, logger *zap.Logger) *Manager {
	if classifier == nil {
		classifier = DefaultClassifier()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		classifier: classifier,
		policy:     policy,
		store:      store,
		notifier:   notifier,
		logger:     logger.With(zap.String("component", "approval")),
		pending:    make(map[string]*ConfirmationRequest),
	}
}

// Classify exposes the classifier's verdict without dispatching a request,
// for callers that need to decide whether to call RequestApproval at all.
func (m *Manager) Classify(action Action) Risk { return m.classifier.Classify(action) }

// RequiresApproval reports whether action, at its classified risk, needs a
// ConfirmationRequest under the configured Policy.
func (m *Manager) RequiresApproval(action Action) bool {
	risk := m.classifier.Classify(action)
	return m.policy.RequiresApproval(risk, action)
}

// RequestApproval classifies action, dispatches a ConfirmationRequest, and
// blocks until a human responds, the request times out, or ctx is
// cancelled.
func (m *Manager) RequestApproval(ctx context.Context, agentID string, action Action, timeout time.Duration) (*Result, error) {
	risk := m.classifier.Classify(action)

	req := &ConfirmationRequest{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Risk:        risk,
		Action:      action,
		Status:      StatusPending,
		RequestedAt: time.Now(),
		Timeout:     timeout,
		responseCh:  make(chan *Result, 1),
	}

	m.logger.Info("requesting approval", zap.String("request_id", req.ID), zap.String("agent_id", agentID), zap.String("risk", string(risk)))

	if err := m.store.Save(ctx, req); err != nil {
		return nil, rterrors.New(rterrors.CodeConfiguration, "failed to save confirmation request").WithCause(err)
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	m.mu.Unlock()

	if m.notifier != nil {
		m.notifier.Notify(ctx, req)
	}

	select {
	case result := <-req.responseCh:
		return result, nil
	case <-time.After(timeout):
		m.mu.Lock()
		req.Status = StatusTimedOut
		delete(m.pending, req.ID)
		m.mu.Unlock()
		m.store.Update(ctx, req)
		m.logger.Warn("approval timed out", zap.String("request_id", req.ID))
		return &Result{Approved: false, Reason: "timeout"}, rterrors.New(rterrors.CodeTimedOut, "approval request timed out")
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
		return nil, rterrors.New(rterrors.CodeCancelled, "approval request cancelled").WithCause(ctx.Err())
	}
}

// RespondTo delivers a human decision to a pending request, waking its
// RequestApproval call.
func (m *Manager) RespondTo(ctx context.Context, requestID string, result *Result) error {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, "confirmation request not found or already resolved: "+requestID)
	}
	if req.Status != StatusPending {
		m.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, "confirmation request is no longer pending: "+requestID)
	}

	req.Result = result
	req.RespondedAt = time.Now()
	if result.Approved {
		req.Status = StatusApproved
	} else {
		req.Status = StatusRejected
	}
	delete(m.pending, requestID)
	m.mu.Unlock()

	if err := m.store.Update(ctx, req); err != nil {
		return rterrors.New(rterrors.CodeConfiguration, "failed to update confirmation request").WithCause(err)
	}

	select {
	case req.responseCh <- result:
	default:
		m.logger.Warn("response channel already delivered or closed", zap.String("request_id", requestID))
	}
	return nil
}

// Cancel resolves a pending request as cancelled, unblocking its
// RequestApproval call with a rejected Result.
func (m *Manager) Cancel(requestID string) error {
	m.mu.Lock()
	req, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, "confirmation request not found: "+requestID)
	}
	if req.Status != StatusPending {
		m.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, "confirmation request is no longer pending: "+requestID)
	}
	req.Status = StatusCancelled
	delete(m.pending, requestID)
	m.mu.Unlock()

	select {
	case req.responseCh <- &Result{Approved: false, Reason: "cancelled"}:
	default:
	}
	return nil
}

// RequestApprovalResult is the entry point callers outside this package
// should use: it checks Policy first (auto-approving when the classified
// risk does not require sign-off), otherwise dispatches through
// RequestApproval and maps the low-level Result onto the ApprovalResult
// tagged variant. defaultOnTimeout decides whether a timeout counts as a
// rejection or an approval when the caller wants to fail open.
func (m *Manager) RequestApprovalResult(ctx context.Context, agentID string, action Action, timeout time.Duration, defaultOnTimeout Option) (*ApprovalResult, error) {
	risk := m.classifier.Classify(action)
	if !m.policy.RequiresApproval(risk, action) {
		return &ApprovalResult{Outcome: OutcomeAutoApproved, Action: action, Actor: agentID, Reason: "policy did not require approval for risk " + string(risk)}, nil
	}

	result, err := m.RequestApproval(ctx, agentID, action, timeout)
	if err != nil {
		if rterrors.CodeOf(err) == rterrors.CodeTimedOut {
			if defaultOnTimeout == OptionApprove {
				return &ApprovalResult{Outcome: OutcomeApproved, Action: action, Reason: "approved by default on timeout"}, nil
			}
			return &ApprovalResult{Outcome: OutcomeTimedOut, Action: action, Reason: "approval request timed out"}, nil
		}
		return nil, err
	}

	switch {
	case result.Modified:
		return &ApprovalResult{Outcome: OutcomeModified, Action: action, Actor: result.RespondedBy, ModifiedContent: result.ModifiedContent, Reason: result.Reason}, nil
	case result.Approved:
		return &ApprovalResult{Outcome: OutcomeApproved, Action: action, Actor: result.RespondedBy, Reason: result.Reason}, nil
	default:
		return &ApprovalResult{Outcome: OutcomeRejected, Action: action, Actor: result.RespondedBy, Reason: result.Reason}, nil
	}
}

// RequestMultiApproval requires n independent approvals (e.g. dual control
// over a critical action) before the action counts as approved. Every
// sub-approval runs even after a rejection, so a rejected result carries
// the full approver/rejector breakdown rather than just the first denial.
func (m *Manager) RequestMultiApproval(ctx context.Context, agentID string, action Action, n int, timeout time.Duration, defaultOnTimeout Option) (*ApprovalResult, error) {
	if n <= 0 {
		return &ApprovalResult{Outcome: OutcomeAutoApproved, Action: action, Actor: agentID, Reason: "zero approvals required"}, nil
	}

	approvers := make([]string, 0, n)
	rejectors := make([]string, 0, n)
	for i := 0; i < n; i++ {
		result, err := m.RequestApprovalResult(ctx, agentID, action, timeout, defaultOnTimeout)
		if err != nil {
			return nil, err
		}
		if result.Outcome == OutcomeAutoApproved {
			// Policy doesn't require approval at all; no point asking n times.
			return result, nil
		}
		actor := result.Actor
		if actor == "" {
			actor = fmt.Sprintf("approver-%d", i+1)
		}
		if result.IsApproved() {
			approvers = append(approvers, actor)
		} else {
			rejectors = append(rejectors, actor)
		}
	}

	if len(rejectors) > 0 {
		return &ApprovalResult{
			Outcome:   OutcomeRejected,
			Action:    action,
			Approvers: approvers,
			Rejectors: rejectors,
			Reason:    fmt.Sprintf("%d of %d approvals granted, %d rejected", len(approvers), n, len(rejectors)),
		}, nil
	}
	return &ApprovalResult{
		Outcome:   OutcomeApproved,
		Action:    action,
		Approvers: approvers,
		Reason:    fmt.Sprintf("%d of %d approvals granted", n, n),
	}, nil
}

// GetPending returns currently outstanding requests, optionally filtered by
// agentID (empty string matches all).
func (m *Manager) GetPending(agentID string) []*ConfirmationRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ConfirmationRequest, 0)
	for _, req := range m.pending {
		if agentID == "" || req.AgentID == agentID {
			out = append(out, req)
		}
	}
	return out
}
