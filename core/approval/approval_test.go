package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rterrors "github.com/coreflow/agentrt/core/errors"
)

func TestClassifier_DefaultClassifiesByKeyword(t *testing.T) {
	c := DefaultClassifier()
	assert.Equal(t, RiskCritical, c.Classify(Action{Type: "delete_file", Content: "remove it"}))
	assert.Equal(t, RiskHigh, c.Classify(Action{Type: "transfer_funds"}))
	assert.Equal(t, RiskMedium, c.Classify(Action{Type: "update_record"}))
	assert.Equal(t, RiskMedium, c.Classify(Action{Type: "read_file"}), "unmatched actions default to medium, not low")
}

func TestClassifier_MostSevereKeywordWins(t *testing.T) {
	c := DefaultClassifier()
	risk := c.Classify(Action{Content: "update then delete the record"})
	assert.Equal(t, RiskCritical, risk)
}

func TestClassifier_ElevateIfOverridesBaseline(t *testing.T) {
	c := &Classifier{
		Keywords: map[Risk][]string{RiskMedium: {"write"}},
		ElevateIf: func(baseline Risk, action Action) Risk {
			if action.Metadata["environment"] == "production" {
				return RiskCritical
			}
			return baseline
		},
	}
	risk := c.Classify(Action{Type: "write", Metadata: map[string]any{"environment": "production"}})
	assert.Equal(t, RiskCritical, risk)
}

func TestThresholdPolicy_RequiresApprovalAtOrAboveThreshold(t *testing.T) {
	p := ThresholdPolicy{Threshold: RiskHigh}
	assert.False(t, p.RequiresApproval(RiskMedium, Action{}))
	assert.True(t, p.RequiresApproval(RiskHigh, Action{}))
	assert.True(t, p.RequiresApproval(RiskCritical, Action{}))
}

func TestInMemoryStore_SaveLoadUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	req := &ConfirmationRequest{ID: "r1", AgentID: "a1", Status: StatusPending}
	require.NoError(t, s.Save(ctx, req))

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AgentID)

	req.Status = StatusApproved
	require.NoError(t, s.Update(ctx, req))
	got, _ = s.Load(ctx, "r1")
	assert.Equal(t, StatusApproved, got.Status)
}

func TestInMemoryStore_LoadMissingReturnsError(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, rterrors.CodeConfiguration, rterrors.CodeOf(err))
}

func TestInMemoryStore_ListFiltersByAgentAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	require.NoError(t, s.Save(ctx, &ConfirmationRequest{ID: "1", AgentID: "a", Status: StatusPending}))
	require.NoError(t, s.Save(ctx, &ConfirmationRequest{ID: "2", AgentID: "a", Status: StatusApproved}))
	require.NoError(t, s.Save(ctx, &ConfirmationRequest{ID: "3", AgentID: "b", Status: StatusPending}))

	got, err := s.List(ctx, "a", StatusPending)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestManager_RequestApprovalResolvedByRespondTo(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	var wg sync.WaitGroup
	var result *Result
	var resultErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, resultErr = m.RequestApproval(context.Background(), "agent-1", Action{Type: "write"}, time.Second)
	}()

	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	pending := m.GetPending("")
	require.Len(t, pending, 1)

	require.NoError(t, m.RespondTo(context.Background(), pending[0].ID, &Result{Approved: true}))
	wg.Wait()

	require.NoError(t, resultErr)
	require.NotNil(t, result)
	assert.True(t, result.Approved)
	assert.Empty(t, m.GetPending(""))
}

func TestManager_RequestApprovalTimesOut(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	result, err := m.RequestApproval(context.Background(), "agent-1", Action{Type: "write"}, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, rterrors.CodeTimedOut, rterrors.CodeOf(err))
	require.NotNil(t, result)
	assert.False(t, result.Approved)
	assert.Empty(t, m.GetPending(""))
}

func TestManager_RequestApprovalCancelled(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	var resultErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, resultErr = m.RequestApproval(ctx, "agent-1", Action{Type: "write"}, time.Minute)
	}()

	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	cancel()
	wg.Wait()

	require.Error(t, resultErr)
	assert.Equal(t, rterrors.CodeCancelled, rterrors.CodeOf(resultErr))
}

func TestManager_RespondToUnknownRequestFails(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)
	err := m.RespondTo(context.Background(), "nonexistent", &Result{Approved: true})
	require.Error(t, err)
}

func TestManager_DoubleRespondFailsSecondTime(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	go m.RequestApproval(context.Background(), "agent-1", Action{Type: "write"}, time.Second)
	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	pending := m.GetPending("")

	require.NoError(t, m.RespondTo(context.Background(), pending[0].ID, &Result{Approved: true}))
	err := m.RespondTo(context.Background(), pending[0].ID, &Result{Approved: true})
	assert.Error(t, err, "a request already resolved cannot be responded to twice")
}

func TestManager_CancelUnblocksRequestApproval(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	var wg sync.WaitGroup
	var result *Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		result, _ = m.RequestApproval(context.Background(), "agent-1", Action{Type: "write"}, time.Minute)
	}()

	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	pending := m.GetPending("")
	require.NoError(t, m.Cancel(pending[0].ID))
	wg.Wait()

	require.NotNil(t, result)
	assert.False(t, result.Approved)
}

func TestManager_RequiresApprovalDelegatesToPolicy(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskHigh}, nil, nil, nil)
	assert.False(t, m.RequiresApproval(Action{Type: "read_file"}))
	assert.True(t, m.RequiresApproval(Action{Type: "delete_everything"}))
}

type notifyRecorder struct {
	mu    sync.Mutex
	count int
}

func (n *notifyRecorder) Notify(_ context.Context, _ *ConfirmationRequest) {
	n.mu.Lock()
	n.count++
	n.mu.Unlock()
}

func TestManager_RequestApprovalResultAutoApprovesBelowThreshold(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskHigh}, nil, nil, nil)

	result, err := m.RequestApprovalResult(context.Background(), "agent-1", Action{Type: "read_file"}, time.Second, OptionReject)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoApproved, result.Outcome)
	assert.True(t, result.IsApproved())
	assert.Empty(t, m.GetPending(""))
}

func TestManager_RequestApprovalResultModifiedOutcome(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	var result *ApprovalResult
	var resultErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, resultErr = m.RequestApprovalResult(context.Background(), "agent-1", Action{Type: "write", Content: "orig"}, time.Second, OptionReject)
	}()

	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	pending := m.GetPending("")
	require.NoError(t, m.RespondTo(context.Background(), pending[0].ID, &Result{Approved: true, Modified: true, ModifiedContent: "edited"}))
	<-done

	require.NoError(t, resultErr)
	assert.Equal(t, OutcomeModified, result.Outcome)
	assert.Equal(t, "edited", result.ModifiedContent)
	assert.True(t, result.IsApproved())
}

func TestManager_RequestApprovalResultRejected(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	var result *ApprovalResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, _ = m.RequestApprovalResult(context.Background(), "agent-1", Action{Type: "write"}, time.Second, OptionReject)
	}()

	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	pending := m.GetPending("")
	require.NoError(t, m.RespondTo(context.Background(), pending[0].ID, &Result{Approved: false, Reason: "no"}))
	<-done

	require.NotNil(t, result)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.False(t, result.IsApproved())
}

func TestManager_RequestApprovalResultTimeoutDefaultsPerOption(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	result, err := m.RequestApprovalResult(context.Background(), "agent-1", Action{Type: "write"}, 20*time.Millisecond, OptionReject)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, result.Outcome)
	assert.False(t, result.IsApproved())

	result, err = m.RequestApprovalResult(context.Background(), "agent-1", Action{Type: "write"}, 20*time.Millisecond, OptionApprove)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, result.Outcome)
	assert.True(t, result.IsApproved())
}

func TestManager_RequestMultiApprovalRequiresAllGrants(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	var result *ApprovalResult
	var resultErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, resultErr = m.RequestMultiApproval(context.Background(), "agent-1", Action{Type: "write"}, 2, time.Second, OptionReject)
	}()

	reviewers := []string{"alice", "bob"}
	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
		pending := m.GetPending("")
		require.NoError(t, m.RespondTo(context.Background(), pending[0].ID, &Result{Approved: true, RespondedBy: reviewers[i]}))
	}
	<-done

	require.NoError(t, resultErr)
	assert.Equal(t, OutcomeApproved, result.Outcome)
	assert.Equal(t, []string{"alice", "bob"}, result.Approvers)
	assert.Empty(t, result.Rejectors)
}

func TestManager_RequestMultiApprovalFailsOnSingleRejection(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	var result *ApprovalResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, _ = m.RequestMultiApproval(context.Background(), "agent-1", Action{Type: "write"}, 2, time.Second, OptionReject)
	}()

	// Every sub-approval still runs after the rejection, so both reviewers
	// are asked and the result names each side of the decision.
	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.RespondTo(context.Background(), m.GetPending("")[0].ID, &Result{Approved: false, RespondedBy: "alice"}))

	require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, m.RespondTo(context.Background(), m.GetPending("")[0].ID, &Result{Approved: true, RespondedBy: "bob"}))
	<-done

	require.NotNil(t, result)
	assert.False(t, result.IsApproved())
	assert.Equal(t, OutcomeRejected, result.Outcome)
	assert.Equal(t, []string{"alice"}, result.Rejectors)
	assert.Equal(t, []string{"bob"}, result.Approvers)
}

func TestManager_RequestMultiApprovalAnonymousReviewersGetPositionalNames(t *testing.T) {
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, nil, nil)

	var result *ApprovalResult
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, _ = m.RequestMultiApproval(context.Background(), "agent-1", Action{Type: "write"}, 2, time.Second, OptionReject)
	}()

	for i := 0; i < 2; i++ {
		require.Eventually(t, func() bool { return len(m.GetPending("")) == 1 }, time.Second, time.Millisecond)
		require.NoError(t, m.RespondTo(context.Background(), m.GetPending("")[0].ID, &Result{Approved: i == 0}))
	}
	<-done

	require.NotNil(t, result)
	assert.Equal(t, []string{"approver-1"}, result.Approvers)
	assert.Equal(t, []string{"approver-2"}, result.Rejectors)
}

func TestManager_NotifierInvokedOnDispatch(t *testing.T) {
	rec := &notifyRecorder{}
	m := NewManager(DefaultClassifier(), ThresholdPolicy{Threshold: RiskLow}, nil, rec, nil)

	go m.RequestApproval(context.Background(), "agent-1", Action{Type: "write"}, time.Second)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.count == 1
	}, time.Second, time.Millisecond)
}

func TestDefaultElevation_MetadataRules(t *testing.T) {
	c := DefaultClassifier()

	assert.Equal(t, RiskCritical, c.Classify(Action{
		Type:     "update_config",
		Metadata: map[string]any{"environment": "Production"},
	}), "production environment elevates to critical")

	assert.Equal(t, RiskHigh, c.Classify(Action{
		Type:     "read_balance",
		Metadata: map[string]any{"amount": float64(50000)},
	}), "amounts over 10000 elevate to at least high")

	assert.Equal(t, RiskLow, c.Classify(Action{
		Type:     "delete_everything",
		Metadata: map[string]any{"riskLevel": "low"},
	}), "an explicit riskLevel override wins over keywords")
}
