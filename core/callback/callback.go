// Package callback implements the async handoff to a human or external
// system: a caller creates a pending request, some other goroutine resolves
// or cancels it by ID, and the creator's call returns the moment that
// happens (or the request's timeout expires). A generic pending table
// (pending map, buffered single-assignment response channel,
// context-timeout select) serves all three request kinds — confirmation,
// escalation, freeform input — instead of three copies of the same state
// machine. The table is
// parameterized separately over the payload type P (what is being asked)
// and the result type R (how it is answered), since escalation answers
// carry a richer shape than a confirmation's payload.
package callback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	rterrors "github.com/coreflow/agentrt/core/errors"
)

// RequestStatus is the lifecycle state of a pending request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusResolved  RequestStatus = "resolved"
	StatusTimedOut  RequestStatus = "timed_out"
	StatusCancelled RequestStatus = "cancelled"
)

// Request is one entry of a PendingTable[P, R].
type Request[P any, R any] struct {
	ID         string
	Status     RequestStatus
	CreatedAt  time.Time
	ResolvedAt time.Time
	Payload    P // caller-supplied context describing what is being asked

	result   R
	resultCh chan R
}

// PendingTable is a map of in-flight single-assignment promises keyed by
// request ID, each resolvable exactly once.
type PendingTable[P any, R any] struct {
	name   string
	logger *zap.Logger

	mu       sync.RWMutex
	entries  map[string]*Request[P, R]
	watchers []chan *Request[P, R]
}

// NewPendingTable creates an empty table. name is used only for logging.
func NewPendingTable[P any, R any](name string, logger *zap.Logger) *PendingTable[P, R] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingTable[P, R]{
		name:    name,
		logger:  logger.With(zap.String("component", "callback"), zap.String("table", name)),
		entries: make(map[string]*Request[P, R]),
	}
}

// Create registers a new request with payload and blocks until Resolve or
// Cancel is called for its ID, the request's timeout elapses, or ctx is
// cancelled. The returned error is nil only on a successful Resolve.
func (t *PendingTable[P, R]) Create(ctx context.Context, payload P, timeout time.Duration) (R, error) {
	req := &Request[P, R]{
		ID:        uuid.NewString(),
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Payload:   payload,
		resultCh:  make(chan R, 1),
	}

	t.mu.Lock()
	t.entries[req.ID] = req
	t.mu.Unlock()
	t.notifyWatchers(req)

	t.logger.Debug("pending request created", zap.String("request_id", req.ID))

	var zero R
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}

	select {
	case result := <-req.resultCh:
		t.mu.RLock()
		cancelled := req.Status == StatusCancelled
		t.mu.RUnlock()
		if cancelled {
			return zero, rterrors.New(rterrors.CodeCancelled, t.name+" request cancelled: "+req.ID)
		}
		return result, nil
	case <-time.After(timeout):
		t.mu.Lock()
		if req.Status == StatusPending {
			req.Status = StatusTimedOut
			req.ResolvedAt = time.Now()
		}
		delete(t.entries, req.ID)
		t.mu.Unlock()
		t.logger.Warn("pending request timed out", zap.String("request_id", req.ID))
		return zero, rterrors.New(rterrors.CodeTimedOut, t.name+" request timed out: "+req.ID)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.entries, req.ID)
		t.mu.Unlock()
		return zero, rterrors.New(rterrors.CodeCancelled, t.name+" request cancelled").WithCause(ctx.Err())
	}
}

// CreateID is like Create but lets the caller supply the request ID
// up-front (e.g. one already handed to an external system), returning it
// immediately instead of blocking. Pair with Resolve/Cancel and a separate
// Await call.
func (t *PendingTable[P, R]) CreateID(id string, payload P) *Request[P, R] {
	req := &Request[P, R]{
		ID:        id,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Payload:   payload,
		resultCh:  make(chan R, 1),
	}
	t.mu.Lock()
	t.entries[id] = req
	t.mu.Unlock()
	t.notifyWatchers(req)
	return req
}

// Watch registers an observer of newly created requests, for delivery to a
// UI, API, or chat surface. A watcher that falls behind misses requests
// rather than blocking creators; size the buffer accordingly.
func (t *PendingTable[P, R]) Watch(buffer int) <-chan *Request[P, R] {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan *Request[P, R], buffer)
	t.mu.Lock()
	t.watchers = append(t.watchers, ch)
	t.mu.Unlock()
	return ch
}

func (t *PendingTable[P, R]) notifyWatchers(req *Request[P, R]) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.watchers {
		select {
		case ch <- req:
		default:
			t.logger.Warn("watcher buffer full, dropping notification", zap.String("request_id", req.ID))
		}
	}
}

// Await blocks on a Request previously returned by CreateID.
func (t *PendingTable[P, R]) Await(ctx context.Context, req *Request[P, R], timeout time.Duration) (R, error) {
	var zero R
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	select {
	case result := <-req.resultCh:
		t.mu.RLock()
		cancelled := req.Status == StatusCancelled
		t.mu.RUnlock()
		if cancelled {
			return zero, rterrors.New(rterrors.CodeCancelled, t.name+" request cancelled: "+req.ID)
		}
		return result, nil
	case <-time.After(timeout):
		t.mu.Lock()
		if req.Status == StatusPending {
			req.Status = StatusTimedOut
			req.ResolvedAt = time.Now()
		}
		delete(t.entries, req.ID)
		t.mu.Unlock()
		return zero, rterrors.New(rterrors.CodeTimedOut, t.name+" request timed out: "+req.ID)
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.entries, req.ID)
		t.mu.Unlock()
		return zero, rterrors.New(rterrors.CodeCancelled, t.name+" request cancelled").WithCause(ctx.Err())
	}
}

// Resolve delivers result to the request's creator exactly once. It is a
// no-op error (not a panic) to resolve a request that has already been
// resolved, cancelled, or timed out.
func (t *PendingTable[P, R]) Resolve(id string, result R) error {
	t.mu.Lock()
	req, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, t.name+" request not found or already resolved: "+id)
	}
	if req.Status != StatusPending {
		t.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, t.name+" request is no longer pending: "+id)
	}
	req.Status = StatusResolved
	req.ResolvedAt = time.Now()
	req.result = result
	delete(t.entries, id)
	t.mu.Unlock()

	select {
	case req.resultCh <- result:
	default:
		t.logger.Warn("result channel already delivered", zap.String("request_id", id))
	}
	return nil
}

// Cancel marks a pending request cancelled and unblocks its waiter with the
// zero value of R and an error.
func (t *PendingTable[P, R]) Cancel(id string) error {
	t.mu.Lock()
	req, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, t.name+" request not found: "+id)
	}
	if req.Status != StatusPending {
		t.mu.Unlock()
		return rterrors.New(rterrors.CodeConfiguration, t.name+" request is no longer pending: "+id)
	}
	req.Status = StatusCancelled
	req.ResolvedAt = time.Now()
	delete(t.entries, id)
	t.mu.Unlock()

	var zero R
	select {
	case req.resultCh <- zero:
	default:
	}
	return nil
}

// Pending returns a snapshot of currently outstanding requests.
func (t *PendingTable[P, R]) Pending() []*Request[P, R] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Request[P, R], 0, len(t.entries))
	for _, req := range t.entries {
		out = append(out, req)
	}
	return out
}

// ---------------------------------------------------------------------
// The three concrete pending-request tables the runtime needs.
// ---------------------------------------------------------------------

// ConfirmationPayload describes a yes/no confirmation awaiting a human.
type ConfirmationPayload struct {
	AgentID string
	Prompt  string
}

// EscalationPayload describes an escalation awaiting human resolution.
type EscalationPayload struct {
	AgentID string
	Reason  string
	Detail  map[string]any
}

// FreeformInputPayload describes an open-ended input request awaiting a
// human's typed response.
type FreeformInputPayload struct {
	AgentID string
	Prompt  string
}

// EscalationOutcome is the tagged variant of how an escalation was settled.
type EscalationOutcome string

const (
	// EscalationResolved carries a concrete Resolution the escalating
	// agent should adopt as its final answer.
	EscalationResolved EscalationOutcome = "resolved"
	// EscalationSkipped means the human chose to skip the escalated step
	// entirely; the agent should treat it as a no-op success.
	EscalationSkipped EscalationOutcome = "skipped"
	// EscalationAborted means the human chose to abort the run.
	EscalationAborted EscalationOutcome = "aborted"
)

// EscalationResolution is the result type of the Escalations table: one of
// Resolved (with Resolution text), Skipped, or Aborted.
type EscalationResolution struct {
	Outcome    EscalationOutcome
	Resolution string
}

// Hub bundles the three pending-request tables a human-in-the-loop agent
// wrapper needs: confirmations, escalations, and freeform inputs.
type Hub struct {
	Confirmations *PendingTable[ConfirmationPayload, bool]
	Escalations   *PendingTable[EscalationPayload, EscalationResolution]
	FreeformInput *PendingTable[FreeformInputPayload, string]
}

// NewHub creates the three tables with a shared logger.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		Confirmations: NewPendingTable[ConfirmationPayload, bool]("confirmation", logger),
		Escalations:   NewPendingTable[EscalationPayload, EscalationResolution]("escalation", logger),
		FreeformInput: NewPendingTable[FreeformInputPayload, string]("freeform_input", logger),
	}
}
