// Package usage records an append-only log of token consumption per
// request, queryable by source, session, or model, with atomically
// maintained running totals that a scoped Reset rebuilds consistently.
package usage

import (
	"sync"
	"sync/atomic"
	"time"
)

// Record is one logged invocation.
type Record struct {
	Timestamp        time.Time
	Source           string
	SessionID        string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	Cost             float64
}

// TotalTokens is PromptTokens + CompletionTokens.
func (r Record) TotalTokens() int { return r.PromptTokens + r.CompletionTokens }

// Totals is a running aggregate. Each field is read and written atomically;
// Log.Totals loads the three fields one at a time, so a reader concurrent
// with Append can see one field updated before another.
type Totals struct {
	PromptTokens     int64
	CompletionTokens int64
	Cost             int64 // fixed-point, cost * costScale
}

const costScale = 1e6

// CostFloat converts the fixed-point running cost total back to float64.
func (t Totals) CostFloat() float64 { return float64(t.Cost) / costScale }

// Log is an append-only usage ledger with atomically maintained running
// totals and filtered query projection.
type Log struct {
	mu      sync.RWMutex
	records []Record

	totalPrompt     int64
	totalCompletion int64
	totalCostFixed  int64
}

// New creates an empty Log.
func New() *Log {
	return &Log{}
}

// Append records one invocation and updates the running totals atomically.
func (l *Log) Append(r Record) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.records = append(l.records, r)
	atomic.AddInt64(&l.totalPrompt, int64(r.PromptTokens))
	atomic.AddInt64(&l.totalCompletion, int64(r.CompletionTokens))
	atomic.AddInt64(&l.totalCostFixed, int64(r.Cost*costScale))
	l.mu.Unlock()
}

// Totals returns the current running totals without scanning the record
// list.
func (l *Log) Totals() Totals {
	return Totals{
		PromptTokens:     atomic.LoadInt64(&l.totalPrompt),
		CompletionTokens: atomic.LoadInt64(&l.totalCompletion),
		Cost:             atomic.LoadInt64(&l.totalCostFixed),
	}
}

// Query filters the log. A zero-value field in the filter matches anything.
type Query struct {
	Source    string
	SessionID string
	Model     string
	Provider  string
	Since     time.Time
}

// Find returns every record matching q, in append order.
func (l *Log) Find(q Query) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Record, 0)
	for _, r := range l.records {
		if q.Source != "" && r.Source != q.Source {
			continue
		}
		if q.SessionID != "" && r.SessionID != q.SessionID {
			continue
		}
		if q.Model != "" && r.Model != q.Model {
			continue
		}
		if q.Provider != "" && r.Provider != q.Provider {
			continue
		}
		if !q.Since.IsZero() && r.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Aggregate sums PromptTokens/CompletionTokens/Cost across a Find result.
func Aggregate(records []Record) Totals {
	var t Totals
	for _, r := range records {
		t.PromptTokens += int64(r.PromptTokens)
		t.CompletionTokens += int64(r.CompletionTokens)
		t.Cost += int64(r.Cost * costScale)
	}
	return t
}

// Breakdown groups a Query projection three ways: per source, per model,
// and per session. Records with an empty value for a dimension are left
// out of that dimension's map rather than pooled under an empty key.
type Breakdown struct {
	BySource  map[string]Totals
	ByModel   map[string]Totals
	BySession map[string]Totals
}

// Breakdown projects the log filtered by q into per-source, per-model, and
// per-session totals.
func (l *Log) Breakdown(q Query) Breakdown {
	b := Breakdown{
		BySource:  make(map[string]Totals),
		ByModel:   make(map[string]Totals),
		BySession: make(map[string]Totals),
	}
	for _, r := range l.Find(q) {
		if r.Source != "" {
			b.BySource[r.Source] = b.BySource[r.Source].add(r)
		}
		if r.Model != "" {
			b.ByModel[r.Model] = b.ByModel[r.Model].add(r)
		}
		if r.SessionID != "" {
			b.BySession[r.SessionID] = b.BySession[r.SessionID].add(r)
		}
	}
	return b
}

func (t Totals) add(r Record) Totals {
	t.PromptTokens += int64(r.PromptTokens)
	t.CompletionTokens += int64(r.CompletionTokens)
	t.Cost += int64(r.Cost * costScale)
	return t
}

// Len returns the number of records logged so far.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Reset drops every record matching the scope (source and/or session, both
// empty means "everything") and rebuilds the running totals from what
// remains so Totals() never drifts from Find({}).
func (l *Log) Reset(source, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0:0]
	var prompt, completion, cost int64
	for _, r := range l.records {
		if (source == "" || r.Source == source) && (sessionID == "" || r.SessionID == sessionID) {
			continue
		}
		kept = append(kept, r)
		prompt += int64(r.PromptTokens)
		completion += int64(r.CompletionTokens)
		cost += int64(r.Cost * costScale)
	}
	l.records = kept

	atomic.StoreInt64(&l.totalPrompt, prompt)
	atomic.StoreInt64(&l.totalCompletion, completion)
	atomic.StoreInt64(&l.totalCostFixed, cost)
}
