package telemetry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func attrString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// Span records one unit of work with the trace/span/parent identifiers
// needed to reconstruct a call tree independent of any particular
// exporter. It is also backed by a real OTel span (via the global tracer
// provider Init installs), so a configured OTLP collector sees the same
// tree.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	StartTime    time.Time
	EndTime      time.Time
	Attributes   map[string]string

	otelSpan oteltrace.Span
}

type spanContextKey struct{}

// StartSpan begins a new span. If ctx carries a parent Span (via context
// propagation), the new span's TraceID matches the parent's and
// ParentSpanID is set to the parent's SpanID; otherwise a fresh TraceID is
// minted.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	tracer := otel.Tracer("github.com/coreflow/agentrt")
	otelCtx, otelSpan := tracer.Start(ctx, name)

	s := &Span{
		Name:       name,
		StartTime:  time.Now(),
		Attributes: make(map[string]string),
	}

	sc := otelSpan.SpanContext()
	if sc.HasTraceID() {
		s.TraceID = sc.TraceID().String()
		s.SpanID = sc.SpanID().String()
	} else {
		s.TraceID = uuid.NewString()
		s.SpanID = uuid.NewString()
	}

	if parent, ok := SpanFromContext(ctx); ok {
		s.ParentSpanID = parent.SpanID
		if !sc.HasTraceID() {
			s.TraceID = parent.TraceID
		}
	}

	s.otelSpan = otelSpan
	return context.WithValue(otelCtx, spanContextKey{}, s), s
}

// SpanFromContext retrieves the Span most recently attached by StartSpan.
func SpanFromContext(ctx context.Context) (*Span, bool) {
	s, ok := ctx.Value(spanContextKey{}).(*Span)
	return s, ok
}

// SetAttribute records a key/value pair on the span.
func (s *Span) SetAttribute(key, value string) {
	s.Attributes[key] = value
}

// End marks the span complete and propagates the recorded attributes to
// the backing OTel span.
func (s *Span) End(err error) {
	s.EndTime = time.Now()
	if s.otelSpan == nil {
		return
	}
	for k, v := range s.Attributes {
		s.otelSpan.SetAttributes(attrString(k, v))
	}
	if err != nil {
		s.otelSpan.RecordError(err)
	}
	s.otelSpan.End()
}

// Propagation is the three-text-field wire encoding of a span context,
// for carriers that cannot transport a binary context.
type Propagation struct {
	TraceID string
	SpanID  string
	Flags   string
}

// Propagation encodes the span for out-of-process handoff.
func (s *Span) Propagation() Propagation {
	flags := "00"
	if s.otelSpan != nil && s.otelSpan.SpanContext().IsSampled() {
		flags = "01"
	}
	return Propagation{TraceID: s.TraceID, SpanID: s.SpanID, Flags: flags}
}

// Duration returns EndTime.Sub(StartTime); zero until End is called.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}
