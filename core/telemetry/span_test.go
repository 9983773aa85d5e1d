package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSpan_AssignsTraceAndSpanIDs(t *testing.T) {
	_, span := StartSpan(context.Background(), "llm.call")
	assert.Equal(t, "llm.call", span.Name)
	assert.NotEmpty(t, span.TraceID)
	assert.NotEmpty(t, span.SpanID)
	assert.Empty(t, span.ParentSpanID, "a root span has no parent")
}

func TestStartSpan_ChildInheritsParentTraceID(t *testing.T) {
	ctx, parent := StartSpan(context.Background(), "agent.request")
	_, child := StartSpan(ctx, "agent.tool.execute")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentSpanID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
}

func TestSpanFromContext_FindsMostRecentlyAttachedSpan(t *testing.T) {
	_, ok := SpanFromContext(context.Background())
	assert.False(t, ok, "a bare context carries no span")

	ctx, span := StartSpan(context.Background(), "agent.request")
	got, ok := SpanFromContext(ctx)
	require.True(t, ok)
	assert.Same(t, span, got)
}

func TestSpan_SetAttributeRecordsKeyValue(t *testing.T) {
	_, span := StartSpan(context.Background(), "llm.call")
	span.SetAttribute("provider.name", "anthropic")
	assert.Equal(t, "anthropic", span.Attributes["provider.name"])
}

func TestSpan_DurationZeroBeforeEnd(t *testing.T) {
	_, span := StartSpan(context.Background(), "llm.call")
	assert.Zero(t, span.Duration())
}

func TestSpan_DurationPositiveAfterEnd(t *testing.T) {
	_, span := StartSpan(context.Background(), "llm.call")
	span.End(nil)
	assert.False(t, span.EndTime.IsZero())
	assert.GreaterOrEqual(t, span.Duration(), time.Duration(0))
}

func TestSpan_EndWithErrorDoesNotPanic(t *testing.T) {
	_, span := StartSpan(context.Background(), "llm.call")
	assert.NotPanics(t, func() { span.End(errors.New("boom")) })
}

func TestSpan_MultipleChildrenShareTraceButHaveDistinctSpanIDs(t *testing.T) {
	ctx, root := StartSpan(context.Background(), "agent.request")
	_, childA := StartSpan(ctx, "agent.tool.execute")
	_, childB := StartSpan(ctx, "llm.call")

	assert.Equal(t, root.TraceID, childA.TraceID)
	assert.Equal(t, root.TraceID, childB.TraceID)
	assert.NotEqual(t, childA.SpanID, childB.SpanID)
}

func TestSpan_PropagationEncodesThreeTextFields(t *testing.T) {
	_, span := StartSpan(context.Background(), "llm.call")
	p := span.Propagation()
	assert.Equal(t, span.TraceID, p.TraceID)
	assert.Equal(t, span.SpanID, p.SpanID)
	assert.Contains(t, []string{"00", "01"}, p.Flags)
}
