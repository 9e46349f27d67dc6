package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/observability"
)

func TestNewRegistry_GathersRegisteredMetrics(t *testing.T) {
	reg := observability.NewRegistry()
	observability.RALTurns.WithLabelValues("completed", "orchestrator").Inc()
	observability.ToolCalls.WithLabelValues("echo", "ok").Inc()
	observability.ToolCallDuration.WithLabelValues("echo").Observe(0.01)

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	require.Contains(t, names, "nexuscore_ral_turns_total")
	require.Contains(t, names, "nexuscore_tool_calls_total")
	require.Contains(t, names, "nexuscore_tool_call_duration_seconds")
}

func TestSpanHelpers_RecordErrorWithoutPanicking(t *testing.T) {
	ctx, span := observability.StartRALTurnSpan(context.Background(), "conv-1", "orchestrator", 1)
	require.NotNil(t, ctx)
	observability.EndSpan(span, errors.New("boom"))

	_, toolSpan := observability.StartToolCallSpan(context.Background(), "echo")
	observability.EndSpan(toolSpan, nil)
}
