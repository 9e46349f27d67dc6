package concurrency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/concurrency"
	"github.com/nexuscore/nexuscore/internal/core"
)

func TestCoordinator_RegisterAssignsMonotonicNumbers(t *testing.T) {
	c := concurrency.New()
	h1 := c.Register("a", "conv1", "ev1", core.PhaseChat)
	h2 := c.Register("b", "conv1", "ev2", core.PhaseChat)
	require.Equal(t, int64(1), h1.RALNumber)
	require.Equal(t, int64(2), h2.RALNumber)
}

func TestCoordinator_OtherRALsExcludesSelf(t *testing.T) {
	c := concurrency.New()
	h1 := c.Register("a", "conv1", "ev1", core.PhaseChat)
	h2 := c.Register("b", "conv1", "ev2", core.PhasePlan)
	c.RecordAction(h2.RALNumber, core.ActionRecord{ToolName: "fs_read", Summary: "read main.go"})

	others := c.OtherRALs(h1.RALNumber)
	require.Len(t, others, 1)
	require.Equal(t, h2.RALNumber, others[0].RALNumber)
	require.Equal(t, core.PhasePlan, others[0].Phase)
	require.Contains(t, others[0].ActionHistorySummary, "fs_read")
}

func TestCoordinator_ResourceLeaseIsReentrant(t *testing.T) {
	c := concurrency.New()
	h := c.Register("a", "conv1", "ev1", core.PhaseChat)
	ctx := context.Background()

	l1, err := c.ResourceLease(ctx, h.RALNumber, "target-file")
	require.NoError(t, err)
	l2, err := c.ResourceLease(ctx, h.RALNumber, "target-file")
	require.NoError(t, err)
	l1.Release()
	l2.Release()
}

func TestCoordinator_ResourceLeaseFIFO(t *testing.T) {
	c := concurrency.New()
	h1 := c.Register("a", "conv1", "ev1", core.PhaseChat)
	h2 := c.Register("b", "conv1", "ev2", core.PhaseChat)
	ctx := context.Background()

	l1, err := c.ResourceLease(ctx, h1.RALNumber, "scratch")
	require.NoError(t, err)

	gotSecond := make(chan struct{})
	go func() {
		l2, err := c.ResourceLease(ctx, h2.RALNumber, "scratch")
		require.NoError(t, err)
		close(gotSecond)
		l2.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-gotSecond:
		t.Fatal("second lease should not have been granted while first is held")
	default:
	}
	l1.Release()

	select {
	case <-gotSecond:
	case <-time.After(time.Second):
		t.Fatal("second lease was never granted after release")
	}
}

func TestCoordinator_UnregisterReleasesHeldLeases(t *testing.T) {
	c := concurrency.New()
	h1 := c.Register("a", "conv1", "ev1", core.PhaseChat)
	h2 := c.Register("b", "conv1", "ev2", core.PhaseChat)
	ctx := context.Background()

	_, err := c.ResourceLease(ctx, h1.RALNumber, "scratch")
	require.NoError(t, err)
	c.Unregister(h1.RALNumber)

	l2, err := c.ResourceLease(ctx, h2.RALNumber, "scratch")
	require.NoError(t, err)
	l2.Release()
}
