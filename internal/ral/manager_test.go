package ral_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/convstore"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/delegation"
	"github.com/nexuscore/nexuscore/internal/nostrbus"
	"github.com/nexuscore/nexuscore/internal/promptx"
	"github.com/nexuscore/nexuscore/internal/ral"
	"github.com/nexuscore/nexuscore/internal/toolruntime"
	"github.com/nexuscore/nexuscore/pkg/llmservice"
)

type echoTool struct{}

func (echoTool) Name() string                    { return "echo" }
func (echoTool) Description() string             { return "echoes" }
func (echoTool) InputSchema() map[string]any     { return nil }
func (echoTool) Execute(_ toolruntime.ExecutionContext, args map[string]any) (toolruntime.Result, error) {
	return toolruntime.Result{Value: "tool ran"}, nil
}

func setup(t *testing.T) (*ral.Manager, convstore.Store, *nostrbus.MemoryBus, *agentreg.Registry, *llmservice.Fixture) {
	t.Helper()
	store := convstore.NewMemoryStore()
	reg := agentreg.New(nil)
	orchestrator := nostrbus.TestSigner("orchestrator")
	require.NoError(t, reg.Add(core.AgentDefinition{
		Slug: "orchestrator", Role: core.RoleOrchestrator, ToolAllow: []string{"*"}, MaxAgentSteps: 3,
	}, orchestrator))

	bus := nostrbus.NewMemoryBus()
	fixture := llmservice.NewFixture()
	rt := toolruntime.NewRuntime(nil, echoTool{})
	mgr := ral.New(store, reg, promptx.New(), rt, fixture, bus)
	return mgr, store, bus, reg, fixture
}

func rootEvent(t *testing.T, store convstore.Store) *core.Event {
	t.Helper()
	alice := nostrbus.TestSigner("alice")
	ev := &core.Event{Content: "hello"}
	require.NoError(t, alice.Sign(ev))
	ctx := context.Background()
	_, err := store.LoadOrCreate(ctx, ev.ID)
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, ev.ID, ev))
	return ev
}

func TestManager_CompletesTurnAndPublishesFinalContent(t *testing.T) {
	mgr, store, bus, _, fixture := setup(t)
	ev := rootEvent(t, store)
	fixture.EnqueueText("final answer")

	require.NoError(t, mgr.Spawn(context.Background(), ev.ID, "orchestrator", ev))
	require.Eventually(t, func() bool { return len(bus.Published()) >= 1 }, time.Second, 5*time.Millisecond)

	found := false
	for _, p := range bus.Published() {
		if p.Content == "final answer" {
			found = true
		}
	}
	require.True(t, found)
}

func TestManager_HandlesToolCallThenFinishes(t *testing.T) {
	mgr, store, bus, _, fixture := setup(t)
	ev := rootEvent(t, store)
	fixture.EnqueueToolCall("call-1", "echo", map[string]any{"x": 1})
	fixture.EnqueueText("done after tool")

	require.NoError(t, mgr.Spawn(context.Background(), ev.ID, "orchestrator", ev))
	require.Eventually(t, func() bool {
		for _, p := range bus.Published() {
			if p.Content == "done after tool" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	calls := fixture.Calls()
	require.Len(t, calls, 2)
	var sawToolMsg bool
	for _, m := range calls[1].Messages {
		if m.Role == llmservice.RoleTool && m.Content == "tool ran" {
			sawToolMsg = true
		}
	}
	require.True(t, sawToolMsg)
}

func TestManager_StopsOnToolBudgetExhaustion(t *testing.T) {
	mgr, store, bus, _, fixture := setup(t)
	ev := rootEvent(t, store)
	for i := 0; i < 5; i++ {
		fixture.EnqueueToolCall("call", "echo", nil)
	}

	require.NoError(t, mgr.Spawn(context.Background(), ev.ID, "orchestrator", ev))
	require.Eventually(t, func() bool {
		for _, p := range bus.Published() {
			if p.Content == "tool budget exhausted" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestManager_ParksOnDelegationStopSignal(t *testing.T) {
	store := convstore.NewMemoryStore()
	reg := agentreg.New(nil)
	orchestrator := nostrbus.TestSigner("orchestrator")
	worker := nostrbus.TestSigner("worker")
	require.NoError(t, reg.Add(core.AgentDefinition{Slug: "orchestrator", Role: core.RoleOrchestrator, ToolAllow: []string{"*"}}, orchestrator))
	require.NoError(t, reg.Add(core.AgentDefinition{Slug: "worker", Role: core.RoleWorker}, worker))

	bus := nostrbus.NewMemoryBus()
	fixture := llmservice.NewFixture()
	delegateTool := delegateToolFor(worker.Pubkey())
	rt := toolruntime.NewRuntime(nil, delegateTool)
	mgr := ral.New(store, reg, promptx.New(), rt, fixture, bus)
	coord := delegation.New(store, reg, bus, mgr)
	mgr.SetDelegationCoordinator(coord)

	ev := rootEvent(t, store)
	fixture.EnqueueToolCall("call-1", "delegate", nil)

	require.NoError(t, mgr.Spawn(context.Background(), ev.ID, "orchestrator", ev))
	require.Eventually(t, func() bool {
		// one delegation-request event should be published to the worker.
		for _, p := range bus.Published() {
			if core.FirstTagValue(p.Tags, core.TagDelegation) != "" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

type delegateTool struct{ recipient string }

func delegateToolFor(recipient string) delegateTool { return delegateTool{recipient: recipient} }

func (d delegateTool) Name() string                { return "delegate" }
func (d delegateTool) Description() string         { return "delegates to another agent" }
func (d delegateTool) InputSchema() map[string]any { return nil }
func (d delegateTool) Execute(_ toolruntime.ExecutionContext, _ map[string]any) (toolruntime.Result, error) {
	return toolruntime.Result{Stop: &toolruntime.StopSignal{
		DelegationSpec: delegation.Spec{Recipients: []string{d.recipient}, Content: "please help"},
	}}, nil
}
