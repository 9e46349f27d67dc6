package router_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/convstore"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/nostrbus"
	"github.com/nexuscore/nexuscore/internal/router"
)

type fakeSpawner struct {
	live    map[string]bool
	spawned []string
	resumed []string
}

func newFakeSpawner() *fakeSpawner { return &fakeSpawner{live: map[string]bool{}} }

func (f *fakeSpawner) IsLive(convID, agentSlug string) bool { return f.live[convID+"/"+agentSlug] }
func (f *fakeSpawner) Spawn(_ context.Context, convID, agentSlug string, _ *core.Event) error {
	f.spawned = append(f.spawned, convID+"/"+agentSlug)
	f.live[convID+"/"+agentSlug] = true
	return nil
}
func (f *fakeSpawner) Resume(_ context.Context, convID, agentSlug string, _ *core.Event) error {
	f.resumed = append(f.resumed, convID+"/"+agentSlug)
	return nil
}

func TestRouter_SpawnsOnPTaggedAgent(t *testing.T) {
	ctx := context.Background()
	alice := nostrbus.TestSigner("alice")
	orchestrator := nostrbus.TestSigner("orchestrator")

	store := convstore.NewMemoryStore()
	reg := agentreg.New(nil)
	require.NoError(t, reg.Add(core.AgentDefinition{Slug: "orchestrator"}, orchestrator))

	spawner := newFakeSpawner()
	r := router.New(store, store, reg, spawner, router.RoutingPolicy{PrimaryAgentSlug: "orchestrator"})

	ev := &core.Event{Content: "hello", Tags: core.Tags{{"p", orchestrator.Pubkey()}}}
	require.NoError(t, alice.Sign(ev))

	require.NoError(t, r.Route(ctx, ev))
	require.Equal(t, []string{ev.ID + "/orchestrator"}, spawner.spawned)
}

func TestRouter_FallsBackToPrimaryAgent(t *testing.T) {
	ctx := context.Background()
	alice := nostrbus.TestSigner("alice")
	orchestrator := nostrbus.TestSigner("orchestrator")

	store := convstore.NewMemoryStore()
	reg := agentreg.New(nil)
	require.NoError(t, reg.Add(core.AgentDefinition{Slug: "orchestrator"}, orchestrator))

	spawner := newFakeSpawner()
	r := router.New(store, store, reg, spawner, router.RoutingPolicy{PrimaryAgentSlug: "orchestrator"})

	ev := &core.Event{Content: "no p tags here"}
	require.NoError(t, alice.Sign(ev))

	require.NoError(t, r.Route(ctx, ev))
	require.Equal(t, []string{ev.ID + "/orchestrator"}, spawner.spawned)
}

func TestRouter_ResumesLiveRAL(t *testing.T) {
	ctx := context.Background()
	alice := nostrbus.TestSigner("alice")
	orchestrator := nostrbus.TestSigner("orchestrator")

	store := convstore.NewMemoryStore()
	reg := agentreg.New(nil)
	require.NoError(t, reg.Add(core.AgentDefinition{Slug: "orchestrator"}, orchestrator))

	spawner := newFakeSpawner()
	r := router.New(store, store, reg, spawner, router.RoutingPolicy{PrimaryAgentSlug: "orchestrator"})

	root := &core.Event{Content: "root"}
	require.NoError(t, alice.Sign(root))
	require.NoError(t, r.Route(ctx, root))

	spawner.live[root.ID+"/orchestrator"] = true
	reply := &core.Event{Content: "reply", Tags: core.Tags{{"e", root.ID, "", "root"}}}
	require.NoError(t, alice.Sign(reply))
	require.NoError(t, r.Route(ctx, reply))

	require.Contains(t, spawner.resumed, root.ID+"/orchestrator")
}

func TestRouter_ResolvesConversationViaAncestorWalk(t *testing.T) {
	ctx := context.Background()
	alice := nostrbus.TestSigner("alice")
	orchestrator := nostrbus.TestSigner("orchestrator")

	store := convstore.NewMemoryStore()
	reg := agentreg.New(nil)
	require.NoError(t, reg.Add(core.AgentDefinition{Slug: "orchestrator"}, orchestrator))

	spawner := newFakeSpawner()
	r := router.New(store, store, reg, spawner, router.RoutingPolicy{PrimaryAgentSlug: "orchestrator"})

	root := &core.Event{Content: "root"}
	require.NoError(t, alice.Sign(root))
	require.NoError(t, r.Route(ctx, root))

	reply1 := &core.Event{Content: "reply one", Tags: core.Tags{{"e", root.ID, "", "root"}}}
	require.NoError(t, alice.Sign(reply1))
	require.NoError(t, r.Route(ctx, reply1))

	// reply2 replies to reply1 with only a reply-marked e tag -- no
	// conversation tag and no root-marked e tag -- yet must still land in
	// the same conversation as root, via reply1's already-resolved
	// conversation id.
	reply2 := &core.Event{Content: "reply two", Tags: core.Tags{{"e", reply1.ID, "", "reply"}}}
	require.NoError(t, alice.Sign(reply2))
	require.NoError(t, r.Route(ctx, reply2))

	history, err := store.History(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
}

func TestRouter_DropsAlreadySeenEvent(t *testing.T) {
	ctx := context.Background()
	alice := nostrbus.TestSigner("alice")
	orchestrator := nostrbus.TestSigner("orchestrator")
	store := convstore.NewMemoryStore()
	reg := agentreg.New(nil)
	require.NoError(t, reg.Add(core.AgentDefinition{Slug: "orchestrator"}, orchestrator))
	spawner := newFakeSpawner()
	r := router.New(store, store, reg, spawner, router.RoutingPolicy{PrimaryAgentSlug: "orchestrator"})

	ev := &core.Event{Content: "hi"}
	require.NoError(t, alice.Sign(ev))
	require.NoError(t, r.Route(ctx, ev))
	require.NoError(t, r.Route(ctx, ev))
	require.Len(t, spawner.spawned, 1)
}
