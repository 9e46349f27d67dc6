package convstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/convstore"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/nostrbus"
)

func mkEvent(t *testing.T, signer *nostrbus.Signer, createdAt int64, content string, tags core.Tags) *core.Event {
	t.Helper()
	ev := &core.Event{CreatedAt: core.Timestamp(createdAt), Kind: core.KindConversationNote, Content: content, Tags: tags}
	require.NoError(t, signer.Sign(ev))
	return ev
}

func runStoreSuite(t *testing.T, store convstore.Store) {
	ctx := context.Background()
	alice := nostrbus.TestSigner("alice")
	bob := nostrbus.TestSigner("bob")

	root := mkEvent(t, alice, 100, "root", nil)
	_, err := store.LoadOrCreate(ctx, root.ID)
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, root.ID, root))

	reply1 := mkEvent(t, bob, 200, "reply1", core.Tags{{"e", root.ID, "", "root"}})
	require.NoError(t, store.AppendEvent(ctx, root.ID, reply1))

	reply2 := mkEvent(t, alice, 150, "reply2", core.Tags{{"e", root.ID, "", "root"}})
	require.NoError(t, store.AppendEvent(ctx, root.ID, reply2))

	// Event idempotence: re-appending doesn't duplicate.
	require.NoError(t, store.AppendEvent(ctx, root.ID, root))
	history, err := store.History(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	// Thread completeness + fast path (root-level replies in timestamp
	// order): reply2 (t=150) before reply1 (t=200).
	thread, err := store.ThreadTo(ctx, root.ID, reply1.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, thread[0].ID)
	require.Equal(t, reply1.ID, thread[len(thread)-1].ID)

	// Phase transitions.
	require.NoError(t, store.SetPhase(ctx, root.ID, core.PhaseExecute, alice.Pubkey(), "moving to execute"))
	conv, err := store.Conversation(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, core.PhaseExecute, conv.Phase)

	log, err := store.PhaseLog(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, core.PhaseChat, log[0].From)
	require.Equal(t, core.PhaseExecute, log[0].To)

	// Agent KV: the owning agent can write, read back, and overwrite its
	// own key.
	require.NoError(t, store.KVSet(ctx, root.ID, "agent-a", "fact", "v1"))
	v, ok, err := store.KVGet(ctx, root.ID, "agent-a", "fact")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", v)
	require.NoError(t, store.KVSet(ctx, root.ID, "agent-a", "fact", "v2")) // same owner, fine

	// Ancestor-walk lookup: an already-appended event's conversation id is
	// retrievable by its own event id, for the router's fallback when a
	// later reply carries no explicit conversation tag.
	convID, ok, err := store.ConversationIDForEvent(ctx, reply1.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, root.ID, convID)
	_, ok, err = store.ConversationIDForEvent(ctx, "unknown-event-id")
	require.NoError(t, err)
	require.False(t, ok)

	// Durable dedupe set.
	seen, err := store.HasSeen(ctx, root.ID)
	require.NoError(t, err)
	require.False(t, seen)
	require.NoError(t, store.MarkSeen(ctx, root.ID))
	seen, err = store.HasSeen(ctx, root.ID)
	require.NoError(t, err)
	require.True(t, seen)

	// Delegation persistence round-trip.
	rec := &core.DelegationRecord{
		ID:              "deleg-1",
		ParentRALHandle: root.ID + "/orchestrator",
		ChildConvID:     root.ID,
		Recipients:      []string{bob.Pubkey()},
		Replies:         map[string]*core.Event{},
		PhaseAtStart:    core.PhasePlan,
		Status:          core.DelegationPending,
	}
	require.NoError(t, store.SaveDelegation(ctx, rec))
	loaded, err := store.LoadDelegation(ctx, "deleg-1")
	require.NoError(t, err)
	require.Equal(t, rec.Recipients, loaded.Recipients)

	pending, err := store.PendingDelegations(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestMemoryStore_Suite(t *testing.T) {
	runStoreSuite(t, convstore.NewMemoryStore())
}

func TestSQLiteStore_Suite(t *testing.T) {
	store, err := convstore.Open(":memory:")
	require.NoError(t, err)
	defer store.Close()
	runStoreSuite(t, store)
}

func TestThreadTo_CycleDetected(t *testing.T) {
	ctx := context.Background()
	alice := nostrbus.TestSigner("alice")
	store := convstore.NewMemoryStore()

	root := mkEvent(t, alice, 50, "root", nil)
	_, err := store.LoadOrCreate(ctx, root.ID)
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, root.ID, root))

	// a and b each claim the other as parent, forming a 2-cycle that never
	// reaches root.
	a := mkEvent(t, alice, 100, "a", core.Tags{{"e", "b-id"}})
	a.ID = "a-id"
	b := mkEvent(t, alice, 200, "b", core.Tags{{"e", "a-id"}})
	b.ID = "b-id"
	require.NoError(t, store.AppendEvent(ctx, root.ID, a))
	require.NoError(t, store.AppendEvent(ctx, root.ID, b))

	_, err = store.ThreadTo(ctx, root.ID, "a-id")
	require.Error(t, err)
	require.ErrorIs(t, err, core.ErrCycleDetected)
}
