package nostrbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/nostrbus"
)

func TestMemoryBus_PublishDedupesAndFansOut(t *testing.T) {
	bus := nostrbus.NewMemoryBus()
	alice := nostrbus.TestSigner("alice")

	sub := bus.Subscribe(context.Background())

	ev := &core.Event{Kind: core.KindConversationNote, Content: "hello", CreatedAt: 1000}
	require.NoError(t, alice.Sign(ev))

	_, err := bus.Publish(context.Background(), ev)
	require.NoError(t, err)

	select {
	case got := <-sub:
		require.Equal(t, ev.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected event on subscriber channel")
	}

	seen, err := bus.HasSeen(context.Background(), ev.ID)
	require.NoError(t, err)
	require.True(t, seen)

	// Republishing the same event id is a no-op, not an error (idempotence).
	_, err = bus.Publish(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, bus.Published(), 1)
}

func TestMemoryBus_RejectsBadSignature(t *testing.T) {
	bus := nostrbus.NewMemoryBus()
	ev := &core.Event{Kind: core.KindConversationNote, Content: "forged", CreatedAt: 1000, ID: "deadbeef", Sig: "00"}

	_, err := bus.Publish(context.Background(), ev)
	require.Error(t, err)
	require.True(t, core.IsType(err, core.ErrTypeSignature))
}

func TestTestSigner_Deterministic(t *testing.T) {
	a1 := nostrbus.TestSigner("alice")
	a2 := nostrbus.TestSigner("alice")
	b := nostrbus.TestSigner("bob")

	require.Equal(t, a1.Pubkey(), a2.Pubkey())
	require.NotEqual(t, a1.Pubkey(), b.Pubkey())
}
