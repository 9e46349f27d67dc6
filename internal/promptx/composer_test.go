package promptx_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/concurrency"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/nostrbus"
	"github.com/nexuscore/nexuscore/internal/promptx"
	"github.com/nexuscore/nexuscore/pkg/llmservice"
)

func TestComposer_SystemBlockAndThreadRoles(t *testing.T) {
	c := promptx.New()
	alice := nostrbus.TestSigner("alice")
	bob := nostrbus.TestSigner("bob")

	userEv := &core.Event{PubKey: bob.Pubkey(), Content: "hello there"}
	agentEv := &core.Event{PubKey: alice.Pubkey(), Content: "hi back"}

	in := promptx.Input{
		Agent:       core.AgentDefinition{Slug: "orchestrator", Name: "Orchestrator", Role: core.RoleOrchestrator, Instructions: "Be helpful."},
		AgentPubkey: alice.Pubkey(),
		Phase:       core.PhaseChat,
		Thread:      []*core.Event{userEv, agentEv},
	}

	msgs, stripped, err := c.Compose(in)
	require.NoError(t, err)
	require.False(t, stripped)
	require.Equal(t, llmservice.RoleSystem, msgs[0].Role)
	require.Contains(t, msgs[0].Content, "Orchestrator")
	require.Contains(t, msgs[0].Content, "Be helpful.")

	var sawUser, sawAssistant bool
	for _, m := range msgs {
		if m.Role == llmservice.RoleUser && m.Content == "hello there" {
			sawUser = true
		}
		if m.Role == llmservice.RoleAssistant && m.Content == "hi back" {
			sawAssistant = true
		}
	}
	require.True(t, sawUser)
	require.True(t, sawAssistant)

	last := msgs[len(msgs)-1]
	require.Equal(t, llmservice.RoleSystem, last.Role)
	require.Contains(t, last.Content, "message to respond to")
}

func TestComposer_StripsTrailingAssistantAndEmptyMessages(t *testing.T) {
	c := promptx.New()
	alice := nostrbus.TestSigner("alice")

	thread := []*core.Event{
		{PubKey: "someone-else", Content: ""},
		{PubKey: alice.Pubkey(), Content: "trailing assistant text"},
	}
	in := promptx.Input{
		Agent:       core.AgentDefinition{Slug: "a"},
		AgentPubkey: alice.Pubkey(),
		Phase:       core.PhaseChat,
		Thread:      thread,
	}
	msgs, stripped, err := c.Compose(in)
	require.NoError(t, err)
	require.True(t, stripped)
	for _, m := range msgs {
		require.NotEqual(t, "trailing assistant text", m.Content)
		require.NotEmpty(t, m.Content)
	}
}

func TestComposer_DelegationAndSiblingEnhancers(t *testing.T) {
	c := promptx.New()
	alice := nostrbus.TestSigner("alice")

	in := promptx.Input{
		Agent:       core.AgentDefinition{Slug: "a"},
		AgentPubkey: alice.Pubkey(),
		Phase:       core.PhaseChat,
		Delegation: &promptx.DelegationContext{
			Replies:      []promptx.DelegationReply{{Recipient: "bobpubkeybobpubkey", Content: "done"}},
			OtherPending: true,
		},
		VoiceMode:     true,
		SelfRALNumber: 1,
		Siblings:      []concurrency.SiblingSummary{{RALNumber: 2, AgentSlug: "b", Phase: core.PhaseChat}},
	}
	msgs, _, err := c.Compose(in)
	require.NoError(t, err)

	joined := ""
	for _, m := range msgs {
		joined += m.Content + "\n"
	}
	require.Contains(t, joined, "Voice mode is active")
	require.Contains(t, joined, "Delegation replies received")
	require.Contains(t, joined, "still pending")
	require.Contains(t, joined, "Concurrent RALs in this conversation (you are #1)")
	require.Contains(t, joined, "#2 b")
}
