package core_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexuscore/internal/core"
)

func TestFirstAndAllTagValues(t *testing.T) {
	tags := core.Tags{
		{"p", "alice"},
		{"p", "bob"},
		{"e", "root-id", "", core.MarkerRoot},
	}
	require.Equal(t, "alice", core.FirstTagValue(tags, "p"))
	require.Equal(t, []string{"alice", "bob"}, core.AllTagValues(tags, "p"))
	require.Equal(t, "", core.FirstTagValue(tags, "missing"))
}

func TestParentEventID_PrefersReplyThenRootThenLast(t *testing.T) {
	onlyRoot := core.Tags{{"e", "root-id", "", core.MarkerRoot}}
	require.Equal(t, "root-id", core.ParentEventID(onlyRoot))

	rootAndReply := core.Tags{
		{"e", "root-id", "", core.MarkerRoot},
		{"e", "reply-id", "", core.MarkerReply},
	}
	require.Equal(t, "reply-id", core.ParentEventID(rootAndReply))

	unmarked := core.Tags{{"e", "last-id"}}
	require.Equal(t, "last-id", core.ParentEventID(unmarked))
}

func TestConversationID_PrefersExplicitTagOverMarkedRoot(t *testing.T) {
	withConvTag := core.Tags{{"conversation", "conv-1"}, {"e", "root-id", "", core.MarkerRoot}}
	require.Equal(t, "conv-1", core.ConversationID(withConvTag))

	rootOnly := core.Tags{{"e", "root-id", "", core.MarkerRoot}}
	require.Equal(t, "root-id", core.ConversationID(rootOnly))

	none := core.Tags{{"p", "alice"}}
	require.Equal(t, "", core.ConversationID(none))
}

func TestEngineError_WrapsAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := core.Wrap(core.ErrTypeExecution, cause, "writing %s", "file.txt")
	require.Contains(t, err.Error(), "[execution]")
	require.Contains(t, err.Error(), "writing file.txt")
	require.Contains(t, err.Error(), "disk full")
	require.ErrorIs(t, err, cause)
	require.True(t, core.IsType(err, core.ErrTypeExecution))
	require.False(t, core.IsType(err, core.ErrTypeValidation))
}

func TestSoft_ClassifiesErrorTypes(t *testing.T) {
	require.True(t, core.Soft(core.ErrTypeValidation))
	require.True(t, core.Soft(core.ErrTypeScopeViolation))
	require.False(t, core.Soft(core.ErrTypeExecution))
	require.False(t, core.Soft(core.ErrTypeTransport))
}

func TestRALHandle_KeyAndAgentDefinition_MaxSteps(t *testing.T) {
	h := &core.RALHandle{ConversationID: "conv-1", AgentSlug: "orchestrator"}
	require.Equal(t, "conv-1/orchestrator", h.Key())

	var def core.AgentDefinition
	require.Equal(t, 10, def.MaxSteps())
	def.MaxAgentSteps = 3
	require.Equal(t, 3, def.MaxSteps())
}

func TestDelegationRecord_Pending(t *testing.T) {
	rec := &core.DelegationRecord{
		Recipients: []string{"alice", "bob"},
		Replies:    map[string]*core.Event{"alice": {Content: "ok"}},
	}
	require.Equal(t, []string{"bob"}, rec.Pending())
}
