package ral

import (
	"context"
	"time"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/core"
)

// buildEvent signs and returns the common event shape every RAL-published
// event shares: parent e tag = triggering event, an explicit conversation
// tag carrying conv.ID, phase tag copied from the conversation. The
// explicit conversation tag lets core.ConversationID resolve this event's
// conversation directly if it ever loops back through the router, without
// depending on the "e" tag happening to carry a root marker. The same
// streaming-content event shape is reused for final/diagnostic/error
// events too.
func (m *Manager) buildEvent(signer agentreg.Signer, kind int, content string, triggering *core.Event, conv *core.Conversation, extra ...core.Tag) (*core.Event, error) {
	tags := core.Tags{
		{core.TagE, triggering.ID, "", core.MarkerReply},
	}
	if conv != nil {
		tags = append(tags, core.Tag{core.TagConv, conv.ID})
		if conv.Phase != "" {
			tags = append(tags, core.Tag{core.TagPhase, string(conv.Phase)})
		}
	}
	tags = append(tags, extra...)

	ev := &core.Event{
		Kind:      kind,
		Content:   content,
		CreatedAt: core.Timestamp(time.Now().Unix()),
		Tags:      tags,
	}
	if err := signer.Sign(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (m *Manager) publishContent(ctx context.Context, signer agentreg.Signer, triggering *core.Event, conv *core.Conversation, content string) {
	ev, err := m.buildEvent(signer, core.KindConversationNote, content, triggering, conv)
	if err != nil {
		return
	}
	_, _ = m.pub.Publish(ctx, ev)
}

func (m *Manager) publishDiagnostic(ctx context.Context, signer agentreg.Signer, triggering *core.Event, conv *core.Conversation, reason string) {
	ev, err := m.buildEvent(signer, core.KindMetadata, "", triggering, conv, core.Tag{core.TagReason, reason})
	if err != nil {
		return
	}
	_, _ = m.pub.Publish(ctx, ev)
}

func (m *Manager) publishError(ctx context.Context, signer agentreg.Signer, triggering *core.Event, conv *core.Conversation, cause error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ev, err := m.buildEvent(signer, core.KindMetadata, msg, triggering, conv, core.Tag{core.TagError, "true"})
	if err != nil {
		return
	}
	_, _ = m.pub.Publish(ctx, ev)
}

func (m *Manager) publishBudgetExhausted(ctx context.Context, signer agentreg.Signer, triggering *core.Event, conv *core.Conversation) {
	ev, err := m.buildEvent(signer, core.KindMetadata, "tool budget exhausted", triggering, conv,
		core.Tag{core.TagToolStatus, "failed"}, core.Tag{core.TagReason, "tool-budget-exhausted"})
	if err != nil {
		return
	}
	_, _ = m.pub.Publish(ctx, ev)
}
