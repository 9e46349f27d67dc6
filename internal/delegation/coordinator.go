// Package delegation implements the DelegationCoordinator: registering
// a delegation parks the caller's RAL, publishes request events, and
// replies are aggregated until every recipient (or a human, for
// "ask"-class delegations) has answered or a deadline fires. Reply
// aggregation and completion waking are adapted from a single-broadcast-
// channel model to per-recipient signed-event replies.
package delegation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/convstore"
	"github.com/nexuscore/nexuscore/internal/core"
)

// Reply is one recipient's answer, handed to the Waker as
// {recipient, content, event_id}.
type Reply struct {
	Recipient string
	Content   string
	EventID   string
}

// Spec describes one delegation request (a delegation-class tool's
// StopSignal payload).
type Spec struct {
	ParentRALHandle string // conv_id + "/" + agent_slug, per core.RALHandle.Key()
	ChildConvID     string
	Recipients      []string // pubkeys
	IsAsk           bool     // addresses a human rather than an agent
	PhaseAtStart    core.Phase
	Content         string
	Deadline        *time.Time
}

// Waker wakes the parked parent RAL once a delegation completes.
// Implemented by internal/ral.Manager; kept as an interface so this
// package does not import ral.
type Waker interface {
	WakeRAL(ctx context.Context, convID, agentSlug string, replies []Reply) error
}

// Publisher is the EventBus surface needed to emit delegation requests;
// satisfied by *nostrbus.Bus and *nostrbus.MemoryBus.
type Publisher interface {
	Publish(ctx context.Context, event *core.Event) ([]string, error)
}

// Signer signs a delegation request event on behalf of the delegating
// agent.
type Signer interface {
	Sign(event *core.Event) error
}

// Coordinator is the DelegationCoordinator, one instance shared across a
// project.
type Coordinator struct {
	store  convstore.Store
	agents *agentreg.Registry
	pub    Publisher
	waker  Waker

	mu        sync.Mutex
	cancelled map[string]bool
}

// New wires a Coordinator to its ConversationStore (for persistence),
// AgentRegistry (to classify ask-vs-agent repliers), EventBus publisher,
// and the RAL waker.
func New(store convstore.Store, agents *agentreg.Registry, pub Publisher, waker Waker) *Coordinator {
	return &Coordinator{store: store, agents: agents, pub: pub, waker: waker, cancelled: map[string]bool{}}
}

// Register persists the pending delegation record, publishes one request
// event per recipient, and returns the delegation id immediately; the
// calling RAL marks itself awaiting-delegation.
func (c *Coordinator) Register(ctx context.Context, signer Signer, spec Spec) (string, error) {
	id := uuid.NewString()
	rec := &core.DelegationRecord{
		ID:              id,
		ParentRALHandle: spec.ParentRALHandle,
		ChildConvID:     spec.ChildConvID,
		Recipients:      spec.Recipients,
		Replies:         make(map[string]*core.Event),
		PhaseAtStart:    spec.PhaseAtStart,
		IsAsk:           spec.IsAsk,
		Deadline:        spec.Deadline,
		Status:          core.DelegationPending,
		CreatedAt:       time.Now(),
	}

	for _, recipient := range spec.Recipients {
		ev := &core.Event{
			Kind:      core.KindConversationNote,
			Content:   spec.Content,
			CreatedAt: core.Timestamp(time.Now().Unix()),
			Tags: core.Tags{
				{core.TagE, spec.ChildConvID, "", core.MarkerRoot},
				{core.TagP, recipient},
				{core.TagDelegation, id},
			},
		}
		if spec.IsAsk {
			ev.Tags = append(ev.Tags, core.Tag{core.TagAsk, "true"})
		}
		if err := signer.Sign(ev); err != nil {
			return "", err
		}
		if rec.RequestEventID == "" {
			rec.RequestEventID = ev.ID
		}
		if _, err := c.pub.Publish(ctx, ev); err != nil {
			return "", err
		}
	}

	if err := c.store.SaveDelegation(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// HandleReply processes one incoming event as a candidate delegation
// reply: qualifies iff it carries a delegation tag naming a pending
// record, is authored by an accepted replier (a recipient, or for
// ask-class delegations any non-agent pubkey), and the delegation has
// not been cancelled.
func (c *Coordinator) HandleReply(ctx context.Context, event *core.Event) error {
	delegationID := core.FirstTagValue(event.Tags, core.TagDelegation)
	if delegationID == "" {
		return nil
	}

	c.mu.Lock()
	if c.cancelled[delegationID] {
		c.mu.Unlock()
		return nil // abandoned: late replies are silently dropped
	}
	c.mu.Unlock()

	rec, err := c.store.LoadDelegation(ctx, delegationID)
	if err != nil {
		return nil // unknown delegation id: ignore
	}
	if rec.Status != core.DelegationPending {
		return nil
	}
	if !c.isAcceptedReplier(rec, event.PubKey) {
		return nil
	}

	rec.Replies[event.PubKey] = event
	completed := len(rec.Pending()) == 0
	if completed {
		rec.Status = core.DelegationCompleted
	}
	if err := c.store.SaveDelegation(ctx, rec); err != nil {
		return err
	}

	if completed {
		return c.wake(ctx, rec)
	}
	return nil
}

// isAcceptedReplier applies the reply-qualification rule: for an "ask"
// delegation any non-agent pubkey qualifies; otherwise only a recipient
// named in the original request qualifies.
func (c *Coordinator) isAcceptedReplier(rec *core.DelegationRecord, pubkey string) bool {
	if rec.IsAsk {
		return !c.agents.IsPubkeyAgent(pubkey)
	}
	for _, r := range rec.Recipients {
		if r == pubkey {
			return true
		}
	}
	return false
}

// CheckDeadline marks a delegation completed-by-timeout if its deadline
// has passed, waking the parent RAL with whatever replies arrived.
func (c *Coordinator) CheckDeadline(ctx context.Context, delegationID string) error {
	rec, err := c.store.LoadDelegation(ctx, delegationID)
	if err != nil {
		return err
	}
	if rec.Status != core.DelegationPending || rec.Deadline == nil || time.Now().Before(*rec.Deadline) {
		return nil
	}
	rec.Status = core.DelegationCompleted
	if err := c.store.SaveDelegation(ctx, rec); err != nil {
		return err
	}
	return c.wake(ctx, rec)
}

// Cancel abandons a delegation: pending replies for it are ignored from
// here on.
func (c *Coordinator) Cancel(ctx context.Context, delegationID string) error {
	c.mu.Lock()
	c.cancelled[delegationID] = true
	c.mu.Unlock()

	rec, err := c.store.LoadDelegation(ctx, delegationID)
	if err != nil {
		return nil
	}
	if rec.Status == core.DelegationPending {
		rec.Status = core.DelegationCancelled
		return c.store.SaveDelegation(ctx, rec)
	}
	return nil
}

func (c *Coordinator) wake(ctx context.Context, rec *core.DelegationRecord) error {
	convID, agentSlug, ok := splitRALHandleKey(rec.ParentRALHandle)
	if !ok {
		return core.NewError(core.ErrTypeValidation, "malformed parent ral handle %q", rec.ParentRALHandle)
	}
	replies := make([]Reply, 0, len(rec.Replies))
	for recipient, ev := range rec.Replies {
		if ev == nil {
			continue
		}
		replies = append(replies, Reply{Recipient: recipient, Content: ev.Content, EventID: ev.ID})
	}
	return c.waker.WakeRAL(ctx, convID, agentSlug, replies)
}

func splitRALHandleKey(key string) (convID, agentSlug string, ok bool) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
