// Package convstore implements the ConversationStore: per-conversation
// persistent state (event history, agent-local KV, phase log, title,
// root event id), backed by modernc.org/sqlite (pure Go, no cgo, unlike
// github.com/mattn/go-sqlite3). Schema and prepared-statement style are
// adapted down from a Postgres/CockroachDB dialect to SQLite; the
// single-writer KV enforcement follows an owner-id compare-and-swap
// idiom.
package convstore

import (
	"context"

	"github.com/nexuscore/nexuscore/internal/core"
)

// Store is the ConversationStore contract.
type Store interface {
	LoadOrCreate(ctx context.Context, rootEventID string) (*core.Conversation, error)
	AppendEvent(ctx context.Context, convID string, event *core.Event) error
	SetPhase(ctx context.Context, convID string, newPhase core.Phase, authorPubkey, message string) error
	SetTitle(ctx context.Context, convID, title string) error
	KVGet(ctx context.Context, convID, agentSlug, key string) (string, bool, error)
	KVSet(ctx context.Context, convID, agentSlug, key, value string) error
	ThreadTo(ctx context.Context, convID, eventID string) ([]*core.Event, error)
	History(ctx context.Context, convID string) ([]*core.Event, error)
	PhaseLog(ctx context.Context, convID string) ([]core.PhaseTransition, error)
	Conversation(ctx context.Context, convID string) (*core.Conversation, error)

	// ConversationIDForEvent looks up the conversation an already-stored
	// event belongs to, supporting the router's ancestor-walk fallback for
	// events that carry no explicit conversation tag or root-marked e tag.
	ConversationIDForEvent(ctx context.Context, eventID string) (string, bool, error)

	// HasSeen / MarkSeen implement the durable processed_events dedupe set,
	// satisfying nostrbus.SeenStore.
	HasSeen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error

	// Delegation persistence.
	SaveDelegation(ctx context.Context, rec *core.DelegationRecord) error
	LoadDelegation(ctx context.Context, id string) (*core.DelegationRecord, error)
	PendingDelegations(ctx context.Context, convID string) ([]*core.DelegationRecord, error)
}

// threadWalk implements the thread-resolution rule against an
// already-loaded, conversation-scoped event slice. It is shared by both
// the SQLite and in-memory stores so the exact rule lives in one place.
func threadWalk(history []*core.Event, rootEventID, targetEventID string) ([]*core.Event, error) {
	byID := make(map[string]*core.Event, len(history))
	for _, e := range history {
		byID[e.ID] = e
	}

	target, ok := byID[targetEventID]
	if !ok {
		return nil, core.NewError(core.ErrTypeValidation, "event %s not found in conversation history", targetEventID)
	}

	// Step 1: walk the parent chain from target to root, cycle-detected.
	var chain []*core.Event
	visited := map[string]bool{}
	cur := target
	for {
		if visited[cur.ID] {
			return nil, core.ErrCycleDetected
		}
		visited[cur.ID] = true
		chain = append([]*core.Event{cur}, chain...)
		if cur.ID == rootEventID {
			break
		}
		parentID := core.ParentEventID(cur.Tags)
		if parentID == "" {
			break
		}
		parent, ok := byID[parentID]
		if !ok {
			break // orphan: parent not yet seen, stop here per boundary behavior
		}
		cur = parent
	}

	// Fast path (step 4): target is a direct reply to root -> root + all
	// root-level replies in timestamp order.
	if len(chain) >= 1 && chain[0].ID == rootEventID && core.ParentEventID(target.Tags) == rootEventID {
		replies := directChildren(history, rootEventID)
		out := append([]*core.Event{chain[0]}, replies...)
		return out, nil
	}

	onChain := map[string]bool{}
	for _, e := range chain {
		onChain[e.ID] = true
	}

	// Steps 2-3: for each parent-chain node, emit it then its direct
	// children that occur before the next chain node in time, finally the
	// target itself.
	var out []*core.Event
	for i, node := range chain {
		out = append(out, node)
		if node.ID == target.ID {
			continue
		}
		children := directChildren(history, node.ID)
		var nextChainAt int64
		hasNext := i+1 < len(chain)
		if hasNext {
			nextChainAt = int64(chain[i+1].CreatedAt)
		}
		for _, c := range children {
			if onChain[c.ID] {
				continue
			}
			if hasNext && int64(c.CreatedAt) >= nextChainAt {
				continue
			}
			out = append(out, c)
		}
	}
	// Ensure target itself is present exactly once at the end if it
	// wasn't already emitted as the last chain node (it always is, since
	// chain's last element is target by construction).
	return out, nil
}

// directChildren returns events whose parent "e" tag is parentID, in
// timestamp order, excluding parentID itself.
func directChildren(history []*core.Event, parentID string) []*core.Event {
	var out []*core.Event
	for _, e := range history {
		if e.ID == parentID {
			continue
		}
		if core.ParentEventID(e.Tags) == parentID {
			out = append(out, e)
		}
	}
	// insertion sort by created_at (history is typically small per
	// conversation-level fan-out; stable, deterministic tie-break on id).
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && lessEvent(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func lessEvent(a, b *core.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
