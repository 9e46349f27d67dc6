// Package router implements the event->conversation->agent Router: an
// event-intake loop (has-seen check, conversation resolution,
// target-agent fan-out) using pubkey-tag based routing rather than
// channel-id based routing.
package router

import (
	"context"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/convstore"
	"github.com/nexuscore/nexuscore/internal/core"
)

// SeenMarker is the EventBus surface the Router needs for step 1 of the
// algorithm (has_seen / mark_seen); satisfied by *nostrbus.Bus and
// *nostrbus.MemoryBus.
type SeenMarker interface {
	HasSeen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// RALSpawner is the surface the Router needs to deliver a triggering
// event to an agent: spawn a new RAL, or resume a live one. Satisfied by
// *ral.Manager; kept as an interface here so router does not import ral
// (ral already imports router's sibling packages and this keeps the
// dependency graph acyclic).
type RALSpawner interface {
	// IsLive reports whether a RAL is currently running for (convID, agentSlug).
	IsLive(convID, agentSlug string) bool
	// Spawn starts a new RAL for (convID, agentSlug) triggered by event.
	Spawn(ctx context.Context, convID, agentSlug string, event *core.Event) error
	// Resume delivers event to the already-live RAL for (convID, agentSlug).
	Resume(ctx context.Context, convID, agentSlug string, event *core.Event) error
}

// RoutingPolicy resolves target agents when an event carries no p-tags
// matching a project agent.
type RoutingPolicy struct {
	// PrimaryAgentSlug is the project's configured primary/orchestrator
	// agent, used as the fallback target.
	PrimaryAgentSlug string
	// DelegationCoordinatorSlug resolves the parent RAL's coordinator
	// agent slug for an event that replies on an active delegation, or ""
	// if convID/eventID is not part of one.
	DelegationCoordinatorSlug func(convID string, event *core.Event) (string, bool)
}

// Router resolves each inbound event to a conversation and target agent,
// then spawns or resumes that agent's RAL.
type Router struct {
	bus     SeenMarker
	store   convstore.Store
	agents  *agentreg.Registry
	spawner RALSpawner
	policy  RoutingPolicy
}

// New builds a Router wiring EventBus, ConversationStore, AgentRegistry,
// a RAL spawner, and the project's routing policy.
func New(bus SeenMarker, store convstore.Store, agents *agentreg.Registry, spawner RALSpawner, policy RoutingPolicy) *Router {
	return &Router{bus: bus, store: store, agents: agents, spawner: spawner, policy: policy}
}

// Route runs the full algorithm for one incoming event.
func (r *Router) Route(ctx context.Context, event *core.Event) error {
	// Step 1: has_seen check.
	seen, err := r.bus.HasSeen(ctx, event.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}
	if err := r.bus.MarkSeen(ctx, event.ID); err != nil {
		return err
	}

	// Step 2: determine conversation id. An explicit conversation/E tag or
	// a root-marked e tag settles it directly; otherwise walk up to the
	// immediate parent event and reuse its already-resolved conversation
	// id, so a reply nested below the literal root still continues the
	// same thread instead of minting a new one.
	convID := core.ConversationID(event.Tags)
	if convID == "" {
		if parentID := core.ParentEventID(event.Tags); parentID != "" {
			if parentConvID, ok, err := r.store.ConversationIDForEvent(ctx, parentID); err == nil && ok {
				convID = parentConvID
			}
		}
	}
	if convID == "" {
		convID = event.ID // the event itself becomes a root
	}

	// Step 3: append to ConversationStore.
	if _, err := r.store.LoadOrCreate(ctx, convID); err != nil {
		return err
	}
	if err := r.store.AppendEvent(ctx, convID, event); err != nil {
		return err
	}

	// Step 4: determine target agents.
	targets := r.targetAgents(convID, event)

	// Step 5: spawn or resume per target.
	for _, slug := range targets {
		if r.spawner.IsLive(convID, slug) {
			if err := r.spawner.Resume(ctx, convID, slug, event); err != nil {
				return err
			}
			continue
		}
		if err := r.spawner.Spawn(ctx, convID, slug, event); err != nil {
			return err
		}
	}
	return nil
}

// targetAgents implements step 4: intersect project agents with p-tagged
// pubkeys; fall back to routing policy when empty.
func (r *Router) targetAgents(convID string, event *core.Event) []string {
	var tagged []string
	for _, pk := range core.AllTagValues(event.Tags, core.TagP) {
		if def, ok := r.agents.ByPubkey(pk); ok {
			tagged = append(tagged, def.Slug)
		}
	}
	if len(tagged) > 0 {
		return tagged
	}

	if r.policy.DelegationCoordinatorSlug != nil {
		if slug, ok := r.policy.DelegationCoordinatorSlug(convID, event); ok {
			return []string{slug}
		}
	}
	if r.policy.PrimaryAgentSlug != "" {
		return []string{r.policy.PrimaryAgentSlug}
	}
	return nil
}
