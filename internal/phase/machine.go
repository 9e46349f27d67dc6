// Package phase implements the PhaseMachine: the ordered
// chat/brainstorm/plan/execute/verification/chores/reflection lifecycle
// and the transition policy gating it, using the ordered core.PhaseOrder
// and typed rejection errors built around a simple role-based policy.
package phase

import (
	"github.com/nexuscore/nexuscore/internal/core"
)

// Machine enforces the phase transition policy: principal/orchestrator
// may transition to any phase; worker/advisor/auditor may only advance to
// the immediate successor; any role may transition back to chat.
type Machine struct{}

// New creates a Machine. Stateless: phase lives on core.Conversation via
// ConversationStore, not here.
func New() *Machine { return &Machine{} }

// Allow reports whether role may transition the conversation from cur to
// next, returning a typed error on rejection. A rejection is recoverable:
// the caller surfaces the error to the RAL and the turn continues.
func (m *Machine) Allow(role core.AgentRole, cur, next core.Phase) error {
	if cur == next {
		return core.NewError(core.ErrTypeValidation, "phase %s is already current", cur)
	}
	if next == core.PhaseChat {
		return nil // recovery path: any role may return to chat
	}
	if role.CanTransitionAny() {
		return nil
	}
	successor, ok := immediateSuccessor(cur)
	if !ok || successor != next {
		return core.NewError(core.ErrTypeValidation,
			"role %s may only advance %s to its immediate successor, not to %s", role, cur, next)
	}
	return nil
}

// immediateSuccessor returns the phase immediately following cur in
// core.PhaseOrder.
func immediateSuccessor(cur core.Phase) (core.Phase, bool) {
	for i, p := range core.PhaseOrder {
		if p == cur {
			if i+1 < len(core.PhaseOrder) {
				return core.PhaseOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}
