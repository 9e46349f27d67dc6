package core

import "time"

// Phase is one of the ordered conversation lifecycle segments.
type Phase string

const (
	PhaseChat          Phase = "chat"
	PhaseBrainstorm    Phase = "brainstorm"
	PhasePlan          Phase = "plan"
	PhaseExecute       Phase = "execute"
	PhaseVerification  Phase = "verification"
	PhaseChores        Phase = "chores"
	PhaseReflection    Phase = "reflection"
)

// PhaseOrder is the canonical forward ordering used by PhaseMachine to
// determine "immediate successor".
var PhaseOrder = []Phase{
	PhaseChat, PhaseBrainstorm, PhasePlan, PhaseExecute, PhaseVerification, PhaseChores, PhaseReflection,
}

// Conversation is the root-event-id-identified tree of events. The event
// history itself lives in ConversationStore; this struct carries the
// summary fields callers need without re-walking the full history each
// time.
type Conversation struct {
	ID          string
	Title       string
	RootEventID string
	Phase       Phase
}

// AgentRole categorizes an agent for PhaseMachine's transition policy.
type AgentRole string

const (
	RolePrincipal    AgentRole = "principal"
	RoleOrchestrator AgentRole = "orchestrator"
	RoleWorker       AgentRole = "worker"
	RoleAdvisor      AgentRole = "advisor"
	RoleAuditor      AgentRole = "auditor"
)

// CanTransitionAny reports whether a role may transition to any phase.
func (r AgentRole) CanTransitionAny() bool {
	return r == RolePrincipal || r == RoleOrchestrator
}

// PhaseTransition is one logged phase change.
type PhaseTransition struct {
	From      Phase
	To        Phase
	Author    string // pubkey
	Message   string
	At        time.Time
}

// DelegationStatus enumerates a DelegationRecord's lifecycle.
type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationCompleted DelegationStatus = "completed"
	DelegationCancelled DelegationStatus = "cancelled"
)

// DelegationRecord tracks one parent-RAL-parking delegation.
type DelegationRecord struct {
	ID               string
	ParentRALHandle  string // ral handle key: conv_id + "/" + agent_slug
	ChildConvID      string
	Recipients       []string // pubkeys
	Replies          map[string]*Event // recipient pubkey -> reply event, nil if pending
	PhaseAtStart     Phase
	IsAsk            bool
	Deadline         *time.Time
	Status           DelegationStatus
	RequestEventID   string
	CreatedAt        time.Time
}

// Pending returns the recipients that have not yet replied.
func (d *DelegationRecord) Pending() []string {
	var p []string
	for _, r := range d.Recipients {
		if d.Replies[r] == nil {
			p = append(p, r)
		}
	}
	return p
}

// RALStatus enumerates the lifecycle of one RAL.
type RALStatus string

const (
	RALRunning            RALStatus = "running"
	RALAwaitingDelegation RALStatus = "awaiting-delegation"
	RALCompleted          RALStatus = "completed"
	RALCancelled          RALStatus = "cancelled"
	RALErrored            RALStatus = "errored"
)

// ActionRecord summarizes one tool invocation for sibling-RAL context and
// for the prompt composer's action-history fragment.
type ActionRecord struct {
	ToolName string
	Summary  string
	At       time.Time
}

// RALHandle identifies one live or terminated RAL.
type RALHandle struct {
	RALNumber         int64
	AgentSlug         string
	ConversationID    string
	TriggeringEventID string
	StartedAt         time.Time
	Status            RALStatus
	ActionHistory     []ActionRecord
}

// Key returns the (conversation_id, agent_slug) identity a RAL is unique
// under: at most one live RAL per key.
func (h *RALHandle) Key() string {
	return h.ConversationID + "/" + h.AgentSlug
}

// AgentDefinition describes one named agent loaded at project start.
type AgentDefinition struct {
	Slug          string
	Name          string
	Role          AgentRole
	Instructions  string
	ToolAllow     []string
	LLMConfigName string
	Phases        map[Phase]string // phase -> phase-specific instructions
	MCPServers    []string
	Category      string // advisory, used by ToolDeniesByCategory
	MaxAgentSteps int    // default 10 if zero
	Preempt       bool   // overrides the resume default for this agent
}

// MaxSteps returns MaxAgentSteps with a default of 10 applied.
func (a *AgentDefinition) MaxSteps() int {
	if a.MaxAgentSteps <= 0 {
		return 10
	}
	return a.MaxAgentSteps
}
