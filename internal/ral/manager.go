// Package ral implements the Reasoning-and-Action Loop: one RAL is one
// turn of one agent in one conversation, registered with the
// ConcurrentRALCoordinator, composing a prompt, streaming the LLM's
// response, dispatching tool calls through the ToolRuntime, and parking
// on a delegation StopSignal. The turn-execution state machine (stream/
// tool-call/continue cycle, budget-exhaustion terminal event) is built
// around a pluggable LLMService rather than any single provider.
package ral

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/concurrency"
	"github.com/nexuscore/nexuscore/internal/convstore"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/delegation"
	"github.com/nexuscore/nexuscore/internal/observability"
	"github.com/nexuscore/nexuscore/internal/promptx"
	"github.com/nexuscore/nexuscore/internal/toolruntime"
	"github.com/nexuscore/nexuscore/pkg/llmservice"
)

const defaultFlushInterval = 500 * time.Millisecond

// Publisher is the EventBus surface the RAL publishes signed events
// through.
type Publisher interface {
	Publish(ctx context.Context, event *core.Event) ([]string, error)
}

// ralState is the live bookkeeping for one (conversation, agent) RAL.
type ralState struct {
	handle  *core.RALHandle
	cancel  context.CancelFunc
	events  chan *core.Event
	wake    chan []delegation.Reply
}

// Manager is the RAL runtime: spawns, resumes, and tracks every live
// (conversation_id, agent_slug) loop, enforcing a single live RAL per
// key. It also implements delegation.Waker so the DelegationCoordinator
// can resume a parked RAL without an import cycle back into this
// package.
type Manager struct {
	store     convstore.Store
	agents    *agentreg.Registry
	composer  *promptx.Composer
	runtime   *toolruntime.Runtime
	llm       llmservice.LLMService
	pub       Publisher
	deleg     *delegation.Coordinator

	HomeBaseDir      string
	ProjectWorkingDir string
	FlushInterval    time.Duration

	mu          sync.Mutex
	live        map[string]*ralState
	coordinators map[string]*concurrency.Coordinator // one ConcurrentRALCoordinator per conversation
}

// New wires a Manager. deleg is set afterward via SetDelegationCoordinator
// to break the Manager<->Coordinator construction cycle (each needs a
// reference to the other).
func New(store convstore.Store, agents *agentreg.Registry, composer *promptx.Composer, runtime *toolruntime.Runtime, llm llmservice.LLMService, pub Publisher) *Manager {
	return &Manager{
		store:        store,
		agents:       agents,
		composer:     composer,
		runtime:      runtime,
		llm:          llm,
		pub:          pub,
		FlushInterval: defaultFlushInterval,
		live:         make(map[string]*ralState),
		coordinators: make(map[string]*concurrency.Coordinator),
	}
}

// SetDelegationCoordinator wires the DelegationCoordinator this Manager's
// tool calls register against and that wakes it on completion.
func (m *Manager) SetDelegationCoordinator(d *delegation.Coordinator) {
	m.deleg = d
}

func key(convID, agentSlug string) string { return convID + "/" + agentSlug }

// coordinatorFor returns the per-conversation ConcurrentRALCoordinator,
// creating it on first use.
func (m *Manager) coordinatorFor(convID string) *concurrency.Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coordinators[convID]
	if !ok {
		c = concurrency.New()
		m.coordinators[convID] = c
	}
	return c
}

// IsLive reports whether a RAL is currently live for (convID, agentSlug);
// implements router.RALSpawner.
func (m *Manager) IsLive(convID, agentSlug string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[key(convID, agentSlug)]
	return ok
}

// Spawn starts a new RAL; implements router.RALSpawner.
func (m *Manager) Spawn(ctx context.Context, convID, agentSlug string, event *core.Event) error {
	k := key(convID, agentSlug)
	m.mu.Lock()
	if _, exists := m.live[k]; exists {
		m.mu.Unlock()
		return core.ErrRALAlreadyLive
	}
	runCtx, cancel := context.WithCancel(context.Background())
	st := &ralState{cancel: cancel, events: make(chan *core.Event, 16), wake: make(chan []delegation.Reply, 1)}
	m.live[k] = st
	m.mu.Unlock()

	st.events <- event
	go m.run(runCtx, convID, agentSlug, st)
	return nil
}

// Resume delivers event to the live RAL per the agent's preempt/resume
// policy (default resume; an agent may opt into preempt via
// AgentDefinition.Preempt). Implements router.RALSpawner.
func (m *Manager) Resume(ctx context.Context, convID, agentSlug string, event *core.Event) error {
	k := key(convID, agentSlug)
	m.mu.Lock()
	st, ok := m.live[k]
	m.mu.Unlock()
	if !ok {
		return m.Spawn(ctx, convID, agentSlug, event)
	}

	def, _ := m.agents.BySlug(agentSlug)
	if def != nil && def.Preempt {
		st.cancel()
		m.mu.Lock()
		delete(m.live, k)
		m.mu.Unlock()
		return m.Spawn(ctx, convID, agentSlug, event)
	}

	select {
	case st.events <- event:
	default:
		// a full resumption queue drops this incoming signal rather
		// than block the router; the event is already durably in history
		// and will be picked up by the next thread_to walk regardless.
	}
	return nil
}

// WakeRAL implements delegation.Waker: injects replies as a synthetic
// resumption for the parked RAL.
func (m *Manager) WakeRAL(_ context.Context, convID, agentSlug string, replies []delegation.Reply) error {
	m.mu.Lock()
	st, ok := m.live[key(convID, agentSlug)]
	m.mu.Unlock()
	if !ok {
		return core.NewError(core.ErrTypeValidation, "no live ral to wake for %s/%s", convID, agentSlug)
	}
	select {
	case st.wake <- replies:
	default:
	}
	return nil
}

// run is the per-(conversation, agent) goroutine: it processes
// triggering/resumption events one at a time until cancelled.
func (m *Manager) run(ctx context.Context, convID, agentSlug string, st *ralState) {
	coord := m.coordinatorFor(convID)
	handle := coord.Register(agentSlug, convID, "", core.PhaseChat)
	st.handle = handle

	defer func() {
		coord.Unregister(handle.RALNumber)
		m.mu.Lock()
		delete(m.live, key(convID, agentSlug))
		m.mu.Unlock()
	}()

	for {
		select {
		case ev := <-st.events:
			// a completed/errored turn still leaves the RAL live to accept
			// further conversation input under the resume default; only
			// explicit cancellation (preempt, or context done) tears down
			// the registry entry via the deferred Unregister above.
			m.runTurn(ctx, convID, agentSlug, coord, st, ev)
		case <-ctx.Done():
			m.flushCancellation(convID, agentSlug, handle)
			return
		}
	}
}

// flushCancellation marks the handle cancelled and publishes an
// execution-time metadata event signed by the agent. It publishes no
// content of its own: runTurn flushes its buffer when its stream ends.
func (m *Manager) flushCancellation(convID, agentSlug string, handle *core.RALHandle) {
	handle.Status = core.RALCancelled
	ev := &core.Event{
		Kind:    core.KindMetadata,
		Content: "",
		Tags:    core.Tags{{core.TagExecTime, fmt.Sprintf("%d", time.Now().Unix())}},
	}
	if signer, ok := m.agents.Signer(agentSlug); ok {
		if err := signer.Sign(ev); err == nil {
			_, _ = m.pub.Publish(context.Background(), ev)
		}
	}
}

// runTurn executes one full turn for one triggering event: compose,
// stream, dispatch tool calls, and react to the stream's terminal chunk.
func (m *Manager) runTurn(ctx context.Context, convID, agentSlug string, coord *concurrency.Coordinator, st *ralState, triggeringEvent *core.Event) {
	handle := st.handle
	handle.TriggeringEventID = triggeringEvent.ID
	handle.Status = core.RALRunning

	ctx, span := observability.StartRALTurnSpan(ctx, convID, agentSlug, handle.RALNumber)
	var turnErr error
	defer func() {
		observability.EndSpan(span, turnErr)
		observability.RALTurns.WithLabelValues(string(handle.Status), agentSlug).Inc()
	}()

	def, ok := m.agents.BySlug(agentSlug)
	if !ok {
		handle.Status = core.RALErrored
		return
	}
	signer, ok := m.agents.Signer(agentSlug)
	if !ok {
		handle.Status = core.RALErrored
		return
	}

	conv, err := m.store.Conversation(ctx, convID)
	if err != nil {
		turnErr = err
		m.publishError(ctx, signer, triggeringEvent, conv, err)
		handle.Status = core.RALErrored
		return
	}
	thread, err := m.store.ThreadTo(ctx, convID, triggeringEvent.ID)
	if err != nil {
		turnErr = err
		m.publishError(ctx, signer, triggeringEvent, conv, err)
		handle.Status = core.RALErrored
		return
	}

	in := promptx.Input{
		Agent:            *def,
		AgentPubkey:      signer.Pubkey(),
		Phase:            conv.Phase,
		TriggeringEvent:  triggeringEvent,
		Thread:           thread,
		VoiceMode:        core.FirstTagValue(triggeringEvent.Tags, core.TagVoiceMode) == "true",
		SelfRALNumber:    handle.RALNumber,
		Siblings:         coord.OtherRALs(handle.RALNumber),
		RespondingToName: shortPubkey(triggeringEvent.PubKey),
		HomeDirectory:    toolruntime.AgentHomeDir(m.HomeBaseDir, signer.Pubkey()),
	}
	messages, stripped, err := m.composer.Compose(in)
	if err != nil {
		turnErr = err
		m.publishError(ctx, signer, triggeringEvent, conv, err)
		handle.Status = core.RALErrored
		return
	}
	if stripped {
		m.publishDiagnostic(ctx, signer, triggeringEvent, conv, "message sanitization stripped empty/trailing content")
	}

	tools := m.toolSpecsFor(def)
	toolCalls := 0
	publishedContent := false

	for {
		stream, err := m.llm.Stream(ctx, messages, tools, llmservice.StreamOptions{
			ConversationID:   convID,
			SessionID:        handle.Key(),
			WorkingDirectory: m.ProjectWorkingDir,
		})
		if err != nil {
			turnErr = err
			m.publishError(ctx, signer, triggeringEvent, conv, err)
			handle.Status = core.RALErrored
			return
		}

		var buf strings.Builder
		lastFlush := time.Now()
		flush := func(force bool) {
			if buf.Len() == 0 {
				return
			}
			if !force && time.Since(lastFlush) < m.flushInterval() && !strings.ContainsRune(buf.String(), '\n') {
				return
			}
			m.publishContent(ctx, signer, triggeringEvent, conv, buf.String())
			publishedContent = true
			buf.Reset()
			lastFlush = time.Now()
		}

		calledTool := false
		for chunk := range stream {
			switch chunk.Kind {
			case llmservice.ChunkToken:
				buf.WriteString(chunk.Token)
				flush(false)

			case llmservice.ChunkToolCall:
				flush(true)
				toolCalls++
				if toolCalls > def.MaxSteps() {
					m.publishBudgetExhausted(ctx, signer, triggeringEvent, conv)
					handle.Status = core.RALErrored
					return
				}
				result, toolMsg := m.callTool(ctx, convID, agentSlug, signer, def, coord, handle, chunk.ToolCall)
				if result.Stop != nil {
					handle.Status = core.RALAwaitingDelegation
					if err := m.parkForDelegation(ctx, signer, convID, agentSlug, handle, conv, *def, result.Stop); err != nil {
						turnErr = err
						m.publishError(ctx, signer, triggeringEvent, conv, err)
						handle.Status = core.RALErrored
					}
					return
				}
				messages = append(messages, toolMsg)
				calledTool = true

			case llmservice.ChunkFinish:
				flush(true)
				if calledTool {
					// the tool result still has to be fed back: let the
					// stream drain and re-invoke it below.
					continue
				}
				if !publishedContent {
					m.publishDiagnostic(ctx, signer, triggeringEvent, conv, "empty completion")
				}
				handle.Status = core.RALCompleted
				return

			case llmservice.ChunkError:
				turnErr = chunk.Err
				m.publishError(ctx, signer, triggeringEvent, conv, chunk.Err)
				handle.Status = core.RALErrored
				return
			}
		}

		if !calledTool {
			// the stream ended without an explicit finish chunk and without
			// a further tool call: treat as a normal completion.
			flush(true)
			if !publishedContent {
				m.publishDiagnostic(ctx, signer, triggeringEvent, conv, "empty completion")
			}
			handle.Status = core.RALCompleted
			return
		}
		// a tool call occurred: re-invoke the stream with the tool result
		// appended, feeding it back and continuing the turn.
	}
}

func (m *Manager) flushInterval() time.Duration {
	if m.FlushInterval <= 0 {
		return defaultFlushInterval
	}
	return m.FlushInterval
}

// callTool runs one LLM-requested tool call through the ToolRuntime and
// records the action against the ConcurrentRALCoordinator.
func (m *Manager) callTool(ctx context.Context, convID, agentSlug string, signer agentreg.Signer, def *core.AgentDefinition, coord *concurrency.Coordinator, handle *core.RALHandle, call *llmservice.ToolCall) (toolruntime.Result, llmservice.Message) {
	spanCtx, span := observability.StartToolCallSpan(ctx, call.Name)
	ectx := toolruntime.ExecutionContext{
		Context:          spanCtx,
		ConversationID:   convID,
		AgentSlug:        agentSlug,
		AgentHomeDir:     toolruntime.AgentHomeDir(m.HomeBaseDir, signer.Pubkey()),
		WorkingDirectory: m.ProjectWorkingDir,
		ToolCallID:       call.ID,
	}
	start := time.Now()
	result, err := m.runtime.Execute(ectx, def.ToolAllow, call.Name, call.Arguments)
	observability.ToolCallDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	coord.RecordAction(handle.RALNumber, core.ActionRecord{ToolName: call.Name, Summary: summarizeToolCall(call), At: time.Now()})
	if err != nil {
		observability.EndSpan(span, err)
		observability.ToolCalls.WithLabelValues(call.Name, "error").Inc()
		return toolruntime.Result{SoftError: toolruntime.ErrorText(err.Error())}, llmservice.Message{
			Role: llmservice.RoleTool, ToolCallID: call.ID, Content: err.Error(),
		}
	}
	if result.Stop != nil {
		observability.EndSpan(span, nil)
		observability.ToolCalls.WithLabelValues(call.Name, "stop").Inc()
		return result, llmservice.Message{}
	}
	content := string(result.SoftError)
	outcome := "ok"
	if content != "" {
		outcome = "denied"
	} else {
		content = toolruntime.FormatValue(result.Value)
	}
	observability.EndSpan(span, nil)
	observability.ToolCalls.WithLabelValues(call.Name, outcome).Inc()
	return result, llmservice.Message{Role: llmservice.RoleTool, ToolCallID: call.ID, Content: content}
}

func summarizeToolCall(call *llmservice.ToolCall) string {
	return fmt.Sprintf("called with %d args", len(call.Arguments))
}

// parkForDelegation registers the delegation and leaves the RAL awaiting
// replies; resumption happens via Manager.WakeRAL + a fresh runTurn
// invocation triggered by the Router once the completing reply event is
// routed back through the system.
func (m *Manager) parkForDelegation(ctx context.Context, signer agentreg.Signer, convID, agentSlug string, handle *core.RALHandle, conv *core.Conversation, def core.AgentDefinition, stop *toolruntime.StopSignal) error {
	spec, ok := stop.DelegationSpec.(delegation.Spec)
	if !ok {
		return core.NewError(core.ErrTypeValidation, "tool returned a StopSignal with an unrecognized delegation spec type")
	}
	spec.ParentRALHandle = handle.Key()
	if spec.ChildConvID == "" {
		spec.ChildConvID = convID
	}
	if spec.PhaseAtStart == "" {
		spec.PhaseAtStart = conv.Phase
	}
	_, err := m.deleg.Register(ctx, signer, spec)
	return err
}

func (m *Manager) toolSpecsFor(def *core.AgentDefinition) []llmservice.ToolSpec {
	var out []llmservice.ToolSpec
	for _, t := range m.runtime.Tools() {
		if toolruntime.NewResolver().Decide(def.ToolAllow, t.Name()).Allowed {
			out = append(out, llmservice.ToolSpec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
		}
	}
	return out
}

func shortPubkey(pk string) string {
	if len(pk) > 12 {
		return pk[:12]
	}
	return pk
}
