package toolruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexuscore/nexuscore/internal/core"
)

// ExecutionContext carries everything a tool's Execute needs: the acting
// agent, conversation/working-directory scope, and a cancellation signal
// that aborts any in-flight tool call that accepts an abort signal.
type ExecutionContext struct {
	Context                      context.Context
	ConversationID               string
	AgentSlug                    string
	AgentHomeDir                 string // derived from the agent's pubkey prefix
	WorkingDirectory             string // conversation-scoped project directory
	AllowOutsideWorkingDirectory bool
	ToolCallID                   string
}

// Scope builds the ScopeRule a filesystem-touching tool should check
// every path argument against before acting on it.
func (e ExecutionContext) Scope() ScopeRule {
	return ScopeRule{
		HomeDir:                      e.AgentHomeDir,
		WorkingDirectory:             e.WorkingDirectory,
		AllowOutsideWorkingDirectory: e.AllowOutsideWorkingDirectory,
	}
}

// StopSignal is returned by delegation-class tools to park the RAL rather
// than continue the tool loop.
type StopSignal struct {
	DelegationSpec any // interpreted by internal/delegation
}

// ErrorText is a soft, LLM-visible failure that does not abort the RAL,
// distinct from a returned Go error (which the runtime treats as an
// ExecutionError -- tools choose which one to return).
type ErrorText string

// Result is the tagged-union return value of a tool's Execute.
type Result struct {
	Value      any       // success: string/object/binary descriptor
	SoftError  ErrorText // non-empty: LLM-visible soft failure
	Stop       *StopSignal
}

// Tool is the small, value-shaped interface every tool implements: a
// name/description/schema triple plus Execute, so the runtime can hold
// all registered tools as a single slug -> Tool map.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx ExecutionContext, args map[string]any) (Result, error)
}

// Status is the tool-status telemetry state published for each call.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StatusSink receives tool-status notifications from Execute. This module
// ships only NoopStatusSink, and NewRuntime uses it when given nil, so
// no tool-status events are published.
type StatusSink interface {
	ToolStatus(toolName string, status Status, duration time.Duration, reason string)
}

// NoopStatusSink discards status events; used by tests that don't assert
// on telemetry.
type NoopStatusSink struct{}

func (NoopStatusSink) ToolStatus(string, Status, time.Duration, string) {}

// Runtime is the ToolRuntime.
type Runtime struct {
	tools    map[string]Tool
	resolver *Resolver
	status   StatusSink
}

// NewRuntime registers the given tools by name.
func NewRuntime(status StatusSink, tools ...Tool) *Runtime {
	if status == nil {
		status = NoopStatusSink{}
	}
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		m[NormalizeTool(t.Name())] = t
	}
	return &Runtime{tools: m, resolver: NewResolver(), status: status}
}

// Tools returns every registered tool, in no particular order; used to
// build the provider-facing ToolSpec list scoped to one agent's
// tool_allow.
func (r *Runtime) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute enforces the agent's tool_allow list, validates args against
// the tool's schema, then runs the tool. Filesystem scope is not checked
// here; tools check it themselves through ExecutionContext.Scope.
func (r *Runtime) Execute(ectx ExecutionContext, toolAllow []string, toolName string, rawArgs map[string]any) (Result, error) {
	start := time.Now()
	r.status.ToolStatus(toolName, StatusStarting, 0, "")

	decision := r.resolver.Decide(toolAllow, toolName)
	if !decision.Allowed {
		r.status.ToolStatus(toolName, StatusFailed, time.Since(start), "denied")
		return Result{SoftError: ErrorText(DenialMessage(toolName, toolAllow))}, nil
	}

	tool, ok := r.tools[NormalizeTool(toolName)]
	if !ok {
		r.status.ToolStatus(toolName, StatusFailed, time.Since(start), "not_found")
		return Result{SoftError: ErrorText(fmt.Sprintf("unknown tool: %s", toolName))}, nil
	}

	if err := validateArgs(tool.InputSchema(), rawArgs); err != nil {
		r.status.ToolStatus(toolName, StatusFailed, time.Since(start), "invalid_args")
		return Result{SoftError: ErrorText(fmt.Sprintf("invalid arguments for %s: %v", toolName, err))}, nil
	}

	r.status.ToolStatus(toolName, StatusRunning, time.Since(start), "")
	result, err := tool.Execute(ectx, rawArgs)
	if err != nil {
		r.status.ToolStatus(toolName, StatusFailed, time.Since(start), err.Error())
		return Result{}, core.Wrap(core.ErrTypeExecution, err, "tool %s execution failed", toolName)
	}
	r.status.ToolStatus(toolName, StatusCompleted, time.Since(start), "")
	return result, nil
}

// validateArgs compiles schema on the fly and validates args against it,
// using santhosh-tekuri/jsonschema/v5.
func validateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	compiled, err := jsonschema.CompileString("tool-input.json", string(raw))
	if err != nil {
		return err
	}
	argRaw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(argRaw, &decoded); err != nil {
		return err
	}
	return compiled.Validate(decoded)
}

// FormatValue renders a tool's success value: scalar strings pass
// through, objects are JSON-encoded, binary results become a
// descriptor.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return fmt.Sprintf("[binary, %d bytes, mime=application/octet-stream]", len(val))
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}
