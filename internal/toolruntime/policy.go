// Package toolruntime implements the ToolRuntime: argument validation,
// scope enforcement, tool-allow-list enforcement, and StopSignal
// handling for delegation-class tools. The resolver matches a tool name
// against the agent's ordered tool_allow list with wildcards; it takes
// no deny list.
package toolruntime

import "strings"

// NormalizeTool lowercases and trims a tool name.
func NormalizeTool(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// AllowDecision explains why a tool call was allowed or denied.
type AllowDecision struct {
	Allowed bool
	Tool    string
	Reason  string
}

// Resolver enforces an agent's tool_allow list against a requested tool
// name, supporting wildcard shapes ("*", "ns.*") so
// MCP-registered tool names compose with a plain tool_allow list without
// a separate code path.
type Resolver struct{}

// NewResolver creates a Resolver. Stateless: tool_allow lives on the
// AgentDefinition, not the resolver.
func NewResolver() *Resolver { return &Resolver{} }

// Decide checks toolName against allow, the agent's ordered tool_allow
// list, returning a decision with a human-readable reason suitable for
// an LLM-visible denial message enumerating the allow list.
func (r *Resolver) Decide(allow []string, toolName string) AllowDecision {
	normalized := NormalizeTool(toolName)
	for _, a := range allow {
		pattern := NormalizeTool(a)
		if matchToolPattern(pattern, normalized) {
			return AllowDecision{Allowed: true, Tool: normalized, Reason: "allowed by rule: " + pattern}
		}
	}
	return AllowDecision{Allowed: false, Tool: normalized, Reason: "no matching allow rule"}
}

// matchToolPattern supports "*", "ns.*" namespace wildcards, and exact
// match.
func matchToolPattern(pattern, toolName string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

// DenialMessage composes the LLM-visible denial text: a tool call to a
// tool not in the agent's tool_allow fails locally, and the LLM receives
// a tool-error message listing the denial and the allow-list.
func DenialMessage(toolName string, allow []string) string {
	var b strings.Builder
	b.WriteString("tool not allowed: ")
	b.WriteString(toolName)
	b.WriteString(". allowed tools: [")
	b.WriteString(strings.Join(allow, ", "))
	b.WriteString("]")
	return b.String()
}
