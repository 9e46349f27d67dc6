// Package promptx implements the PromptComposer: deterministic
// construction of the LLM message list for one RAL turn, built from
// ordered system-block sections, injected "+"-prefixed home-directory
// files, and a pre-send sanitization pass.
package promptx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nexuscore/nexuscore/internal/concurrency"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/pkg/llmservice"
)

const (
	maxInjectedFiles  = 10
	maxInjectedChars  = 1500
)

// DelegationContext carries the delegation-completion enhancer inputs,
// present only when the current turn resumes from a completed
// delegation.
type DelegationContext struct {
	Replies           []DelegationReply
	OtherPending      bool
}

// DelegationReply is one recipient's answer, injected as synthetic user
// content when a parked RAL resumes.
type DelegationReply struct {
	Recipient string
	Content   string
	EventID   string
}

// Input bundles everything Compose needs for one turn.
type Input struct {
	Agent             core.AgentDefinition
	AgentPubkey       string
	Phase             core.Phase
	GlobalSystemFrag  string
	HomeDirectory     string
	MCPResourceDescriptors []string

	Thread            []*core.Event
	TriggeringEvent   *core.Event

	VoiceMode         bool
	DebugMode         bool
	Delegation        *DelegationContext
	SelfRALNumber     int64
	Siblings          []concurrency.SiblingSummary

	RespondingToName  string // display name or pubkey of the triggering event's author
}

// Composer builds the deterministic message sequence for one RAL turn.
type Composer struct {
	readHomeFiles func(dir string) ([]homeFile, error)
}

type homeFile struct {
	name    string
	content string
}

// New creates a Composer using the real filesystem for home-directory
// file injection.
func New() *Composer {
	return &Composer{readHomeFiles: readHomeFilesFS}
}

// Compose builds the ordered message list for one RAL turn, plus whether
// a sanitization strip occurred (used to emit a diagnostic event).
func (c *Composer) Compose(in Input) ([]llmservice.Message, bool, error) {
	var msgs []llmservice.Message

	sysBlock, err := c.systemBlock(in)
	if err != nil {
		return nil, false, err
	}
	msgs = append(msgs, llmservice.Message{Role: llmservice.RoleSystem, Content: sysBlock})

	for _, enhancer := range contextEnhancers(in) {
		msgs = append(msgs, llmservice.Message{Role: llmservice.RoleSystem, Content: enhancer})
	}

	for _, e := range in.Thread {
		role := llmservice.RoleUser
		if e.PubKey == in.AgentPubkey {
			role = llmservice.RoleAssistant
		}
		msgs = append(msgs, llmservice.Message{Role: role, Content: e.Content, Name: shortPubkey(e.PubKey)})
	}

	msgs = append(msgs, llmservice.Message{
		Role:    llmservice.RoleSystem,
		Content: "--- the following is the message to respond to ---",
	})

	sanitized, stripped := sanitize(msgs)
	return sanitized, stripped, nil
}

// systemBlock assembles the five ordered system-prompt sections: identity
// and role, instructions, phase instructions, global fragment, and
// injected home-directory files / MCP resources.
func (c *Composer) systemBlock(in Input) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, role=%s.\n", displayName(in.Agent), in.Agent.Role)
	if in.Agent.Instructions != "" {
		b.WriteString(in.Agent.Instructions)
		b.WriteString("\n")
	}

	if frag, ok := in.Agent.Phases[in.Phase]; ok && frag != "" {
		b.WriteString("\nPhase instructions (" + string(in.Phase) + "):\n")
		b.WriteString(frag)
		b.WriteString("\n")
	}

	if in.GlobalSystemFrag != "" {
		b.WriteString("\n")
		b.WriteString(in.GlobalSystemFrag)
		b.WriteString("\n")
	}

	if in.HomeDirectory != "" && c.readHomeFiles != nil {
		files, err := c.readHomeFiles(in.HomeDirectory)
		if err != nil {
			return "", core.Wrap(core.ErrTypeExecution, err, "reading injected files from %s", in.HomeDirectory)
		}
		if len(files) > 0 {
			b.WriteString("\nInjected files:\n")
			for _, f := range files {
				fmt.Fprintf(&b, "--- %s ---\n%s\n", f.name, f.content)
			}
		}
	}

	if len(in.MCPResourceDescriptors) > 0 {
		b.WriteString("\nAvailable MCP resources:\n")
		for _, d := range in.MCPResourceDescriptors {
			b.WriteString("- " + d + "\n")
		}
	}

	return b.String(), nil
}

// contextEnhancers builds the optional context fragments, in order.
func contextEnhancers(in Input) []string {
	var out []string
	if in.VoiceMode {
		out = append(out, "Voice mode is active: keep responses conversational and brief.")
	}
	if in.DebugMode {
		out = append(out, "Debug mode is active: include internal reasoning markers where useful.")
	}
	if in.Delegation != nil {
		var b strings.Builder
		b.WriteString("Delegation replies received:\n")
		for _, r := range in.Delegation.Replies {
			fmt.Fprintf(&b, "- %s: %s\n", shortPubkey(r.Recipient), r.Content)
		}
		if in.Delegation.OtherPending {
			b.WriteString("Other delegations from this turn are still pending.\n")
		} else {
			b.WriteString("All delegations from this turn have been accounted for.\n")
		}
		out = append(out, b.String())
	}
	if len(in.Siblings) > 0 {
		var b strings.Builder
		b.WriteString(fmt.Sprintf("Concurrent RALs in this conversation (you are #%d):\n", in.SelfRALNumber))
		for _, s := range in.Siblings {
			fmt.Fprintf(&b, "- #%d %s (phase=%s): %s\n", s.RALNumber, s.AgentSlug, s.Phase, s.ActionHistorySummary)
		}
		out = append(out, b.String())
	}
	if in.RespondingToName != "" {
		out = append(out, "Responding to: "+in.RespondingToName)
	}
	return out
}

// sanitize strips empty-content user/assistant messages and any trailing
// assistant messages, reporting whether anything was removed.
func sanitize(msgs []llmservice.Message) ([]llmservice.Message, bool) {
	stripped := false
	out := make([]llmservice.Message, 0, len(msgs))
	for _, m := range msgs {
		if (m.Role == llmservice.RoleUser || m.Role == llmservice.RoleAssistant) && strings.TrimSpace(m.Content) == "" {
			stripped = true
			continue
		}
		out = append(out, m)
	}
	for len(out) > 0 && out[len(out)-1].Role == llmservice.RoleAssistant {
		out = out[:len(out)-1]
		stripped = true
	}
	return out, stripped
}

func displayName(a core.AgentDefinition) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Slug
}

func shortPubkey(pk string) string {
	if len(pk) > 12 {
		return pk[:12]
	}
	return pk
}

// readHomeFilesFS reads files in dir whose names begin with "+",
// alphabetically, each bounded to maxInjectedChars, symlinks rejected,
// max maxInjectedFiles.
func readHomeFilesFS(dir string) ([]homeFile, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "+") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxInjectedFiles {
		names = names[:maxInjectedFiles]
	}

	var out []homeFile
	for _, name := range names {
		full := filepath.Join(dir, name)
		info, err := os.Lstat(full)
		if err != nil {
			continue
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue // symlinks rejected
		}
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		content := string(data)
		if len(content) > maxInjectedChars {
			content = content[:maxInjectedChars]
		}
		out = append(out, homeFile{name: name, content: content})
	}
	return out, nil
}
