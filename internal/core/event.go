// Package core defines the event/tag/error vocabulary shared by every
// component of the orchestration engine.
package core

import (
	"github.com/nbd-wtf/go-nostr"
)

// Event is the engine's signed, content-addressed record. We alias it
// directly onto nostr.Event rather than defining a parallel wire format:
// id/sig/pubkey computation and verification reuse go-nostr's own
// Event.Sign / Event.CheckSignature / Event.GetID.
type Event = nostr.Event

// Tags is the ordered-sequence-of-ordered-sequences tag container.
type Tags = nostr.Tags

// Tag is a single [name, value, ...] tag.
type Tag = nostr.Tag

// Timestamp is the unix-seconds type go-nostr uses for Event.CreatedAt.
type Timestamp = nostr.Timestamp

// Kind reservations. These are opaque labels owned by an external
// collaborator; the core only relies on their semantics, so these
// numbers are a concrete, swappable default.
const (
	KindConversationNote   = 1111
	KindMetadata           = 1112
	KindLesson             = 1113
	KindToolStatus         = 1114
	KindProjectDefinition  = 30117 // parameterized-replaceable, NIP-33 style
	KindAgentDefinition    = 30118 // parameterized-replaceable
	KindStatus             = 1116
	KindEncryptedDirectMsg = 4 // NIP-04, used for human "ask" delegations
)

// Tag names used by the core.
const (
	TagE           = "e"
	TagP           = "p"
	TagA           = "a"
	TagConv        = "conversation"
	TagConvAlt     = "E"
	TagPhase       = "phase"
	TagDelegation  = "delegation"
	TagAsk         = "ask"
	TagQuestion    = "question"
	TagMultiselect = "multiselect"
	TagSuggestion  = "suggestion"
	TagTitle       = "title"
	TagTldr        = "tldr"
	TagTool        = "tool"
	TagToolStatus  = "tool-status"
	TagToolDur     = "tool-duration"
	TagExecTime    = "execution-time"
	TagVoiceMode   = "voice-mode"
	TagBranch      = "branch"
	TagError       = "error"
	TagReason      = "reason"
)

// Markers used on the 4th slot of an "e" tag.
const (
	MarkerRoot   = "root"
	MarkerReply  = "reply"
	MarkerMention = "mention"
)

// FirstTagValue returns the value (2nd element) of the first tag named
// name, or "" if absent.
func FirstTagValue(tags Tags, name string) string {
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// AllTagValues returns the value of every tag named name, in order.
func AllTagValues(tags Tags, name string) []string {
	var out []string
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			out = append(out, t[1])
		}
	}
	return out
}

// ParentEventID returns the event id this event replies to, following the
// NIP-10 convention: the "e" tag marked "reply" if present, otherwise the
// one marked "root", otherwise the last "e" tag.
func ParentEventID(tags Tags) string {
	var root, reply, last string
	for _, t := range tags {
		if len(t) < 2 || t[0] != TagE {
			continue
		}
		last = t[1]
		if len(t) >= 4 {
			switch t[3] {
			case MarkerRoot:
				root = t[1]
			case MarkerReply:
				reply = t[1]
			}
		}
	}
	if reply != "" {
		return reply
	}
	if root != "" {
		return root
	}
	return last
}

// ConversationID extracts the conversation root id from an event's tags,
// preferring an explicit conversation/E tag, falling back to the marked
// root "e" tag.
func ConversationID(tags Tags) string {
	if v := FirstTagValue(tags, TagConv); v != "" {
		return v
	}
	if v := FirstTagValue(tags, TagConvAlt); v != "" {
		return v
	}
	for _, t := range tags {
		if len(t) >= 4 && t[0] == TagE && t[3] == MarkerRoot {
			return t[1]
		}
	}
	return ""
}
