package convstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nexuscore/nexuscore/internal/core"
)

// convState is the per-conversation mutable state, protected by its own
// mutex so that reads may proceed concurrently with writes to other
// conversations (writes are serialized per conversation id).
type convState struct {
	mu         sync.RWMutex
	conv       core.Conversation
	history    []*core.Event
	phaseLog   []core.PhaseTransition
	kv         map[string]map[string]string // agentSlug -> key -> value
	kvOwner    map[string]string            // key -> owning agentSlug (single-writer enforcement)
}

// MemoryStore is the in-memory ConversationStore, grounded on the
// teacher's internal/sessions/memory.go in-process store idiom. Used by
// tests and as a fast default for single-process deployments.
type MemoryStore struct {
	mu    sync.Mutex
	convs map[string]*convState

	eventIndexMu sync.Mutex
	eventIndex   map[string]string // event id -> owning conversation id

	seenMu sync.Mutex
	seen   map[string]bool

	delegMu     sync.Mutex
	delegations map[string]*core.DelegationRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:       make(map[string]*convState),
		eventIndex:  make(map[string]string),
		seen:        make(map[string]bool),
		delegations: make(map[string]*core.DelegationRecord),
	}
}

func (s *MemoryStore) stateFor(convID string) *convState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[convID]
	if !ok {
		st = &convState{
			conv:    core.Conversation{ID: convID, RootEventID: convID, Phase: core.PhaseChat},
			kv:      make(map[string]map[string]string),
			kvOwner: make(map[string]string),
		}
		s.convs[convID] = st
	}
	return st
}

func (s *MemoryStore) LoadOrCreate(_ context.Context, rootEventID string) (*core.Conversation, error) {
	st := s.stateFor(rootEventID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	c := st.conv
	return &c, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, convID string, event *core.Event) error {
	st := s.stateFor(convID)
	st.mu.Lock()
	duplicate := false
	for _, e := range st.history {
		if e.ID == event.ID {
			duplicate = true
			break
		}
	}
	if !duplicate {
		st.history = append(st.history, event)
	}
	st.mu.Unlock()
	if duplicate {
		return nil
	}

	s.eventIndexMu.Lock()
	s.eventIndex[event.ID] = convID
	s.eventIndexMu.Unlock()
	return nil
}

func (s *MemoryStore) SetPhase(_ context.Context, convID string, newPhase core.Phase, authorPubkey, message string) error {
	st := s.stateFor(convID)
	st.mu.Lock()
	defer st.mu.Unlock()
	from := st.conv.Phase
	st.conv.Phase = newPhase
	st.phaseLog = append(st.phaseLog, core.PhaseTransition{
		From: from, To: newPhase, Author: authorPubkey, Message: message, At: time.Now(),
	})
	return nil
}

func (s *MemoryStore) SetTitle(_ context.Context, convID, title string) error {
	st := s.stateFor(convID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.conv.Title = title // idempotent last-writer-wins
	return nil
}

func (s *MemoryStore) KVGet(_ context.Context, convID, agentSlug, key string) (string, bool, error) {
	st := s.stateFor(convID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	m, ok := st.kv[agentSlug]
	if !ok {
		return "", false, nil
	}
	v, ok := m[key]
	return v, ok, nil
}

func (s *MemoryStore) KVSet(_ context.Context, convID, agentSlug, key, value string) error {
	st := s.stateFor(convID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if owner, exists := st.kvOwner[key]; exists && owner != agentSlug {
		return core.ErrNotOwner
	}
	st.kvOwner[key] = agentSlug
	if st.kv[agentSlug] == nil {
		st.kv[agentSlug] = make(map[string]string)
	}
	st.kv[agentSlug][key] = value
	return nil
}

func (s *MemoryStore) ThreadTo(_ context.Context, convID, eventID string) ([]*core.Event, error) {
	st := s.stateFor(convID)
	st.mu.RLock()
	history := append([]*core.Event(nil), st.history...)
	root := st.conv.RootEventID
	st.mu.RUnlock()
	return threadWalk(history, root, eventID)
}

func (s *MemoryStore) History(_ context.Context, convID string) ([]*core.Event, error) {
	st := s.stateFor(convID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := append([]*core.Event(nil), st.history...)
	sort.Slice(out, func(i, j int) bool { return lessEvent(out[i], out[j]) })
	return out, nil
}

func (s *MemoryStore) PhaseLog(_ context.Context, convID string) ([]core.PhaseTransition, error) {
	st := s.stateFor(convID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]core.PhaseTransition(nil), st.phaseLog...), nil
}

func (s *MemoryStore) Conversation(_ context.Context, convID string) (*core.Conversation, error) {
	st := s.stateFor(convID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	c := st.conv
	return &c, nil
}

func (s *MemoryStore) ConversationIDForEvent(_ context.Context, eventID string) (string, bool, error) {
	s.eventIndexMu.Lock()
	defer s.eventIndexMu.Unlock()
	convID, ok := s.eventIndex[eventID]
	return convID, ok, nil
}

func (s *MemoryStore) HasSeen(_ context.Context, eventID string) (bool, error) {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	return s.seen[eventID], nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, eventID string) error {
	s.seenMu.Lock()
	defer s.seenMu.Unlock()
	s.seen[eventID] = true
	return nil
}

func (s *MemoryStore) SaveDelegation(_ context.Context, rec *core.DelegationRecord) error {
	s.delegMu.Lock()
	defer s.delegMu.Unlock()
	cp := *rec
	cp.Replies = make(map[string]*core.Event, len(rec.Replies))
	for k, v := range rec.Replies {
		cp.Replies[k] = v
	}
	s.delegations[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) LoadDelegation(_ context.Context, id string) (*core.DelegationRecord, error) {
	s.delegMu.Lock()
	defer s.delegMu.Unlock()
	rec, ok := s.delegations[id]
	if !ok {
		return nil, core.NewError(core.ErrTypeValidation, "delegation %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) PendingDelegations(_ context.Context, convID string) ([]*core.DelegationRecord, error) {
	s.delegMu.Lock()
	defer s.delegMu.Unlock()
	var out []*core.DelegationRecord
	for _, rec := range s.delegations {
		if rec.ChildConvID == convID && rec.Status == core.DelegationPending {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
