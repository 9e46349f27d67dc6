// Package concurrency implements the ConcurrentRALCoordinator: a
// per-conversation registry of live RALs plus advisory, reentrant, FIFO
// resource leases for cross-RAL shared mutation, using a channel-as-
// semaphore idiom reused here for leases rather than whole-conversation
// locking.
package concurrency

import (
	"context"
	"sort"
	"sync"

	"github.com/nexuscore/nexuscore/internal/core"
)

// SiblingSummary is one entry of PromptComposer's concurrent-RAL context
// fragment.
type SiblingSummary struct {
	RALNumber           int64
	AgentSlug           string
	Phase               core.Phase
	ActionHistorySummary string
}

type ralEntry struct {
	handle *core.RALHandle
	phase  core.Phase
}

// lease is a reentrant, FIFO-fair advisory lock on one resource key.
type lease struct {
	mu      sync.Mutex
	holder  int64 // ral_number currently holding, 0 if free
	waiters []chan struct{}
}

// Coordinator is one per conversation.
type Coordinator struct {
	mu      sync.Mutex
	nextNum int64
	rals    map[int64]*ralEntry

	leaseMu sync.Mutex
	leases  map[string]*lease
}

// New creates a per-conversation Coordinator.
func New() *Coordinator {
	return &Coordinator{
		rals:   make(map[int64]*ralEntry),
		leases: make(map[string]*lease),
	}
}

// Register assigns the next monotonic ral_number to a newly spawned RAL.
func (c *Coordinator) Register(agentSlug, conversationID, triggeringEventID string, startPhase core.Phase) *core.RALHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextNum++
	h := &core.RALHandle{
		RALNumber:         c.nextNum,
		AgentSlug:         agentSlug,
		ConversationID:    conversationID,
		TriggeringEventID: triggeringEventID,
		Status:            core.RALRunning,
	}
	c.rals[h.RALNumber] = &ralEntry{handle: h, phase: startPhase}
	return h
}

// Unregister removes a terminated RAL from the registry and releases any
// leases it still held: leases are always released on RAL termination.
func (c *Coordinator) Unregister(ralNumber int64) {
	c.mu.Lock()
	delete(c.rals, ralNumber)
	c.mu.Unlock()
	c.releaseAllHeldBy(ralNumber)
}

// SetPhase updates the tracked phase of a live RAL for sibling summaries.
func (c *Coordinator) SetPhase(ralNumber int64, p core.Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.rals[ralNumber]; ok {
		e.phase = p
	}
}

// RecordAction appends to a RAL's action_history.
func (c *Coordinator) RecordAction(ralNumber int64, summary core.ActionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.rals[ralNumber]; ok {
		e.handle.ActionHistory = append(e.handle.ActionHistory, summary)
	}
}

// OtherRALs returns every other live RAL's summary, ordered by
// ral_number, for PromptComposer's concurrent-RAL context fragment.
func (c *Coordinator) OtherRALs(selfRALNumber int64) []SiblingSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SiblingSummary, 0, len(c.rals))
	for n, e := range c.rals {
		if n == selfRALNumber {
			continue
		}
		out = append(out, SiblingSummary{
			RALNumber:            n,
			AgentSlug:            e.handle.AgentSlug,
			Phase:                e.phase,
			ActionHistorySummary: summarizeActions(e.handle.ActionHistory),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RALNumber < out[j].RALNumber })
	return out
}

func summarizeActions(actions []core.ActionRecord) string {
	if len(actions) == 0 {
		return ""
	}
	last := actions[len(actions)-1]
	return last.ToolName + ": " + last.Summary
}

// leaseFor lazily creates the lease tracking resourceKey.
func (c *Coordinator) leaseFor(resourceKey string) *lease {
	c.leaseMu.Lock()
	defer c.leaseMu.Unlock()
	l, ok := c.leases[resourceKey]
	if !ok {
		l = &lease{}
		c.leases[resourceKey] = l
	}
	return l
}

// ResourceLease acquires an advisory, reentrant, FIFO-fair lease on
// resourceKey for ralNumber, blocking until granted or ctx is cancelled.
// Call Release (or Unregister) to give it up.
func (c *Coordinator) ResourceLease(ctx context.Context, ralNumber int64, resourceKey string) (*Lease, error) {
	l := c.leaseFor(resourceKey)
	l.mu.Lock()
	if l.holder == ralNumber {
		// reentrant: same RAL already holds it.
		l.mu.Unlock()
		return &Lease{coord: c, ralNumber: ralNumber, resourceKey: resourceKey}, nil
	}
	if l.holder == 0 {
		l.holder = ralNumber
		l.mu.Unlock()
		return &Lease{coord: c, ralNumber: ralNumber, resourceKey: resourceKey}, nil
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()

	select {
	case <-ch:
		l.mu.Lock()
		l.holder = ralNumber
		l.mu.Unlock()
		return &Lease{coord: c, ralNumber: ralNumber, resourceKey: resourceKey}, nil
	case <-ctx.Done():
		l.mu.Lock()
		for i, w := range l.waiters {
			if w == ch {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				break
			}
		}
		l.mu.Unlock()
		return nil, core.Wrap(core.ErrTypeCancelled, ctx.Err(), "acquiring lease on %s", resourceKey)
	}
}

// release hands resourceKey to the next FIFO waiter, or marks it free.
func (c *Coordinator) release(ralNumber int64, resourceKey string) {
	c.leaseMu.Lock()
	l, ok := c.leases[resourceKey]
	c.leaseMu.Unlock()
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != ralNumber {
		return
	}
	if len(l.waiters) == 0 {
		l.holder = 0
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// releaseAllHeldBy is called on RAL termination to clear every lease it
// still held.
func (c *Coordinator) releaseAllHeldBy(ralNumber int64) {
	c.leaseMu.Lock()
	keys := make([]string, 0, len(c.leases))
	for k := range c.leases {
		keys = append(keys, k)
	}
	c.leaseMu.Unlock()
	for _, k := range keys {
		c.release(ralNumber, k)
	}
}

// Lease is the handle returned by ResourceLease; callers must call
// Release when done mutating.
type Lease struct {
	coord       *Coordinator
	ralNumber   int64
	resourceKey string
}

// Release gives up the lease, waking the next FIFO waiter if any.
func (l *Lease) Release() {
	l.coord.release(l.ralNumber, l.resourceKey)
}
