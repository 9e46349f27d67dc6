package nostrbus

import (
	"context"
	"sync"

	"github.com/nexuscore/nexuscore/internal/core"
)

// MemoryBus is an in-memory EventBus test double. It implements the same
// publish/subscribe/mark_seen/has_seen contract as Bus without any network
// dependency, used throughout this module's own test suite.
type MemoryBus struct {
	mu          sync.Mutex
	seen        map[string]bool
	subscribers []chan *core.Event
	published   []*core.Event
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{seen: make(map[string]bool)}
}

// Subscribe returns a stream fed by Publish/Inject calls.
func (m *MemoryBus) Subscribe(_ context.Context) <-chan *core.Event {
	ch := make(chan *core.Event, 256)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Publish validates the event's signature, dedupes it, records it, and
// fans it out to subscribers. An event with a bad signature is not
// recorded and is reported to the caller as a signature error; Bus's
// receive path drops such events silently.
func (m *MemoryBus) Publish(_ context.Context, event *core.Event) ([]string, error) {
	ok, err := event.CheckSignature()
	if err != nil || !ok {
		return nil, core.NewError(core.ErrTypeSignature, "event %s failed signature verification", event.ID)
	}

	m.mu.Lock()
	if m.seen[event.ID] {
		m.mu.Unlock()
		return []string{"memory"}, nil
	}
	m.seen[event.ID] = true
	m.published = append(m.published, event)
	subs := append([]chan *core.Event(nil), m.subscribers...)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
	return []string{"memory"}, nil
}

// HasSeen reports whether event id has already been delivered.
func (m *MemoryBus) HasSeen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[eventID], nil
}

// MarkSeen marks an event id as processed without publishing it.
func (m *MemoryBus) MarkSeen(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = true
	return nil
}

// Published returns every event successfully published, in publish order;
// used by tests to assert on the content of signed output events.
func (m *MemoryBus) Published() []*core.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Event, len(m.published))
	copy(out, m.published)
	return out
}
