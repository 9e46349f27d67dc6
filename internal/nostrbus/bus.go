package nostrbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/nexuscore/nexuscore/internal/core"
)

// DefaultRelays is a commonly-used public relay list, used only
// when a project config supplies none.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// SeenStore is the "processed events" dedupe set (mark_seen/has_seen).
// A caller may supply a durable implementation (a convstore.Store
// satisfies it); when none is supplied, Bus uses an in-memory set that
// does not survive restart.
type SeenStore interface {
	HasSeen(ctx context.Context, eventID string) (bool, error)
	MarkSeen(ctx context.Context, eventID string) error
}

// memorySeenStore is the in-memory SeenStore used by tests and by Bus when
// no durable store is supplied.
type memorySeenStore struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemorySeenStore() *memorySeenStore {
	return &memorySeenStore{seen: make(map[string]bool)}
}

func (m *memorySeenStore) HasSeen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[id], nil
}

func (m *memorySeenStore) MarkSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = true
	return nil
}

// Config configures a Bus.
type Config struct {
	Relays []string
	Seen   SeenStore // optional; defaults to an in-memory store
	Logger *slog.Logger
}

// Bus implements an EventBus on top of a pool of go-nostr relay
// connections, following channels/nostr/adapter.go's Start/Stop/Send
// shape generalized from one DM recipient to arbitrary filters.
type Bus struct {
	cfg    Config
	relays []*nostr.Relay
	seen   SeenStore
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	mu          sync.Mutex
	subscribers []chan *core.Event
}

// New creates a Bus. Call Start to connect to relays.
func New(cfg Config) *Bus {
	if len(cfg.Relays) == 0 {
		cfg.Relays = DefaultRelays
	}
	if cfg.Seen == nil {
		cfg.Seen = newMemorySeenStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{cfg: cfg, seen: cfg.Seen, logger: cfg.Logger.With("component", "nostrbus")}
}

// Start connects to every configured relay and begins fanning inbound
// events out to subscribers. Fails with a TransportError if no relay is
// reachable.
func (b *Bus) Start(ctx context.Context, filters nostr.Filters) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(b.ctx)
	b.eg = eg

	for _, url := range b.cfg.Relays {
		relay, err := nostr.RelayConnect(b.ctx, url)
		if err != nil {
			b.logger.Warn("failed to connect to relay", "relay", url, "error", err)
			continue
		}
		b.relays = append(b.relays, relay)
		b.logger.Debug("connected to relay", "relay", url)
	}

	if len(b.relays) == 0 {
		return core.NewError(core.ErrTypeTransport, "failed to connect to any relay")
	}

	for _, relay := range b.relays {
		relay := relay
		eg.Go(func() error {
			return b.subscribeLoop(egCtx, relay, filters)
		})
	}

	return nil
}

// subscribeLoop subscribes to one relay with the original filter and
// re-subscribes on reconnect, using one goroutine per relay.
func (b *Bus) subscribeLoop(ctx context.Context, relay *nostr.Relay, filters nostr.Filters) error {
	for {
		sub, err := relay.Subscribe(ctx, filters)
		if err != nil {
			b.logger.Error("failed to subscribe to relay", "relay", relay.URL, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(2 * time.Second):
				continue
			}
		}
		b.logger.Debug("subscribed to relay", "relay", relay.URL)

	drain:
		for {
			select {
			case <-ctx.Done():
				sub.Unsub()
				return nil
			case event, ok := <-sub.Events:
				if !ok {
					break drain
				}
				if event == nil {
					continue
				}
				b.handleEvent(ctx, event)
			}
		}
		// relay's subscription channel closed (e.g. relay dropped us) --
		// best-effort re-subscribe.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

// handleEvent dedupes and verifies a freshly received event before
// fanning it out: dedupe via the seen set, signature check, drop
// silently on failure.
func (b *Bus) handleEvent(ctx context.Context, event *nostr.Event) {
	seen, err := b.seen.HasSeen(ctx, event.ID)
	if err == nil && seen {
		return
	}

	ok, err := event.CheckSignature()
	if err != nil || !ok {
		b.logger.Warn("invalid event signature, dropping", "event_id", event.ID, "error", err)
		return
	}

	if err := b.seen.MarkSeen(ctx, event.ID); err != nil {
		b.logger.Warn("failed to persist seen marker", "event_id", event.ID, "error", err)
	}

	b.mu.Lock()
	subs := append([]chan *core.Event(nil), b.subscribers...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		case <-ctx.Done():
			return
		default:
			b.logger.Warn("subscriber channel full, dropping event", "event_id", event.ID)
		}
	}
}

// Subscribe returns a stream of verified, deduped events. The stream is
// infinite and restartable; callers should range over it until ctx is
// cancelled.
func (b *Bus) Subscribe(_ context.Context) <-chan *core.Event {
	ch := make(chan *core.Event, 256)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish signs-independent publish: the event must already be signed.
// Returns the set of relay URLs that acknowledged, or a TransportError if
// none did -- following adapter.go's Send "exit early on first success"
// loop generalized to report the full acknowledging set rather than
// stopping at one.
func (b *Bus) Publish(ctx context.Context, event *core.Event) ([]string, error) {
	var acked []string
	var lastErr error
	for _, relay := range b.relays {
		if err := relay.Publish(ctx, *event); err != nil {
			lastErr = err
			b.logger.Warn("failed to publish to relay", "relay", relay.URL, "error", err)
			continue
		}
		acked = append(acked, relay.URL)
	}
	if len(acked) == 0 {
		return nil, core.Wrap(core.ErrTypeTransport, lastErr, "failed to publish to any relay")
	}
	return acked, nil
}

// HasSeen exposes the configured SeenStore's dedupe check directly.
func (b *Bus) HasSeen(ctx context.Context, eventID string) (bool, error) {
	return b.seen.HasSeen(ctx, eventID)
}

// MarkSeen exposes the configured SeenStore's dedupe marker directly.
func (b *Bus) MarkSeen(ctx context.Context, eventID string) error {
	return b.seen.MarkSeen(ctx, eventID)
}

// Stop gracefully shuts down the bus: cancels subscriptions, closes relay
// connections, and waits for subscription goroutines to finish, following
// adapter.go's Stop shape but propagating errors via errgroup.
func (b *Bus) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	for _, relay := range b.relays {
		if err := relay.Close(); err != nil {
			b.logger.Warn("error closing relay", "relay", relay.URL, "error", err)
		}
	}
	if b.eg != nil {
		_ = b.eg.Wait()
	}
	b.mu.Lock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
	b.mu.Unlock()
	return nil
}
