package main

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/config"
	"github.com/nexuscore/nexuscore/internal/convstore"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/cronutil"
	"github.com/nexuscore/nexuscore/internal/delegation"
	"github.com/nexuscore/nexuscore/internal/nostrbus"
	"github.com/nexuscore/nexuscore/internal/promptx"
	"github.com/nexuscore/nexuscore/internal/ral"
	"github.com/nexuscore/nexuscore/internal/router"
	"github.com/nexuscore/nexuscore/internal/toolruntime"
	"github.com/nexuscore/nexuscore/pkg/llmservice"
)

// engine bundles every wired component of one running project: a
// struct-of-subsystems composition root wiring storage, the agent
// registry, the relay bus, the router, and the RAL manager together.
type engine struct {
	cfg      *config.Config
	store    convstore.Store
	agents   *agentreg.Registry
	bus      *nostrbus.Bus
	router   *router.Router
	ralMgr   *ral.Manager
	deleg    *delegation.Coordinator
	heart    *cronutil.Heartbeat
}

// buildEngine loads configuration and wires every subsystem, stopping
// short of starting the relay connections or the heartbeat scheduler
// (callers decide whether to Start, e.g. "status" only inspects the
// roster).
func buildEngine(configPath string) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	agents, err := agentreg.LoadFromConfig(cfg, func(envVar string) (string, bool) {
		v, ok := os.LookupEnv(envVar)
		return v, ok
	})
	if err != nil {
		return nil, err
	}

	store, err := convstore.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	// Bus.Config.Seen is left unset deliberately: Bus needs only an
	// in-memory dedupe scope to collapse duplicate relay deliveries before
	// fan-out, and must not share a seen-set with the Router below. The
	// Router marks events seen in the durable store itself, after fan-out,
	// so a shared store would make every event arrive pre-marked seen and
	// the Router would never route anything.
	bus := nostrbus.New(nostrbus.Config{
		Relays: cfg.Project.Relays,
		Logger: slog.Default(),
	})

	composer := promptx.New()
	runtime := toolruntime.NewRuntime(nil)
	llm := llmservice.NewFixture() // no concrete LLM adapter ships with this module; see pkg/llmservice doc.

	mgr := ral.New(store, agents, composer, runtime, llm, bus)
	mgr.HomeBaseDir = cfg.HomeBasePath
	if cfg.FlushIntervalMS > 0 {
		mgr.FlushInterval = time.Duration(cfg.FlushIntervalMS) * time.Millisecond
	}

	deleg := delegation.New(store, agents, bus, mgr)
	mgr.SetDelegationCoordinator(deleg)

	policy := router.RoutingPolicy{
		PrimaryAgentSlug:          cfg.Project.PrimaryAgent,
		DelegationCoordinatorSlug: delegationCoordinatorSlugResolver(store, agents),
	}
	// store, not bus, is the Router's SeenMarker: the durable
	// processed_events set is the Router's own has-seen gate, independent
	// of Bus's separate in-memory relay-fanout dedupe.
	rt := router.New(store, store, agents, mgr, policy)

	heart := cronutil.New(agents, bus, slog.Default())

	return &engine{
		cfg: cfg, store: store, agents: agents, bus: bus,
		router: rt, ralMgr: mgr, deleg: deleg, heart: heart,
	}, nil
}

// delegationCoordinatorSlugResolver handles the "event replies on an
// active delegation" fallback: if event carries a delegation tag that
// resolves to a pending record, route to the parent RAL's owning agent
// instead of falling through to the primary agent.
func delegationCoordinatorSlugResolver(store convstore.Store, agents *agentreg.Registry) func(convID string, event *core.Event) (string, bool) {
	return func(convID string, event *core.Event) (string, bool) {
		id := core.FirstTagValue(event.Tags, core.TagDelegation)
		if id == "" {
			return "", false
		}
		records, err := store.PendingDelegations(context.Background(), convID)
		if err != nil {
			return "", false
		}
		for _, rec := range records {
			if rec.ID != id {
				continue
			}
			_, slug, ok := splitRALHandleKey(rec.ParentRALHandle)
			if !ok {
				return "", false
			}
			if _, ok := agents.BySlug(slug); !ok {
				return "", false
			}
			return slug, true
		}
		return "", false
	}
}

// start connects to relays, begins the inbound subscribe-then-route loop,
// and starts the status heartbeat. Blocks until ctx is cancelled.
func (e *engine) start(ctx context.Context) error {
	filters := nostr.Filters{{
		Kinds: []int{
			core.KindConversationNote,
			core.KindMetadata,
			core.KindToolStatus,
			core.KindEncryptedDirectMsg,
		},
	}}
	if err := e.bus.Start(ctx, filters); err != nil {
		return err
	}
	if err := e.heart.Start("@every 5m"); err != nil {
		return err
	}

	events := e.bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			e.heart.Stop()
			return e.bus.Stop()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.router.Route(ctx, ev); err != nil {
				slog.Error("routing failed", "event_id", ev.ID, "error", err)
			}
			if err := e.deleg.HandleReply(ctx, ev); err != nil {
				slog.Debug("not a delegation reply", "event_id", ev.ID, "error", err)
			}
		}
	}
}

// splitRALHandleKey mirrors core.RALHandle.Key()'s "conv_id/agent_slug"
// format (conversation ids are hex event ids with no slashes, so the last
// "/" is always the separator).
func splitRALHandleKey(key string) (convID, agentSlug string, ok bool) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}
