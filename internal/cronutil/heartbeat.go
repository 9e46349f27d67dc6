// Package cronutil implements a status heartbeat: a kind-1116 "status"
// event published on a cron schedule per live agent, letting human
// observers see which agents are alive. Generalized from an arbitrary
// cron-triggered tool invocation shape down to this one fixed heartbeat
// job.
package cronutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nexuscore/nexuscore/internal/agentreg"
	"github.com/nexuscore/nexuscore/internal/core"
)

// Publisher is the EventBus surface the heartbeat publishes through.
type Publisher interface {
	Publish(ctx context.Context, event *core.Event) ([]string, error)
}

// Heartbeat publishes a status event for every registered agent on a
// cron schedule.
type Heartbeat struct {
	agents *agentreg.Registry
	pub    Publisher
	logger *slog.Logger
	cron   *cron.Cron
}

// New wires a Heartbeat; call Start with a cron spec (e.g. "@every 5m")
// to begin publishing.
func New(agents *agentreg.Registry, pub Publisher, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{agents: agents, pub: pub, logger: logger, cron: cron.New()}
}

// Start schedules the heartbeat job and begins running it.
func (h *Heartbeat) Start(spec string) error {
	_, err := h.cron.AddFunc(spec, h.tick)
	if err != nil {
		return core.Wrap(core.ErrTypeValidation, err, "invalid cron spec %q", spec)
	}
	h.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight tick to finish.
func (h *Heartbeat) Stop() {
	<-h.cron.Stop().Done()
}

// tick publishes one status event per registered agent.
func (h *Heartbeat) tick() {
	ctx := context.Background()
	for _, def := range h.agents.All() {
		signer, ok := h.agents.Signer(def.Slug)
		if !ok {
			continue
		}
		ev := &core.Event{
			Kind:      core.KindStatus,
			Content:   fmt.Sprintf("%s (%s) alive", def.Name, def.Slug),
			CreatedAt: core.Timestamp(time.Now().Unix()),
		}
		if err := signer.Sign(ev); err != nil {
			h.logger.Warn("heartbeat: signing failed", "agent", def.Slug, "err", err)
			continue
		}
		if _, err := h.pub.Publish(ctx, ev); err != nil {
			h.logger.Warn("heartbeat: publish failed", "agent", def.Slug, "err", err)
		}
	}
}
