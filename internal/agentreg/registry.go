// Package agentreg implements the AgentRegistry: loads agent
// definitions, holds signers, and resolves agents by slug or by pubkey,
// using slug-keyed agent lookup and signer-per-agent ownership. There is
// no lookup by display name. The registry holds the category-level tool
// denies and returns them from EffectiveToolDenies; it does not apply
// them to tool calls.
package agentreg

import (
	"sync"

	"github.com/nexuscore/nexuscore/internal/config"
	"github.com/nexuscore/nexuscore/internal/core"
	"github.com/nexuscore/nexuscore/internal/nostrbus"
)

// Signer is the minimal signing surface the registry needs; satisfied by
// *nostrbus.Signer.
type Signer interface {
	Pubkey() string
	Sign(event *core.Event) error
}

// entry bundles a loaded agent with its exclusive signer.
type entry struct {
	def    core.AgentDefinition
	signer Signer
}

// Registry is the AgentRegistry: agents are loaded once at project start
// (signer and pubkey of a given slug never change) and may be
// added/removed by control events thereafter.
type Registry struct {
	mu        sync.RWMutex
	bySlug    map[string]*entry
	byPubkey  map[string]*entry
	denyByCat map[string][]string
}

// New creates an empty Registry. ToolDeniesByCategory comes from project
// config's "tool_denies_by_category".
func New(denyByCategory map[string][]string) *Registry {
	return &Registry{
		bySlug:    make(map[string]*entry),
		byPubkey:  make(map[string]*entry),
		denyByCat: denyByCategory,
	}
}

// LoadFromConfig loads every agent in cfg, deriving a signer for each from
// the env var its AgentConfig.NSec names (or generating a deterministic
// test signer from the slug if unset -- convenient for local/dev runs; a
// production deployment always supplies real secrets via NSec env vars).
func LoadFromConfig(cfg *config.Config, secretByEnv func(envVar string) (string, bool)) (*Registry, error) {
	reg := New(cfg.ToolDeniesByCategory)
	for _, a := range cfg.Agents {
		var signer Signer
		if a.NSec == "" {
			// Dev/test convenience: no secret configured, derive a
			// deterministic signer from the slug rather than failing
			// startup outright.
			signer = nostrbus.TestSigner(a.Slug)
		} else {
			v, ok := secretByEnv(a.NSec)
			if !ok || v == "" {
				return nil, core.NewError(core.ErrTypeValidation, "agent %q: env var %q not set", a.Slug, a.NSec)
			}
			s, err := nostrbus.NewSigner(v)
			if err != nil {
				return nil, core.Wrap(core.ErrTypeValidation, err, "agent %q: invalid signer secret", a.Slug)
			}
			signer = s
		}
		if err := reg.Add(a.ToAgentDefinition(), signer); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Add registers an agent with its exclusive signer.
func (r *Registry) Add(def core.AgentDefinition, signer Signer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySlug[def.Slug]; exists {
		return core.NewError(core.ErrTypeValidation, "agent slug %q already registered", def.Slug)
	}
	e := &entry{def: def, signer: signer}
	r.bySlug[def.Slug] = e
	r.byPubkey[signer.Pubkey()] = e
	return nil
}

// Remove unregisters an agent (project control event).
func (r *Registry) Remove(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySlug[slug]
	if !ok {
		return
	}
	delete(r.bySlug, slug)
	delete(r.byPubkey, e.signer.Pubkey())
}

// BySlug resolves an agent definition by slug.
func (r *Registry) BySlug(slug string) (*core.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySlug[slug]
	if !ok {
		return nil, false
	}
	d := e.def
	return &d, true
}

// ByPubkey resolves an agent definition by its signer's pubkey.
func (r *Registry) ByPubkey(pubkey string) (*core.AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byPubkey[pubkey]
	if !ok {
		return nil, false
	}
	d := e.def
	return &d, true
}

// Signer returns the exclusive signer for slug.
func (r *Registry) Signer(slug string) (Signer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.bySlug[slug]
	if !ok {
		return nil, false
	}
	return e.signer, true
}

// All returns every registered agent definition.
func (r *Registry) All() []core.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.AgentDefinition, 0, len(r.bySlug))
	for _, e := range r.bySlug {
		out = append(out, e.def)
	}
	return out
}

// IsPubkeyAgent reports whether pubkey belongs to a registered agent
// (used by DelegationCoordinator to distinguish agent replies from human
// "ask" replies).
func (r *Registry) IsPubkeyAgent(pubkey string) bool {
	_, ok := r.ByPubkey(pubkey)
	return ok
}

// EffectiveToolDenies returns the category-level denies for the given
// agent, looked up via its advisory Category field.
func (r *Registry) EffectiveToolDenies(slug string) []string {
	def, ok := r.BySlug(slug)
	if !ok {
		return nil
	}
	return r.denyByCat[def.Category]
}
