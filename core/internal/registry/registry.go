// Package registry holds the agents known to the process and the capability
// tags they advertise.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"assistant-orchestrator/core/internal/models"
	"assistant-orchestrator/core/internal/store"
	"assistant-orchestrator/shared/logx"
)

// Match ranks, lower is more specific.
const (
	rankExact = iota
	rankParent
	rankChild
	rankKeyword
)

type Registry struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	agents  map[string]models.Agent
	store   store.AgentStore
	logger  logx.Logger
}

// New returns an empty registry. agentStore may be nil, in which case mutations stay in memory.
func New(agentStore store.AgentStore, logger logx.Logger) *Registry {
	return &Registry{
		agents: make(map[string]models.Agent),
		store:  agentStore,
		logger: logger.With(slog.String("component", "registry")),
	}
}

// Load replaces the in-memory set with the agent store's contents.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	next := make(map[string]models.Agent, len(agents))
	for _, a := range agents {
		a = normalize(a)
		next[a.Slug] = a
	}
	r.writeMu.Lock()
	r.mu.Lock()
	r.agents = next
	r.mu.Unlock()
	r.writeMu.Unlock()
	r.logger.Info(ctx, "registry_loaded", "agents loaded", slog.Int("count", len(next)))
	return nil
}

// Register adds or replaces the agent keyed by slug.
func (r *Registry) Register(ctx context.Context, a models.Agent) (models.Agent, error) {
	a = normalize(a)
	if a.Slug == "" {
		return models.Agent{}, fmt.Errorf("agent slug is required")
	}
	if a.Name == "" {
		a.Name = a.Slug
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.put(ctx, a)
}

// Get returns the enabled agent with slug.
func (r *Registry) Get(slug string) (models.Agent, error) {
	a, ok := r.Lookup(slug)
	if !ok || !a.Enabled {
		return models.Agent{}, fmt.Errorf("%w: agent %q", models.ErrNotFound, slug)
	}
	return a, nil
}

// Lookup returns the agent regardless of its enabled flag.
func (r *Registry) Lookup(slug string) (models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[models.NormalizeSlug(slug)]
	if !ok {
		return models.Agent{}, false
	}
	return clone(a), true
}

// Find returns enabled agents relevant to capability: exact tag matches, then agents
// with a covering parent tag, then agents with a more specific child tag, then agents
// whose keywords mention it. Ties break by slug ascending.
func (r *Registry) Find(capability string) []models.Agent {
	capability = models.NormalizeCapability(capability)
	if capability == "" {
		return nil
	}
	type ranked struct {
		agent models.Agent
		rank  int
	}
	r.mu.RLock()
	matches := make([]ranked, 0, 4)
	for _, a := range r.agents {
		if !a.Enabled {
			continue
		}
		if rank, ok := matchRank(a, capability); ok {
			matches = append(matches, ranked{agent: clone(a), rank: rank})
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rank != matches[j].rank {
			return matches[i].rank < matches[j].rank
		}
		return matches[i].agent.Slug < matches[j].agent.Slug
	})
	out := make([]models.Agent, len(matches))
	for i, m := range matches {
		out[i] = m.agent
	}
	return out
}

func (r *Registry) Enable(ctx context.Context, slug string) (models.Agent, error) {
	return r.mutate(ctx, slug, func(a *models.Agent) { a.Enabled = true })
}

func (r *Registry) Disable(ctx context.Context, slug string) (models.Agent, error) {
	return r.mutate(ctx, slug, func(a *models.Agent) { a.Enabled = false })
}

func (r *Registry) AddCapability(ctx context.Context, slug string, tags ...string) (models.Agent, error) {
	return r.mutate(ctx, slug, func(a *models.Agent) {
		a.Capabilities = append(a.Capabilities, tags...)
	})
}

// List returns every agent, enabled or not, by slug.
func (r *Registry) List() []models.Agent {
	r.mu.RLock()
	out := make([]models.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, clone(a))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

func (r *Registry) mutate(ctx context.Context, slug string, fn func(*models.Agent)) (models.Agent, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	a, ok := r.Lookup(slug)
	if !ok {
		return models.Agent{}, fmt.Errorf("%w: agent %q", models.ErrNotFound, slug)
	}
	fn(&a)
	return r.put(ctx, normalize(a))
}

// put persists then publishes a; callers hold writeMu.
func (r *Registry) put(ctx context.Context, a models.Agent) (models.Agent, error) {
	if r.store != nil {
		saved, err := r.store.UpsertAgent(ctx, a)
		if err != nil {
			return models.Agent{}, fmt.Errorf("persist agent %q: %w", a.Slug, err)
		}
		a = normalize(saved)
	}
	r.mu.Lock()
	r.agents[a.Slug] = a
	r.mu.Unlock()
	r.logger.Info(ctx, "agent_registered", "agent updated",
		slog.String("agent", a.Slug),
		slog.Bool("enabled", a.Enabled),
		slog.Any("capabilities", a.Capabilities),
	)
	return clone(a), nil
}

func matchRank(a models.Agent, capability string) (int, bool) {
	best := -1
	for _, tag := range a.Capabilities {
		rank := -1
		switch {
		case tag == capability:
			rank = rankExact
		case models.CoversCapability(tag, capability):
			rank = rankParent
		case models.CoversCapability(capability, tag):
			rank = rankChild
		}
		if rank >= 0 && (best < 0 || rank < best) {
			best = rank
		}
	}
	if best >= 0 {
		return best, true
	}
	for _, kw := range a.Keywords {
		if kw == capability {
			return rankKeyword, true
		}
	}
	return 0, false
}

// normalize lowercases slug, tags and keywords and drops duplicate tags while keeping order.
func normalize(a models.Agent) models.Agent {
	a.Slug = models.NormalizeSlug(a.Slug)
	a.Name = strings.TrimSpace(a.Name)
	a.Capabilities = dedupe(a.Capabilities, models.NormalizeCapability)
	a.Keywords = dedupe(a.Keywords, func(s string) string { return strings.ToLower(strings.TrimSpace(s)) })
	return a
}

func dedupe(in []string, norm func(string) string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = norm(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func clone(a models.Agent) models.Agent {
	a.Capabilities = append([]string(nil), a.Capabilities...)
	a.Keywords = append([]string(nil), a.Keywords...)
	if a.Config != nil {
		a.Config = models.CloneMap(a.Config)
	}
	return a
}
