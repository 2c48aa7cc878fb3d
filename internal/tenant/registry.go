// Package tenant implements the tenant isolation boundary: a registry
// that owns every per-tenant component instead of singleton
// cross-references. Registry.Tenant(id) resolves
// a *Context holding that tenant's graph store, scheduler, caches, and
// settings — never a raw pointer shared across tenants.
package tenant

import (
	"context"
	"fmt"
	"sync"

	"tradeloop/internal/cache"
	"tradeloop/internal/canon"
	"tradeloop/internal/config"
	"tradeloop/internal/delta"
	"tradeloop/internal/eventbus"
	"tradeloop/internal/expansion"
	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
	"tradeloop/internal/persistence"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/scoring"
)

// Context bundles one tenant's complete, isolated component set. No
// field here is ever shared with another tenant's Context.
type Context struct {
	ID       string
	Settings config.Settings

	Store     *graphstore.Store
	Expander  *expansion.Expander
	Scheduler *scheduler.Scheduler
	Scorer    *scoring.Scorer
	Deduper   *canon.Deduper
	Cache     *cache.Cache
	Bus       *eventbus.Bus
	Delta     *delta.Engine
	Persister persistence.Persister // nil: memory-only, durability opted out

	mu               sync.RWMutex
	usage            Usage
	quarantined      bool
	quarantineReason string
}

// Quarantine puts the tenant into the fatal-error state:
// new writes are refused, reads stay allowed. The transition is one-way;
// recovery is an operator action (delete and restore the tenant).
func (ctx *Context) Quarantine(reason string) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if !ctx.quarantined {
		ctx.quarantined = true
		ctx.quarantineReason = reason
	}
}

// Quarantined reports whether the tenant is quarantined, and why.
func (ctx *Context) Quarantined() (bool, string) {
	ctx.mu.RLock()
	defer ctx.mu.RUnlock()
	return ctx.quarantined, ctx.quarantineReason
}

// Usage is the admin-surface get_tenant_usage payload.
type Usage struct {
	Nodes               int
	Edges               int
	ActiveLoops         int
	DiscoveriesInFlight int
	IngestionQueueDepth int
	AtRiskOfReplayLoss  bool
	Quarantined         bool
}

// Registry owns every tenant's Context. Safe for concurrent use; a
// single process typically holds one Registry.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*Context
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tenants: make(map[string]*Context)}
}

// CreateTenant provisions a new, fully isolated Context for id. Returns
// ErrInvalidArgument if id is already registered.
func (r *Registry) CreateTenant(id string, settings config.Settings, persister persistence.Persister) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tenants[id]; exists {
		return nil, models.NewError(models.ErrInvalidArgument, fmt.Sprintf("tenant %q already exists", id))
	}

	store := graphstore.New()
	ctx := &Context{
		ID:        id,
		Settings:  settings,
		Store:     store,
		Expander:  expansion.New(store),
		Scheduler: scheduler.New(schedulerLimits(settings)),
		Scorer:    scoring.New(scoring.DefaultMetricWeights(), settings.MaxDepth, settings.MinScore, settings.ScoreCacheTTL),
		Deduper:   canon.NewDeduper(settings.GlobalCycleCap, 16),
		Cache:     cache.New(16),
		Bus:       eventbus.New(),
		Persister: persister,
	}
	r.tenants[id] = ctx
	return ctx, nil
}

func schedulerLimits(settings config.Settings) scheduler.Limits {
	l := scheduler.DefaultLimits()
	if settings.IngestionQueueDepth > 0 {
		l.QueueDepth = settings.IngestionQueueDepth
	}
	if settings.MaxDiscoveriesInFlight > 0 {
		l.MaxDiscoveriesInFlight = settings.MaxDiscoveriesInFlight
	}
	if settings.MaxExpansionCalls > 0 {
		l.MaxExpansionsInFlight = settings.MaxExpansionCalls
	}
	if settings.ParallelSCCWorkers > 0 {
		l.MaxEnumeratorWorkers = settings.ParallelSCCWorkers
	}
	if settings.CircuitBreakerTrip > 0 {
		l.BreakerFailureStreak = settings.CircuitBreakerTrip
	}
	if settings.CircuitBreakerCooldown > 0 {
		l.BreakerCooldown = settings.CircuitBreakerCooldown
	}
	return l
}

// RestoreTenant provisions a tenant's Context exactly like CreateTenant,
// then replays persister's durable log into its Graph Store before
// returning, so durable state is restored before any new work is
// admitted. Callers must not submit events for id
// until this returns. A nil persister behaves exactly like CreateTenant.
func (r *Registry) RestoreTenant(ctx context.Context, id string, settings config.Settings, persister persistence.Persister) (*Context, error) {
	tctx, err := r.CreateTenant(id, settings, persister)
	if err != nil {
		return nil, err
	}
	if persister == nil {
		return tctx, nil
	}
	records, err := persister.Replay(ctx, id)
	if err != nil {
		return tctx, models.WrapError(models.ErrPersistenceDegraded, "replay failed for tenant "+id, err)
	}
	for _, rec := range records {
		tctx.Store.Apply(rec)
	}
	return tctx, nil
}

// DeleteTenant tears down a tenant's Context, releasing persistence
// resources; teardown releases all tenant state.
func (r *Registry) DeleteTenant(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.tenants[id]
	if !ok {
		return models.NewError(models.ErrUnknownTenant, fmt.Sprintf("tenant %q not found", id))
	}
	ctx.Bus.Close()
	if ctx.Persister != nil {
		_ = ctx.Persister.Close()
	}
	delete(r.tenants, id)
	return nil
}

// Tenant resolves id to its Context.
func (r *Registry) Tenant(id string) (*Context, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.tenants[id]
	if !ok {
		return nil, models.NewError(models.ErrUnknownTenant, fmt.Sprintf("tenant %q not found", id))
	}
	return ctx, nil
}

// UpdateSettings replaces a tenant's settings, re-deriving the
// components that are settings-parameterized (scheduler limits,
// scorer depth/threshold/TTL; the scorer keeps DefaultMetricWeights)
// without disturbing the tenant's graph state.
func (r *Registry) UpdateSettings(id string, settings config.Settings) error {
	r.mu.RLock()
	ctx, ok := r.tenants[id]
	r.mu.RUnlock()
	if !ok {
		return models.NewError(models.ErrUnknownTenant, fmt.Sprintf("tenant %q not found", id))
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.Settings = settings
	ctx.Scheduler = scheduler.New(schedulerLimits(settings))
	ctx.Scorer = scoring.New(scoring.DefaultMetricWeights(), settings.MaxDepth, settings.MinScore, settings.ScoreCacheTTL)
	return nil
}

// Usage reports ctx's current resource usage for the admin surface.
func (ctx *Context) Usage() Usage {
	view := ctx.Store.Snapshot()
	stats := view.Stats()
	quarantined, _ := ctx.Quarantined()
	return Usage{
		Quarantined:         quarantined,
		Nodes:               stats.Nodes,
		Edges:               stats.Edges,
		ActiveLoops:         ctx.Cache.Len(),
		DiscoveriesInFlight: ctx.Scheduler.DiscoveriesInFlight(),
		IngestionQueueDepth: ctx.Scheduler.QueueDepth(),
		AtRiskOfReplayLoss:  ctx.persistenceAtRisk(),
	}
}

func (ctx *Context) persistenceAtRisk() bool {
	type statuser interface {
		Status(tenant string) persistence.Status
	}
	if s, ok := ctx.Persister.(statuser); ok {
		return s.Status(ctx.ID).AtRiskOfReplayLoss
	}
	return false
}

// IDs returns every currently registered tenant id, for operator
// tooling and tests.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		out = append(out, id)
	}
	return out
}
