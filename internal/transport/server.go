// Package transport is the reference HTTP/WS binding for tradeloop's
// logical operations (Admin/Event/Query/Notification surfaces). The
// wire protocol is deliberately separable from the core: nothing in
// internal/engine, internal/tenant, or below imports this package, and
// a deployment is free to bind a different transport to the same
// Engine/Registry pair.
package transport

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"tradeloop/internal/engine"
	"tradeloop/internal/persistence"
	"tradeloop/internal/tenant"
)

// Server binds the Admin/Event/Query/Notification surfaces to HTTP +
// WebSocket. One Server serves every tenant in Registry;
// per-tenant isolation is enforced by Registry and by the auth
// middleware scoping a token to exactly one tenant id.
type Server struct {
	registry   *tenant.Registry
	persister  persistence.Persister
	auth       *AuthMiddleware
	router     *mux.Router
	httpServer *http.Server

	mu       sync.Mutex
	engines  map[string]*engine.Engine
	stopFunc map[string]context.CancelFunc
	hubs     map[string]*notifyHub
}

// NewServer wires a Server over registry. persister (may be nil) is
// handed to every tenant created through the Admin surface;
// persistence is optional per tenant.
func NewServer(registry *tenant.Registry, persister persistence.Persister, jwtSecret string) *Server {
	s := &Server{
		registry:  registry,
		persister: persister,
		auth:      NewAuthMiddleware(jwtSecret),
		engines:   make(map[string]*engine.Engine),
		stopFunc:  make(map[string]context.CancelFunc),
		hubs:      make(map[string]*notifyHub),
	}
	s.router = mux.NewRouter()
	registerRoutes(s.router, s)
	return s
}

// ListenAndServe starts serving HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	log.Printf("[transport] listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener and every per-tenant
// engine worker pool this Server launched.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for id, cancel := range s.stopFunc {
		cancel()
		delete(s.stopFunc, id)
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// AdoptTenant wires an already-restored tenant.Context (e.g. one
// replayed from persistence at process startup)
// into this Server without going through the Admin surface's
// create_tenant path, starting its Engine worker pool.
func (s *Server) AdoptTenant(ctx *tenant.Context, workerCount int) {
	s.startEngine(ctx, workerCount)
}

func (s *Server) startEngine(ctx *tenant.Context, workerCount int) *engine.Engine {
	e := engine.New(ctx)
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.engines[ctx.ID] = e
	s.stopFunc[ctx.ID] = cancel
	s.hubs[ctx.ID] = newNotifyHub(ctx.Bus)
	s.mu.Unlock()

	go e.Start(runCtx, workerCount)
	return e
}

// SweepAll runs the Active Loop Cache + Scorer TTL sweep (engine.Engine.Sweep)
// against every tenant currently adopted on this Server, so a process-wide
// ticker can drive expiry and LoopInvalidated notifications for every
// tenant without reaching into tenant.Context directly and bypassing the
// Engine's own sweep side effects.
func (s *Server) SweepAll(now time.Time) {
	s.mu.Lock()
	engines := make([]*engine.Engine, 0, len(s.engines))
	for _, e := range s.engines {
		engines = append(engines, e)
	}
	s.mu.Unlock()
	for _, e := range engines {
		e.Sweep(now)
	}
}

// CompactAll runs snapshot compaction (engine.Engine.Compact) against
// every tenant currently adopted on this Server. Failures are logged
// per tenant and never stop the remaining tenants' compactions.
func (s *Server) CompactAll(ctx context.Context) {
	s.mu.Lock()
	engines := make(map[string]*engine.Engine, len(s.engines))
	for id, e := range s.engines {
		engines[id] = e
	}
	s.mu.Unlock()
	for id, e := range engines {
		if err := e.Compact(ctx); err != nil {
			log.Printf("[transport] snapshot compaction failed for tenant %s: %v", id, err)
		}
	}
}

// engineFor resolves a tenant id to its running Engine, or ok=false if
// the tenant hasn't been created/adopted on this Server.
func (s *Server) engineFor(id string) (*engine.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.engines[id]
	return e, ok
}

func (s *Server) hubFor(id string) (*notifyHub, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[id]
	return h, ok
}

func (s *Server) dropTenant(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.stopFunc[id]; ok {
		cancel()
		delete(s.stopFunc, id)
	}
	delete(s.engines, id)
	if h, ok := s.hubs[id]; ok {
		h.close()
		delete(s.hubs, id)
	}
}

// defaultWorkerCount is a small fixed worker count rather than one
// scaled to GOMAXPROCS: each tenant's discovery concurrency is already
// capped independently by its Scheduler.
const defaultWorkerCount = 2
