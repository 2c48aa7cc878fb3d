// Command tradeloopd is tradeloop's process entrypoint: it loads
// config, wires a Persister (file or Postgres), restores every
// previously-persisted tenant, binds the reference HTTP/WS transport,
// and runs until SIGINT/SIGTERM: env-var driven config, explicit
// construction of each subsystem, a single blocking signal channel at
// the end.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tradeloop/internal/config"
	"tradeloop/internal/persistence"
	"tradeloop/internal/tenant"
	"tradeloop/internal/transport"
)

func main() {
	configPath := os.Getenv("TRADELOOP_CONFIG")
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("failed to load config %s: %v", configPath, err)
		}
		cfg = *loaded
	} else {
		cfg = config.Default()
	}
	applyEnvOverrides(&cfg)

	log.Println("Initializing tradeloop engine...")
	log.Printf("Data dir: %s", cfg.DataDir)
	log.Printf("API port: %d", cfg.APIPort)

	persister, err := buildPersister(cfg)
	if err != nil {
		log.Fatalf("failed to initialize persistence: %v", err)
	}
	if persister != nil {
		defer persister.Close()
	}

	registry := tenant.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := transport.NewServer(registry, persister, cfg.JWTSigningSecret)

	if persister != nil {
		restoreKnownTenants(ctx, registry, server, cfg, persister)
	}

	go runSweepTicker(ctx, server)
	if persister != nil {
		go runCompactionTicker(ctx, server)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := ":" + strconv.Itoa(cfg.APIPort)
		if err := server.ListenAndServe(addr); err != nil {
			log.Printf("transport server stopped: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("transport shutdown error: %v", err)
	}
	cancel()
}

func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("TRADELOOP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("TRADELOOP_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.APIPort = port
		}
	}
	if v := os.Getenv("TRADELOOP_POSTGRES_URL"); v != "" {
		cfg.PostgresURL = v
	}
	if v := os.Getenv("TRADELOOP_JWT_SECRET"); v != "" {
		cfg.JWTSigningSecret = v
	}
}

// buildPersister wires the Persistence Bridge:
// PostgresBridge when TRADELOOP_POSTGRES_URL/cfg.PostgresURL is set,
// FileBridge otherwise, nil if persistence is explicitly disabled.
func buildPersister(cfg config.Config) (persistence.Persister, error) {
	if os.Getenv("TRADELOOP_DISABLE_PERSISTENCE") == "true" {
		log.Println("Persistence is DISABLED (TRADELOOP_DISABLE_PERSISTENCE=true); tenants run memory-only")
		return nil, nil
	}
	if cfg.PostgresURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		bridge := persistence.NewPostgresBridge(pool)
		if err := bridge.EnsureSchema(context.Background()); err != nil {
			return nil, err
		}
		log.Println("Persistence backend: Postgres")
		return bridge, nil
	}
	bridge, err := persistence.NewFileBridge(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	log.Printf("Persistence backend: file (%s)", cfg.DataDir)
	return bridge, nil
}

// restoreKnownTenants discovers every tenant with durable state under
// cfg.DataDir's per-tenant subdirectories and replays it into a fresh
// Graph Store before the transport starts admitting new work.
// Postgres-backed tenants are not restored here (no directory listing
// is available over that bridge), and the Admin surface's create_tenant
// starts a tenant with an empty Graph Store without replaying rows
// already stored for its id.
func restoreKnownTenants(ctx context.Context, registry *tenant.Registry, server *transport.Server, cfg config.Config, persister persistence.Persister) {
	entries, err := os.ReadDir(cfg.DataDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[startup] failed to scan data dir %s: %v", cfg.DataDir, err)
		}
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if _, err := os.Stat(filepath.Join(cfg.DataDir, id, "mutations.log.yaml")); err != nil {
			if _, err2 := os.Stat(filepath.Join(cfg.DataDir, id, "snapshot.yaml")); err2 != nil {
				continue
			}
		}
		tctx, err := registry.RestoreTenant(ctx, id, cfg.DefaultSettings, persister)
		if err != nil {
			log.Printf("[startup] failed to restore tenant %s: %v", id, err)
			continue
		}
		server.AdoptTenant(tctx, 2)
		log.Printf("[startup] restored tenant %s", id)
	}
}

// runCompactionTicker periodically compacts every tenant's mutation log
// into a fresh snapshot, keeping restart replay proportional to the
// snapshot rather than the full event history.
func runCompactionTicker(ctx context.Context, server *transport.Server) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.CompactAll(ctx)
		}
	}
}

// runSweepTicker periodically runs every adopted tenant's Active Loop
// Cache TTL sweep and Scorer cache sweep via Server.SweepAll. Routing
// through the Server (rather than sweeping tenant.Context.Cache
// directly) keeps LoopInvalidated notification publishing and the
// Scorer's TTL sweep in lock-step with the cache expiry, since those
// all live behind engine.Engine.Sweep.
func runSweepTicker(ctx context.Context, server *transport.Server) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			server.SweepAll(now)
		}
	}
}
