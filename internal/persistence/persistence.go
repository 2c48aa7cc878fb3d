// Package persistence implements the Persistence Bridge: a
// write-behind log of mutation records per tenant, periodically
// compacted to a full snapshot, replayed on restart before the Tenant
// Scheduler admits new work. Persistence is optional per tenant and
// never blocks ingestion on failure.
//
// FileBridge is the default: a write-then-rename snapshot plus an
// fsync'd append log, encoded with gopkg.in/yaml.v3 for a
// forward-compatible, human-diffable on-disk format. PostgresBridge is
// the opt-in shared-database alternative.
package persistence

import (
	"context"
	"time"

	"tradeloop/internal/models"
)

// Persister durably records mutation records and periodic snapshots for
// one tenant, and replays them on startup. A tenant with no Persister
// configured runs in memory-only mode; durability is optional per
// tenant.
type Persister interface {
	// Append records one mutation to the write-behind log. Failures
	// must never propagate as ingestion failures; callers treat a
	// non-nil error as "raise an alert, mark at-risk-of-replay-loss",
	// not as a reason to reject the mutation.
	Append(ctx context.Context, tenant string, rec *models.MutationRecord) error

	// Snapshot compacts the log by persisting the full set of
	// mutation records needed to reconstruct current state (or,
	// for bridges that track full graph state separately, a marker
	// that everything before watermark is durable).
	Snapshot(ctx context.Context, tenant string, watermark uint64, records []*models.MutationRecord) error

	// Replay returns every mutation record persisted for tenant, in
	// application order (snapshot records first, then the log tail),
	// for replay into the Graph Store before the scheduler admits new
	// work.
	Replay(ctx context.Context, tenant string) ([]*models.MutationRecord, error)

	// Close releases any resources (file handles, connections).
	Close() error
}

// Status reports a tenant's persistence health, surfaced through the
// Admin surface's get_tenant_usage operation (tenant.Context.Usage).
type Status struct {
	Tenant           string
	LastAppendOK     bool
	LastAppendErr    string
	LastSnapshotAt   time.Time
	AtRiskOfReplayLoss bool
}
