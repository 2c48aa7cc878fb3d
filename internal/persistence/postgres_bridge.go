package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradeloop/internal/models"
)

// PostgresBridge is the opt-in shared-database Persister for tenants
// that want durability without a local filesystem: each write runs as
// an insert inside its own transaction (Begin / defer Rollback /
// Commit).
//
// Schema (created by EnsureSchema as explicit, idempotent DDL run at
// startup rather than through a migration framework):
//
//	CREATE TABLE IF NOT EXISTS tradeloop_mutations (
//	  tenant           text        NOT NULL,
//	  generation       bigint      NOT NULL,
//	  kind             int         NOT NULL,
//	  nft              text,
//	  collection       text,
//	  wallet           text,
//	  previous_owner   text,
//	  affected_wallets text[],
//	  recorded_at      timestamptz NOT NULL,
//	  nft_snapshot     jsonb,
//	  want_kind        int         NOT NULL DEFAULT 0,
//	  PRIMARY KEY (tenant, generation)
//	);
//	CREATE TABLE IF NOT EXISTS tradeloop_snapshots (
//	  tenant     text PRIMARY KEY,
//	  watermark  bigint NOT NULL,
//	  payload    jsonb  NOT NULL,
//	  saved_at   timestamptz NOT NULL
//	);
type PostgresBridge struct {
	pool *pgxpool.Pool
}

// NewPostgresBridge wraps an already-connected pgxpool.Pool. Callers
// construct the pool (DSN, pool size) outside this package.
func NewPostgresBridge(pool *pgxpool.Pool) *PostgresBridge {
	return &PostgresBridge{pool: pool}
}

// EnsureSchema creates the bridge's tables if they do not already
// exist. Safe to call on every startup.
func (p *PostgresBridge) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS tradeloop_mutations (
			tenant           text        NOT NULL,
			generation       bigint      NOT NULL,
			kind             int         NOT NULL,
			nft              text,
			collection       text,
			wallet           text,
			previous_owner   text,
			affected_wallets text[],
			recorded_at      timestamptz NOT NULL,
			nft_snapshot     jsonb,
			want_kind        int         NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant, generation)
		);
		CREATE TABLE IF NOT EXISTS tradeloop_snapshots (
			tenant     text PRIMARY KEY,
			watermark  bigint NOT NULL,
			payload    jsonb  NOT NULL,
			saved_at   timestamptz NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("persistence: ensure schema: %w", err)
	}
	return nil
}

// Append inserts rec as one row of the tenant's mutation log, inside
// its own transaction; mutations arrive one at a time rather than in
// batches.
func (p *PostgresBridge) Append(ctx context.Context, tenant string, rec *models.MutationRecord) error {
	affected := make([]string, len(rec.AffectedWallets))
	for i, w := range rec.AffectedWallets {
		affected[i] = string(w)
	}
	nftSnapshot, err := json.Marshal(rec.NFTSnapshot)
	if err != nil {
		return fmt.Errorf("persistence: marshal nft snapshot: %w", err)
	}

	dbtx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	_, err = dbtx.Exec(ctx, `
		INSERT INTO tradeloop_mutations
			(tenant, generation, kind, nft, collection, wallet, previous_owner, affected_wallets, recorded_at, nft_snapshot, want_kind)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (tenant, generation) DO NOTHING
	`, tenant, int64(rec.Generation), int(rec.Kind), string(rec.NFT), string(rec.Collection),
		string(rec.Wallet), string(rec.PreviousOwner), affected, rec.Timestamp, nftSnapshot, int(rec.WantKindValue))
	if err != nil {
		return fmt.Errorf("persistence: append mutation: %w", err)
	}
	return dbtx.Commit(ctx)
}

// Snapshot stores the full record set as a JSONB payload keyed by
// tenant, then deletes every log row at or below watermark, the
// postgres equivalent of the file bridge's log truncation.
func (p *PostgresBridge) Snapshot(ctx context.Context, tenant string, watermark uint64, records []*models.MutationRecord) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("persistence: marshal snapshot: %w", err)
	}

	dbtx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx)

	_, err = dbtx.Exec(ctx, `
		INSERT INTO tradeloop_snapshots (tenant, watermark, payload, saved_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant) DO UPDATE SET watermark = $2, payload = $3, saved_at = $4
	`, tenant, int64(watermark), payload, time.Now())
	if err != nil {
		return fmt.Errorf("persistence: upsert snapshot: %w", err)
	}

	_, err = dbtx.Exec(ctx, `DELETE FROM tradeloop_mutations WHERE tenant = $1 AND generation <= $2`, tenant, int64(watermark))
	if err != nil {
		return fmt.Errorf("persistence: compact log: %w", err)
	}
	return dbtx.Commit(ctx)
}

// Replay loads the tenant's snapshot payload (if any) followed by
// every mutation row still in the log, ordered by generation.
func (p *PostgresBridge) Replay(ctx context.Context, tenant string) ([]*models.MutationRecord, error) {
	var out []*models.MutationRecord

	var payload []byte
	err := p.pool.QueryRow(ctx, `SELECT payload FROM tradeloop_snapshots WHERE tenant = $1`, tenant).Scan(&payload)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(payload, &out); jerr != nil {
			return nil, fmt.Errorf("persistence: unmarshal snapshot: %w", jerr)
		}
	case err == pgx.ErrNoRows:
		// no snapshot yet, replay from the log alone
	default:
		return nil, fmt.Errorf("persistence: query snapshot: %w", err)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT generation, kind, nft, collection, wallet, previous_owner, affected_wallets, recorded_at, nft_snapshot, want_kind
		FROM tradeloop_mutations
		WHERE tenant = $1
		ORDER BY generation ASC
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("persistence: query log: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec         models.MutationRecord
			kind        int
			affected    []string
			wantKind    int
			nftSnapshot []byte
		)
		if err := rows.Scan(&rec.Generation, &kind, &rec.NFT, &rec.Collection, &rec.Wallet,
			&rec.PreviousOwner, &affected, &rec.Timestamp, &nftSnapshot, &wantKind); err != nil {
			return nil, fmt.Errorf("persistence: scan log row: %w", err)
		}
		rec.Kind = models.MutationKind(kind)
		rec.WantKindValue = models.WantKind(wantKind)
		rec.AffectedWallets = make([]models.WalletID, len(affected))
		for i, w := range affected {
			rec.AffectedWallets[i] = models.WalletID(w)
		}
		if len(nftSnapshot) > 0 {
			if err := json.Unmarshal(nftSnapshot, &rec.NFTSnapshot); err != nil {
				return nil, fmt.Errorf("persistence: unmarshal nft snapshot: %w", err)
			}
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close releases the underlying connection pool.
func (p *PostgresBridge) Close() error {
	p.pool.Close()
	return nil
}
