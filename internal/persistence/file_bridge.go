package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"tradeloop/internal/models"
)

// FileBridge is the default Persister: one append-only YAML-stream log
// file per tenant plus a write-then-rename snapshot file. No
// third-party database is required, which is why tenants default to
// this bridge rather than PostgresBridge.
type FileBridge struct {
	dir string

	mu       sync.Mutex
	logs     map[string]*os.File
	statuses map[string]*Status
}

// NewFileBridge creates (if needed) dir and returns a FileBridge rooted
// there, with one subdirectory per tenant created lazily on first use.
func NewFileBridge(dir string) (*FileBridge, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create root dir: %w", err)
	}
	return &FileBridge{
		dir:      dir,
		logs:     make(map[string]*os.File),
		statuses: make(map[string]*Status),
	}, nil
}

func (b *FileBridge) tenantDir(tenant string) string {
	return filepath.Join(b.dir, tenant)
}

func (b *FileBridge) logPath(tenant string) string {
	return filepath.Join(b.tenantDir(tenant), "mutations.log.yaml")
}

func (b *FileBridge) snapshotPath(tenant string) string {
	return filepath.Join(b.tenantDir(tenant), "snapshot.yaml")
}

func (b *FileBridge) logFile(tenant string) (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if f, ok := b.logs[tenant]; ok {
		return f, nil
	}
	if err := os.MkdirAll(b.tenantDir(tenant), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(b.logPath(tenant), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	b.logs[tenant] = f
	return f, nil
}

func (b *FileBridge) setStatus(tenant string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[tenant]
	if !ok {
		st = &Status{Tenant: tenant}
		b.statuses[tenant] = st
	}
	st.LastAppendOK = err == nil
	if err != nil {
		st.LastAppendErr = err.Error()
		st.AtRiskOfReplayLoss = true
	} else {
		st.LastAppendErr = ""
	}
}

// Append writes rec as one more document in the tenant's append-only
// YAML stream and fsyncs it. A failure here is reported to the caller
// but must never be treated as a reason to reject the mutation itself.
func (b *FileBridge) Append(ctx context.Context, tenant string, rec *models.MutationRecord) error {
	f, err := b.logFile(tenant)
	if err != nil {
		b.setStatus(tenant, err)
		return err
	}
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		b.setStatus(tenant, err)
		return err
	}
	if err := enc.Close(); err != nil {
		b.setStatus(tenant, err)
		return err
	}
	if err := f.Sync(); err != nil {
		b.setStatus(tenant, err)
		return err
	}
	b.setStatus(tenant, nil)
	return nil
}

type snapshotFile struct {
	Watermark uint64                    `yaml:"watermark"`
	Records   []*models.MutationRecord  `yaml:"records"`
	SavedAt   time.Time                 `yaml:"saved_at"`
}

// Snapshot writes records to a temp file, fsyncs it, and atomically
// renames it over the tenant's snapshot file, then truncates the
// append log since everything up to watermark is now captured in the
// snapshot. Write-then-rename means a crash mid-write never corrupts
// the previous snapshot.
func (b *FileBridge) Snapshot(ctx context.Context, tenant string, watermark uint64, records []*models.MutationRecord) error {
	if err := os.MkdirAll(b.tenantDir(tenant), 0o755); err != nil {
		return err
	}
	tmp := b.snapshotPath(tenant) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	sf := snapshotFile{Watermark: watermark, Records: records, SavedAt: time.Now()}
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(sf); err != nil {
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.snapshotPath(tenant)); err != nil {
		return err
	}

	b.mu.Lock()
	if lf, ok := b.logs[tenant]; ok {
		lf.Close()
		delete(b.logs, tenant)
	}
	b.mu.Unlock()
	if err := os.Truncate(b.logPath(tenant), 0); err != nil && !os.IsNotExist(err) {
		return err
	}

	b.mu.Lock()
	st, ok := b.statuses[tenant]
	if !ok {
		st = &Status{Tenant: tenant}
		b.statuses[tenant] = st
	}
	st.LastSnapshotAt = sf.SavedAt
	b.mu.Unlock()
	return nil
}

// Replay reads the tenant's snapshot (if any) followed by every record
// still in the append log, in application order.
func (b *FileBridge) Replay(ctx context.Context, tenant string) ([]*models.MutationRecord, error) {
	var out []*models.MutationRecord

	if f, err := os.Open(b.snapshotPath(tenant)); err == nil {
		var sf snapshotFile
		dec := yaml.NewDecoder(f)
		decErr := dec.Decode(&sf)
		f.Close()
		if decErr != nil {
			return nil, fmt.Errorf("persistence: decode snapshot for %s: %w", tenant, decErr)
		}
		out = append(out, sf.Records...)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("persistence: open snapshot for %s: %w", tenant, err)
	}

	f, err := os.Open(b.logPath(tenant))
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("persistence: open log for %s: %w", tenant, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	for {
		var rec models.MutationRecord
		if err := dec.Decode(&rec); err != nil {
			break // io.EOF (or a trailing partial write, tolerated as end of stream)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Status reports the tenant's persistence health.
func (b *FileBridge) Status(tenant string) Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.statuses[tenant]; ok {
		return *st
	}
	return Status{Tenant: tenant}
}

// Close closes every open per-tenant log file handle.
func (b *FileBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for tenant, f := range b.logs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(b.logs, tenant)
	}
	return firstErr
}
