// Package delta implements the Delta Engine: turning a Graph Store
// mutation record into the minimal affected root set,
// debouncing/coalescing repeated roots behind a bounded queue, and
// guaranteeing at-most-one concurrent rooted discovery per
// tenant-fingerprint via golang.org/x/sync/singleflight — precisely
// singleflight's contract.
package delta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"tradeloop/internal/models"
)

// RootSet is the seed wallet set a rooted discovery starts from.
type RootSet []models.WalletID

// Fingerprint computes a stable hash of a (deduplicated, sorted) root
// set, used both as the singleflight key and the coalescing key.
func Fingerprint(roots RootSet) string {
	sorted := append(RootSet(nil), roots...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	h := sha256.New()
	for _, w := range sorted {
		h.Write([]byte(w))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RootsForMutation computes the affected root set for a mutation
// record; each mutation kind contributes its own root shape.
func RootsForMutation(rec *models.MutationRecord) RootSet {
	switch rec.Kind {
	case models.NftAdded, models.WantAdded:
		return dedupe(append([]models.WalletID{rec.Wallet}, rec.AffectedWallets...))
	case models.NftRemoved, models.Transferred:
		out := append([]models.WalletID{}, rec.AffectedWallets...)
		out = append(out, rec.PreviousOwner, rec.Wallet)
		return dedupe(out)
	case models.CollectionExpanded, models.CollectionShrunk:
		return dedupe(append([]models.WalletID{rec.Wallet}, rec.AffectedWallets...))
	default:
		return dedupe(rec.AffectedWallets)
	}
}

func dedupe(ws []models.WalletID) RootSet {
	seen := make(map[models.WalletID]struct{}, len(ws))
	var out RootSet
	for _, w := range ws {
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// DiscoveryFunc runs rooted discovery for a root set.
type DiscoveryFunc func(ctx context.Context, roots RootSet) error

// Engine coalesces mutation records into debounced rooted-discovery
// tasks and drains them through one or more workers, each guaranteeing
// at-most-one concurrent run per fingerprint via singleflight.
type Engine struct {
	run   DiscoveryFunc
	group singleflight.Group

	mu      sync.Mutex
	pending map[string]RootSet

	queue chan string
}

// New creates an Engine whose bounded queue holds up to queueDepth
// distinct pending fingerprints before Submit reports Busy.
func New(run DiscoveryFunc, queueDepth int) *Engine {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	return &Engine{
		run:     run,
		pending: make(map[string]RootSet),
		queue:   make(chan string, queueDepth),
	}
}

// Submit enqueues rec's affected root set for rooted discovery. A
// mutation whose fingerprint already has a pending task is coalesced
// into it rather than re-queued: repeated roots with the same
// fingerprint collapse into a single pending task.
// Reports false (Busy) only when the bounded queue itself is
// full and this is a genuinely new fingerprint.
func (e *Engine) Submit(rec *models.MutationRecord) bool {
	roots := RootsForMutation(rec)
	if len(roots) == 0 {
		return true
	}
	fp := Fingerprint(roots)

	e.mu.Lock()
	_, alreadyPending := e.pending[fp]
	e.pending[fp] = roots
	e.mu.Unlock()

	if alreadyPending {
		return true
	}

	select {
	case e.queue <- fp:
		return true
	default:
		e.mu.Lock()
		delete(e.pending, fp)
		e.mu.Unlock()
		return false
	}
}

// Run drains the queue until ctx is cancelled. Multiple goroutines may
// call Run concurrently against the same Engine to form a worker pool
// (the Tenant Scheduler's discoveries-in-flight cap governs how many);
// singleflight.Group.Do ensures two workers that dequeue the same
// fingerprint in close succession still run at most one discovery
// concurrently for it.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fp := <-e.queue:
			e.mu.Lock()
			roots, ok := e.pending[fp]
			delete(e.pending, fp)
			e.mu.Unlock()
			if !ok {
				continue
			}
			_, _, _ = e.group.Do(fp, func() (interface{}, error) {
				return nil, e.run(ctx, roots)
			})
		}
	}
}

// Pending reports how many distinct fingerprints are currently queued,
// for the Query surface's discoveries_in_flight-adjacent observability.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
