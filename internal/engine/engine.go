// Package engine is the composition root: it wires the full discovery
// pipeline together for one tenant and exposes the logical operations
// of the external surface (submit_inventory, submit_wants,
// remove_want, notify_transfer, notify_collection_membership,
// get_active_loops, get_loop_detail, get_stats) as Go methods.
//
// One Engine owns exactly one tenant.Context; a process runs one
// Engine per registered tenant, each subsystem constructed and wired
// explicitly rather than through a DI framework.
package engine

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeloop/internal/canon"
	"tradeloop/internal/community"
	"tradeloop/internal/config"
	"tradeloop/internal/delta"
	"tradeloop/internal/enumerator"
	"tradeloop/internal/eventbus"
	"tradeloop/internal/expansion"
	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
	"tradeloop/internal/scc"
	"tradeloop/internal/tenant"
)

// recentRunsKept bounds the terminal-run registry backing RunStatus.
const recentRunsKept = 128

// Engine runs one tenant's full discovery pipeline.
type Engine struct {
	ctx *tenant.Context

	// Discovery Run lifecycle registry. pendingRuns holds Queued runs
	// keyed by root fingerprint (one per coalesced root set, matching
	// the Delta Engine's own coalescing); runningRuns and recentRuns
	// are keyed by run id. All DiscoveryRun field access goes through
	// runsMu so RunStatus can copy a consistent snapshot.
	runsMu      sync.Mutex
	pendingRuns map[string]*models.DiscoveryRun
	runningRuns map[string]*models.DiscoveryRun
	recentRuns  map[string]*models.DiscoveryRun
	recentOrder []string
	runsDone    int
	runsPartial int
}

// New wires a fresh delta.Engine into ctx (bound to this Engine's
// runDiscovery) and returns the Engine. Callers must call Start to
// begin draining the delta engine's queue.
func New(ctx *tenant.Context) *Engine {
	e := &Engine{
		ctx:         ctx,
		pendingRuns: make(map[string]*models.DiscoveryRun),
		runningRuns: make(map[string]*models.DiscoveryRun),
		recentRuns:  make(map[string]*models.DiscoveryRun),
	}
	ctx.Delta = delta.New(e.runDiscovery, ctx.Settings.IngestionQueueDepth)
	return e
}

// Start launches workerCount goroutines draining the tenant's Delta
// Engine queue, each capped at the tenant's discoveries-in-flight
// budget via the Scheduler. Returns once ctx is cancelled.
func (e *Engine) Start(ctx context.Context, workerCount int) {
	if workerCount <= 0 {
		workerCount = 1
	}
	done := make(chan struct{}, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			e.ctx.Delta.Run(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < workerCount; i++ {
		<-done
	}
}

// EventResult is the synchronous acknowledgement every Event surface
// operation returns.
type EventResult struct {
	Accepted             bool
	DiscoveredLoopsDelta int
	RunID                string
}

// SubmitInventory is the Event surface's submit_inventory({wallet,
// nfts[]}) — an idempotent upsert of ownership.
func (e *Engine) SubmitInventory(ctx context.Context, wallet models.WalletID, nfts []models.NFT) (EventResult, error) {
	if err := e.admitWrite(); err != nil {
		return EventResult{}, err
	}
	release, admitErr := e.ctx.Scheduler.AdmitIngestion()
	if admitErr != nil {
		return EventResult{}, admitErr
	}
	defer release()

	maxNFTs := e.ctx.Settings.MaxNFTsPerWallet
	view := e.ctx.Store.Snapshot()
	owned := view.OwnedCount(wallet)

	var lastRec *models.MutationRecord
	for _, nft := range nfts {
		// The max_nfts_per_wallet security cap counts distinct
		// NFTs a wallet owns; re-submitting an NFT the wallet already
		// owns is an idempotent no-op and must not itself trip the cap.
		if maxNFTs > 0 && view.Owner(nft.ID) != wallet && owned >= maxNFTs {
			return EventResult{}, models.NewError(models.ErrQuotaExceeded, "wallet exceeds max_nfts_per_wallet cap")
		}
		alreadyOwned := view.Owner(nft.ID) == wallet
		rec, err := e.ctx.Store.PutNFT(nft, wallet)
		if err != nil {
			return EventResult{}, err
		}
		if !alreadyOwned {
			owned++
		}
		e.onMutation(rec)
		lastRec = rec
	}
	return e.submitRootedDiscovery(lastRec)
}

// SubmitWants is submit_wants({wallet, wanted_nfts[], wanted_collections[]}).
func (e *Engine) SubmitWants(ctx context.Context, wallet models.WalletID, wantedNFTs []models.NFTID, wantedCollections []models.CollectionID) (EventResult, error) {
	if err := e.admitWrite(); err != nil {
		return EventResult{}, err
	}
	release, admitErr := e.ctx.Scheduler.AdmitIngestion()
	if admitErr != nil {
		return EventResult{}, admitErr
	}
	defer release()

	maxWants := e.ctx.Settings.MaxWantsPerWallet
	view := e.ctx.Store.Snapshot()
	wanted := view.WantedCount(wallet)

	var lastRec *models.MutationRecord
	for _, nft := range wantedNFTs {
		// The max_wants_per_wallet cap counts distinct wants; re-stating
		// an existing want is idempotent and must not count twice.
		_, alreadyWanted := view.WantKindOf(wallet, nft)
		if maxWants > 0 && !alreadyWanted && wanted >= maxWants {
			return EventResult{}, models.NewError(models.ErrQuotaExceeded, "wallet exceeds max_wants_per_wallet cap")
		}
		rec, err := e.ctx.Store.AddWant(wallet, nft, models.WantDirect)
		if err != nil {
			return EventResult{}, err
		}
		if !alreadyWanted {
			wanted++
		}
		e.onMutation(rec)
		lastRec = rec
	}
	for _, k := range wantedCollections {
		expRelease, expErr := e.ctx.Scheduler.AdmitExpansion()
		if expErr != nil {
			// Expansion failures never block the parent
			// want; the collection want is still recorded, derived NFTs
			// will be filled in on the next membership notification.
			if rec, err := e.ctx.Store.AddCollectionWant(wallet, k); err == nil {
				e.onMutation(rec)
				lastRec = rec
			}
			continue
		}
		err := e.ctx.Scheduler.Guard("collection_resolution", time.Now(), func() error {
			_, expandErr := e.ctx.Expander.ExpandCollectionWant(ctx, wallet, k, e.ctx.Settings.MaxCollectionSize)
			return expandErr
		})
		expRelease()
		if err != nil {
			// Guard refused (breaker open) or expansion failed: the
			// collection want still stands.
			if rec, recErr := e.ctx.Store.AddCollectionWant(wallet, k); recErr == nil {
				e.onMutation(rec)
				lastRec = rec
			}
			continue
		}
		rec := &models.MutationRecord{
			Kind:            models.CollectionExpanded,
			Generation:      e.ctx.Store.Generation(),
			Collection:      k,
			Wallet:          wallet,
			AffectedWallets: []models.WalletID{wallet},
			Timestamp:       time.Now(),
		}
		e.onMutation(rec)
		lastRec = rec
	}
	return e.submitRootedDiscovery(lastRec)
}

// RemoveWant is remove_want({wallet, nft|collection}). Exactly one of
// nft/collection should be non-empty.
func (e *Engine) RemoveWant(ctx context.Context, wallet models.WalletID, nft models.NFTID, collection models.CollectionID) (EventResult, error) {
	if err := e.admitWrite(); err != nil {
		return EventResult{}, err
	}
	release, admitErr := e.ctx.Scheduler.AdmitIngestion()
	if admitErr != nil {
		return EventResult{}, admitErr
	}
	defer release()

	var rec *models.MutationRecord
	var err error
	if nft != "" {
		rec, err = e.ctx.Store.RemoveWant(wallet, nft)
	} else {
		rec, err = e.ctx.Store.RemoveCollectionWant(wallet, collection)
	}
	if err != nil {
		return EventResult{}, err
	}
	e.onMutation(rec)
	return e.submitRootedDiscovery(rec)
}

// NotifyTransfer is notify_transfer({nft, new_owner}).
func (e *Engine) NotifyTransfer(ctx context.Context, nft models.NFTID, newOwner models.WalletID) (EventResult, error) {
	if err := e.admitWrite(); err != nil {
		return EventResult{}, err
	}
	release, admitErr := e.ctx.Scheduler.AdmitIngestion()
	if admitErr != nil {
		return EventResult{}, admitErr
	}
	defer release()

	rec, err := e.ctx.Store.Transfer(nft, newOwner)
	if err != nil {
		return EventResult{}, err
	}
	e.onMutation(rec)
	return e.submitRootedDiscovery(rec)
}

// NotifyCollectionMembership is notify_collection_membership({collection,
// added[], removed[]}).
func (e *Engine) NotifyCollectionMembership(ctx context.Context, k models.CollectionID, added, removed []models.NFTID) (EventResult, error) {
	if err := e.admitWrite(); err != nil {
		return EventResult{}, err
	}
	release, admitErr := e.ctx.Scheduler.AdmitIngestion()
	if admitErr != nil {
		return EventResult{}, admitErr
	}
	defer release()

	members := map[models.NFTID]struct{}{}
	for _, id := range e.ctx.Store.CollectionMembers(k) {
		members[id] = struct{}{}
	}
	for _, id := range added {
		members[id] = struct{}{}
	}
	for _, id := range removed {
		delete(members, id)
	}
	gotAdded, gotRemoved := e.ctx.Store.SetCollectionMembers(k, members)

	var retired []*models.MutationRecord
	_ = e.ctx.Scheduler.Guard("collection_resolution", time.Now(), func() error {
		var metrics []expansion.Metrics
		metrics, retired = e.ctx.Expander.OnMembershipChanged(ctx, k, gotAdded, gotRemoved, e.ctx.Settings.MaxCollectionSize)
		_ = metrics
		// OnMembershipChanged has no error return of its own; a caller
		// deadline that fired mid-expansion (observed via ctx.Err() once
		// the call returns) is the only failure signal available, and is
		// what the circuit breaker should count against the streak.
		return ctx.Err()
	})
	for _, rec := range retired {
		e.onMutation(rec)
	}

	var lastRec *models.MutationRecord
	if len(retired) > 0 {
		lastRec = retired[len(retired)-1]
	} else {
		lastRec = &models.MutationRecord{
			Kind:            models.CollectionExpanded,
			Generation:      e.ctx.Store.Generation(),
			Collection:      k,
			AffectedWallets: e.ctx.Store.CollectionWanters(k),
			Timestamp:       time.Now(),
		}
	}
	return e.submitRootedDiscovery(lastRec)
}

// admitWrite refuses new writes for a quarantined tenant.
// Query-surface reads never pass through here.
func (e *Engine) admitWrite() error {
	if quarantined, reason := e.ctx.Quarantined(); quarantined {
		return models.NewError(models.ErrInvariantViolation, "tenant quarantined: "+reason)
	}
	return nil
}

// onMutation invalidates every Active Loop Cache entry the mutation
// touches and persists it (best-effort, never blocking).
func (e *Engine) onMutation(rec *models.MutationRecord) {
	if rec == nil {
		return
	}
	for _, w := range rec.AffectedWallets {
		e.publishInvalidated(e.ctx.Cache.InvalidateByWallet(w, rec.Kind.String()), rec)
	}
	if rec.NFT != "" {
		e.publishInvalidated(e.ctx.Cache.InvalidateByNFT(rec.NFT, rec.Kind.String()), rec)
	}
	if rec.Collection != "" {
		e.publishInvalidated(e.ctx.Cache.InvalidateByCollection(rec.Collection, rec.Kind.String()), rec)
	}
	e.ctx.Bus.Publish(eventbus.Event{Type: eventbus.TypeMutation, Generation: rec.Generation, Timestamp: rec.Timestamp, Data: rec})

	if e.ctx.Persister != nil {
		// Best-effort: a persistence failure never blocks ingestion;
		// it is recorded on the bridge's own status
		// and surfaced through Usage().
		_ = e.ctx.Persister.Append(context.Background(), e.ctx.ID, rec)
	}
}

// publishInvalidated fans out LoopInvalidated for every canonical id a
// mutation knocked out of the Active Loop Cache, and releases each id
// from the Deduper so the same cycle can be re-admitted if a later
// mutation re-forms it (a want retracted and re-stated must be able to
// rediscover the identical loop).
func (e *Engine) publishInvalidated(ids []string, rec *models.MutationRecord) {
	for _, id := range ids {
		e.ctx.Deduper.Forget(id)
		e.ctx.Bus.Publish(eventbus.Event{
			Type: eventbus.TypeLoopInvalidated, Generation: rec.Generation, Timestamp: rec.Timestamp,
			Data: eventbus.InvalidatedPayload{CanonicalID: id, Reason: rec.Kind.String()},
		})
	}
}

// submitRootedDiscovery hands rec to the Delta Engine and reports
// whether it was accepted. discovered_loops_delta is always reported
// as 0 here: discovery runs asynchronously, so the synchronous
// acknowledgement cannot know the eventual count, only
// that work was (or wasn't) queued.
func (e *Engine) submitRootedDiscovery(rec *models.MutationRecord) (EventResult, error) {
	if rec == nil {
		return EventResult{Accepted: true}, nil
	}
	roots := delta.RootsForMutation(rec)
	if len(roots) == 0 {
		return EventResult{Accepted: true}, nil
	}
	fp := delta.Fingerprint(roots)

	// Register (or reuse) the Queued run before Submit so a worker that
	// dequeues immediately always finds it. A mutation coalesced into an
	// already-pending fingerprint shares that run's id.
	e.runsMu.Lock()
	run, pending := e.pendingRuns[fp]
	if !pending {
		run = &models.DiscoveryRun{
			ID:          uuid.NewString(),
			Fingerprint: fp,
			State:       models.RunQueued,
			QueuedAt:    time.Now(),
		}
		e.pendingRuns[fp] = run
	}
	runID := run.ID
	e.runsMu.Unlock()

	if !e.ctx.Delta.Submit(rec) {
		e.runsMu.Lock()
		if !pending {
			delete(e.pendingRuns, fp)
		}
		e.runsMu.Unlock()
		return EventResult{Accepted: false}, models.NewError(models.ErrBusy, "rooted discovery queue at capacity")
	}
	return EventResult{Accepted: true, RunID: runID}, nil
}

// takeRun claims the Queued run registered for fingerprint and moves it
// to Running. A run is created on the fly when the worker's dequeue
// raced ahead of registration (possible around coalescing edges).
func (e *Engine) takeRun(fp string) *models.DiscoveryRun {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	run, ok := e.pendingRuns[fp]
	if !ok {
		run = &models.DiscoveryRun{
			ID:          uuid.NewString(),
			Fingerprint: fp,
			State:       models.RunQueued,
			QueuedAt:    time.Now(),
		}
	}
	delete(e.pendingRuns, fp)
	_ = run.Transition(models.RunRunning, time.Now())
	e.runningRuns[run.ID] = run
	return run
}

// finishRun settles run into a terminal state and retires it into the
// bounded recent-run registry backing RunStatus.
func (e *Engine) finishRun(run *models.DiscoveryRun, state models.DiscoveryState, reason string, cycles int) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	delete(e.runningRuns, run.ID)
	run.Reason = reason
	run.CyclesFound = cycles
	if err := run.Transition(state, time.Now()); err != nil {
		return
	}
	e.runsDone++
	if state.IsPartial() {
		e.runsPartial++
	}
	e.recentRuns[run.ID] = run
	e.recentOrder = append(e.recentOrder, run.ID)
	if len(e.recentOrder) > recentRunsKept {
		evict := e.recentOrder[0]
		e.recentOrder = e.recentOrder[1:]
		delete(e.recentRuns, evict)
	}
}

// RunStatus reports a discovery run by the id submitRootedDiscovery
// handed back: queued, running, or among the most recently finished.
func (e *Engine) RunStatus(runID string) (models.DiscoveryRun, bool) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	for _, run := range e.pendingRuns {
		if run.ID == runID {
			return *run, true
		}
	}
	if run, ok := e.runningRuns[runID]; ok {
		return *run, true
	}
	if run, ok := e.recentRuns[runID]; ok {
		return *run, true
	}
	return models.DiscoveryRun{}, false
}

// runDiscovery is the Delta Engine's DiscoveryFunc: it runs SCC and
// community partitioning plus cycle enumeration against the current
// snapshot rooted at roots, then canonicalizes, scores, and caches
// every elementary cycle found.
func (e *Engine) runDiscovery(ctx context.Context, roots delta.RootSet) error {
	run := e.takeRun(delta.Fingerprint(roots))

	release, err := e.ctx.Scheduler.AdmitDiscovery()
	if err != nil {
		// Busy: this root set's discovery is dropped, a later mutation
		// will re-trigger it.
		e.finishRun(run, models.RunFailed, "discoveries-in-flight cap reached", 0)
		return err
	}
	defer release()

	settings := e.ctx.Settings
	view := e.ctx.Store.Snapshot()

	sccBudget := time.Duration(settings.SCCWallClockBudgetMS) * time.Millisecond
	sccResult := scc.Partition(view, []models.WalletID(roots), settings.SCCBatchSize, sccBudget)

	components := make([]scc.Component, 0, len(sccResult.Components))
	var crossComponents []scc.Component
	for _, comp := range sccResult.Components {
		if settings.EnableLouvain && community.ShouldPartition(len(comp.Wallets), settings.CommunitySizeTrigger, settings.CommunityWalletCount) {
			partition := community.Compute(view, comp.Wallets, settings.CommunityResolution)
			for _, group := range partition.Groups {
				if len(group) >= 2 {
					components = append(components, scc.Component{Wallets: group})
				}
			}
			// Edges crossing a community boundary still need a bounded
			// second pass: enumerator's
			// buildAdjacency restricts adjacency to one component's own
			// members, so the per-group split above can never surface a
			// cycle that steps from one community into another. The
			// un-split component is queued again below under a much
			// tighter cap/timeout dedicated to that second pass, so cost
			// stays bounded instead of degrading to a full unsplit
			// enumeration of the oversized SCC.
			crossComponents = append(crossComponents, comp)
			continue
		}
		components = append(components, comp)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if settings.PerRunTimeoutMS > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(settings.PerRunTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	opts := enumerator.Options{
		MaxDepth:        settings.MaxDepth,
		PerSCCTimeout:   time.Duration(settings.PerSCCTimeoutMS) * time.Millisecond,
		PerSCCCycleCap:  settings.PerSCCCycleCap,
		GlobalCycleCap:  settings.GlobalCycleCap,
		Concurrency:     settings.ParallelSCCWorkers,
	}
	result := enumerator.Enumerate(runCtx, view, components, opts)
	for _, raw := range result.Cycles {
		e.admitCycle(view, raw)
	}
	cycles := len(result.Cycles)
	partial := result.Partial || sccResult.Partial
	reason := result.Reason
	if reason == "" && sccResult.Partial {
		// The SCC pass ran out of wall-clock budget before materializing
		// every component, so whatever the enumerator saw was incomplete.
		reason = "timeout"
	}

	if len(crossComponents) > 0 {
		crossOpts := enumerator.Options{
			MaxDepth:       settings.MaxDepth,
			PerSCCTimeout:  crossCommunityTimeout(settings),
			PerSCCCycleCap: crossCommunityCycleCap(settings),
			GlobalCycleCap: crossCommunityCycleCap(settings) * len(crossComponents),
			Concurrency:    settings.ParallelSCCWorkers,
		}
		crossResult := enumerator.Enumerate(runCtx, view, crossComponents, crossOpts)
		for _, raw := range crossResult.Cycles {
			// Duplicates against the per-community pass above are expected
			// (this pass re-walks each split group's own wallets too) and
			// are silently absorbed by admitCycle's deduper.
			e.admitCycle(view, raw)
		}
		cycles += len(crossResult.Cycles)
		partial = partial || crossResult.Partial
		if reason == "" {
			reason = crossResult.Reason
		}
	}

	// Settle the Discovery Run: a cancelled parent context means the
	// caller tore the run down; an expired per-run deadline (or a
	// per-SCC timeout reported by the enumerator) is PartialTimeout; any
	// other partial result means a cycle cap fired.
	switch {
	case ctx.Err() != nil:
		e.finishRun(run, models.RunCancelled, "cancelled", cycles)
	case runCtx.Err() != nil || (partial && reason == "timeout"):
		e.finishRun(run, models.RunPartialTimeout, "timeout", cycles)
	case partial:
		e.finishRun(run, models.RunPartialCap, reason, cycles)
	default:
		e.finishRun(run, models.RunCompleted, "", cycles)
	}
	return nil
}

// crossCommunityCycleCap/crossCommunityTimeout fall back to conservative
// defaults, much tighter than the main per-SCC budget, when a tenant's
// settings don't override them.
func crossCommunityCycleCap(s config.Settings) int {
	if s.CrossCommunityCycleCap > 0 {
		return s.CrossCommunityCycleCap
	}
	return 200
}

func crossCommunityTimeout(s config.Settings) time.Duration {
	if s.CrossCommunityTimeoutMS > 0 {
		return time.Duration(s.CrossCommunityTimeoutMS) * time.Millisecond
	}
	return 5 * time.Second
}

// admitCycle canonicalizes, dedups, scores, and (if it passes) caches
// one raw elementary cycle, publishing LoopDiscovered on success.
func (e *Engine) admitCycle(view *graphstore.View, raw enumerator.Cycle) {
	settings := e.ctx.Settings
	c := raw
	if settings.EnableCanonical {
		c = canon.Canonicalize(raw)
	}
	id := canon.CanonicalID(c)

	if settings.EnableBloom {
		if !e.ctx.Deduper.Admit(id) {
			return
		}
	}

	score := e.ctx.Scorer.Score(view, c, id, view.Generation())
	if score.Efficiency < settings.MinEfficiency || !e.ctx.Scorer.Passes(score) {
		if settings.EnableBloom {
			e.ctx.Deduper.Forget(id)
		}
		return
	}

	steps := make([]models.CycleStep, len(c.Wallets))
	for i := range c.Wallets {
		steps[i] = models.CycleStep{
			WalletFrom: c.Wallets[i],
			WalletTo:   c.Wallets[(i+1)%len(c.Wallets)],
			NFT:        c.NFTs[i],
		}
	}

	tc := models.TradeCycle{
		CanonicalID:  id,
		Steps:        steps,
		Participants: len(c.Wallets),
		Quality:      score.Quality,
		Efficiency:   score.Efficiency,
		Fairness:     score.Fairness,
		Score:        score.Composite,
		Generation:   view.Generation(),
	}
	now := time.Now()
	ttl := settings.ActiveLoopTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	entry := &models.ActiveLoopEntry{
		CanonicalID:            id,
		Cycle:                  tc,
		State:                  models.LoopValid,
		ExpiresAt:              now.Add(ttl),
		DiscoveredAt:           now,
		BlockingEventWatermark: view.Generation(),
	}

	collections := collectionsTouched(view, c)
	e.ctx.Cache.Put(entry, collections)
	e.ctx.Bus.Publish(eventbus.Event{
		Type: eventbus.TypeLoopDiscovered, Generation: view.Generation(), Timestamp: now, Data: entry,
	})
}

func collectionsTouched(view *graphstore.View, c enumerator.Cycle) []models.CollectionID {
	seen := map[models.CollectionID]struct{}{}
	for i, nft := range c.NFTs {
		wallet := c.Wallets[(i+1)%len(c.Wallets)]
		kind, ok := view.WantKindOf(wallet, nft)
		if !ok || kind != models.WantCollectionDerived {
			continue
		}
		if n, ok := view.NFT(nft); ok && n.CollectionID != "" {
			seen[n.CollectionID] = struct{}{}
		}
	}
	out := make([]models.CollectionID, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LoopFilter is the get_active_loops query filter; at most one of
// Wallet/NFT/Collection should be set. Cursor is the CanonicalID of the
// last entry returned by a prior page, exclusive.
type LoopFilter struct {
	Wallet     models.WalletID
	NFT        models.NFTID
	Collection models.CollectionID
	Limit      int
	Cursor     string
}

// LoopPage is the get_active_loops({...}) -> {loops[], next_cursor,
// partial} response shape.
type LoopPage struct {
	Loops      []*models.ActiveLoopEntry
	NextCursor string
	Partial    bool
}

// GetActiveLoops is the Query surface's get_active_loops operation.
// Results are ordered by CanonicalID so cursor-based pagination is
// stable across calls against the same cache generation.
func (e *Engine) GetActiveLoops(filter LoopFilter) LoopPage {
	var out []*models.ActiveLoopEntry
	switch {
	case filter.Wallet != "":
		out = e.ctx.Cache.ByWallet(filter.Wallet)
	case filter.NFT != "":
		out = e.ctx.Cache.ByNFT(filter.NFT)
	case filter.Collection != "":
		out = e.ctx.Cache.ByCollection(filter.Collection)
	default:
		return LoopPage{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })

	if filter.Cursor != "" {
		idx := sort.Search(len(out), func(i int) bool { return out[i].CanonicalID > filter.Cursor })
		out = out[idx:]
	}

	// The max_loops_per_request admin knob is a hard ceiling: a
	// caller-supplied limit of 0 (unset) or one above the cap is clamped
	// down to it rather than honored as-is.
	limit := filter.Limit
	if maxLimit := e.ctx.Settings.MaxLoopsPerRequest; maxLimit > 0 && (limit <= 0 || limit > maxLimit) {
		limit = maxLimit
	}

	page := LoopPage{Loops: out}
	if limit > 0 && len(out) > limit {
		page.Loops = out[:limit]
		page.Partial = true
		page.NextCursor = page.Loops[len(page.Loops)-1].CanonicalID
	}
	return page
}

// GetLoopDetail is get_loop_detail(canonical_id).
func (e *Engine) GetLoopDetail(canonicalID string) (*models.ActiveLoopEntry, bool) {
	return e.ctx.Cache.Get(canonicalID)
}

// Stats is the get_stats({tenant}) payload.
type Stats struct {
	Nodes                  int
	Edges                  int
	CollectionDerivedEdges int
	DirectEdges            int
	ActiveLoops            int
	DiscoveriesInFlight    int
	DiscoveryRunsFinished  int
	DiscoveryRunsPartial   int
}

// GetStats is get_stats({tenant}).
func (e *Engine) GetStats() Stats {
	view := e.ctx.Store.Snapshot()
	st := view.Stats()

	e.runsMu.Lock()
	finished, partialRuns := e.runsDone, e.runsPartial
	e.runsMu.Unlock()

	return Stats{
		Nodes:                  st.Nodes,
		Edges:                  st.Edges,
		CollectionDerivedEdges: st.CollectionDerivedEdges,
		DirectEdges:            st.DirectEdges,
		ActiveLoops:            e.ctx.Cache.Len(),
		DiscoveriesInFlight:    e.ctx.Scheduler.DiscoveriesInFlight(),
		DiscoveryRunsFinished:  finished,
		DiscoveryRunsPartial:   partialRuns,
	}
}

// Sweep runs the Active Loop Cache TTL sweep and the Scorer's cache
// sweep; callers (cmd/tradeloopd) schedule this on a ticker.
func (e *Engine) Sweep(now time.Time) {
	for _, id := range e.ctx.Cache.Sweep(now) {
		e.ctx.Deduper.Forget(id)
		e.ctx.Bus.Publish(eventbus.Event{
			Type: eventbus.TypeLoopInvalidated, Timestamp: now,
			Data: eventbus.InvalidatedPayload{CanonicalID: id, Reason: "ttl expired"},
		})
	}
	e.ctx.Scorer.Sweep()

	// Periodic self-check of the graph's structural invariants. A
	// failure here means the single-writer discipline was somehow
	// violated; quarantine the tenant rather than keep serving
	// discoveries over a corrupt graph.
	if err := e.ctx.Store.CheckInvariants(); err != nil {
		e.ctx.Quarantine(err.Error())
		log.Printf("[engine] tenant %s quarantined: %v", e.ctx.ID, err)
	}
}

// Compact snapshots the tenant's current graph state through its
// Persistence Bridge and truncates the mutation log, the periodic
// compaction of the write-behind log. A nil Persister makes this a
// no-op; a failed compaction leaves the existing snapshot + log intact
// (the bridge's write-then-rename discipline) and is reported for the
// caller to log, never to block on.
func (e *Engine) Compact(ctx context.Context) error {
	if e.ctx.Persister == nil {
		return nil
	}
	records := e.ctx.Store.ExportRecords()
	return e.ctx.Persister.Snapshot(ctx, e.ctx.ID, e.ctx.Store.Generation(), records)
}
