// Package enumerator implements the Cycle Enumerator: Johnson-style
// elementary directed cycle enumeration within a single strongly
// connected component, deterministic in wallet-id order, with a
// blocked-set/blocked-map so every cycle is produced exactly once.
//
// This is hand-rolled rather than a library call: gonum's graph/topo
// exposes cycle-finding helpers but nothing that supports cooperative
// cancellation, a per-SCC wall-clock timeout, or a hard cycle cap
// mid-traversal, and all three are first-class behavior here, not a
// post-hoc truncation of a complete result. Concurrency across
// disjoint SCCs is golang.org/x/sync/errgroup.SetLimit, the idiomatic
// fit for "N independent units, M concurrency cap, first error/cancel
// propagates".
package enumerator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
	"tradeloop/internal/scc"
)

// Options bounds one enumeration pass.
type Options struct {
	MaxDepth       int           // elementary cycles longer than this are not explored
	PerSCCTimeout  time.Duration // wall-clock budget per SCC
	PerSCCCycleCap int           // cycle cap within a single SCC
	GlobalCycleCap int           // cycle cap across the whole enumeration pass
	Concurrency    int           // max SCCs processed concurrently
}

// Cycle is one elementary directed cycle: Wallets[i] sends NFTs[i] to
// Wallets[(i+1)%len].
type Cycle struct {
	Wallets []models.WalletID
	NFTs    []models.NFTID
}

// Result is the outcome of one enumeration pass over a set of SCCs.
type Result struct {
	Cycles  []Cycle
	Partial bool
	Reason  string // "timeout", "per_scc_cap", "global_cap", "cancelled", ""
}

// Enumerate finds every elementary directed cycle of length <=
// opts.MaxDepth within each component, processing disjoint components
// concurrently up to opts.Concurrency. Enumeration within one component
// is single-threaded.
func Enumerate(ctx context.Context, view *graphstore.View, components []scc.Component, opts Options) Result {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 10
	}

	var (
		mu      sync.Mutex
		out     Result
		global  int64
		cutoff  int64 = int64(opts.GlobalCycleCap)
		cancel  context.CancelFunc
	)
	runCtx := ctx
	if cutoff > 0 {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(opts.Concurrency)

	for _, comp := range components {
		comp := comp
		g.Go(func() error {
			if cutoff > 0 && atomic.LoadInt64(&global) >= cutoff {
				return nil
			}
			res := enumerateComponent(gctx, view, comp.Wallets, opts)

			mu.Lock()
			defer mu.Unlock()
			remaining := opts.GlobalCycleCap - len(out.Cycles)
			if cutoff > 0 && remaining <= 0 {
				out.Partial = true
				if out.Reason == "" {
					out.Reason = "global_cap"
				}
				return nil
			}
			if cutoff > 0 && len(res.Cycles) > remaining {
				res.Cycles = res.Cycles[:remaining]
				res.Partial = true
				res.Reason = "global_cap"
				if cancel != nil {
					cancel()
				}
			}
			out.Cycles = append(out.Cycles, res.Cycles...)
			atomic.AddInt64(&global, int64(len(res.Cycles)))
			if res.Partial && out.Reason == "" {
				out.Reason = res.Reason
			}
			out.Partial = out.Partial || res.Partial
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		out.Partial = true
		if out.Reason == "" {
			out.Reason = "cancelled"
		}
	}
	return out
}

// enumerateComponent runs Johnson's algorithm over a single SCC.
func enumerateComponent(ctx context.Context, view *graphstore.View, wallets []models.WalletID, opts Options) Result {
	order := append([]models.WalletID(nil), wallets...)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	member := make(map[models.WalletID]struct{}, len(order))
	idx := make(map[models.WalletID]int, len(order))
	for i, w := range order {
		member[w] = struct{}{}
		idx[w] = i
	}

	adj, nftFor := buildAdjacency(view, order, member)

	e := &engine{
		ctx:      ctx,
		adj:      adj,
		nftFor:   nftFor,
		idx:      idx,
		maxDepth: opts.MaxDepth,
		cycleCap: opts.PerSCCCycleCap,
		deadline: time.Now().Add(opts.PerSCCTimeout),
	}

	for startIdx, s := range order {
		if e.budgetExceeded() {
			e.partial = true
			if e.reason == "" {
				e.reason = "timeout"
			}
			break
		}
		e.s = s
		e.startIdx = startIdx
		e.blocked = make(map[models.WalletID]bool)
		e.blockedMap = make(map[models.WalletID]map[models.WalletID]struct{})
		e.stack = e.stack[:0]
		if !e.circuit(s) {
			// no cycle rooted at s found or cut short; nothing else to do
		}
		if e.capHit() || e.partial {
			if e.reason == "" {
				if e.capHit() {
					e.reason = "per_scc_cap"
				} else {
					e.reason = "timeout"
				}
			}
			break
		}
	}

	return Result{Cycles: e.cycles, Partial: e.partial, Reason: e.reason}
}

// buildAdjacency derives, for every ordered pair of wallets in the
// component, the deterministic NFT choice an edge resolves to: when
// several NFTs owned by From are wanted by To, the lexicographically
// smallest NFT id is chosen, matching the same tiebreak
// internal/expansion applies for collection-derived candidates.
func buildAdjacency(view *graphstore.View, order []models.WalletID, member map[models.WalletID]struct{}) (map[models.WalletID][]models.WalletID, map[[2]models.WalletID]models.NFTID) {
	adj := make(map[models.WalletID][]models.WalletID, len(order))
	nftFor := make(map[[2]models.WalletID]models.NFTID)

	for _, w := range order {
		candidates := make(map[models.WalletID]models.NFTID)
		for _, e := range view.EdgesFrom(w) {
			if _, ok := member[e.To]; !ok {
				continue
			}
			best, have := candidates[e.To]
			if !have || e.NFT < best {
				candidates[e.To] = e.NFT
			}
		}
		neighbors := make([]models.WalletID, 0, len(candidates))
		for to, nft := range candidates {
			neighbors = append(neighbors, to)
			nftFor[[2]models.WalletID{w, to}] = nft
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })
		adj[w] = neighbors
	}
	return adj, nftFor
}

// engine holds the mutable state of one Johnson's-algorithm pass over a
// single SCC: the blocked set, the blocked map, and the DFS stack.
type engine struct {
	ctx      context.Context
	adj      map[models.WalletID][]models.WalletID
	nftFor   map[[2]models.WalletID]models.NFTID
	idx      map[models.WalletID]int
	maxDepth int
	cycleCap int
	deadline time.Time

	s        models.WalletID
	startIdx int
	blocked  map[models.WalletID]bool
	blockedMap map[models.WalletID]map[models.WalletID]struct{}
	stack    []models.WalletID

	cycles  []Cycle
	partial bool
	reason  string
}

func (e *engine) budgetExceeded() bool {
	if e.ctx.Err() != nil {
		return true
	}
	return !e.deadline.IsZero() && time.Now().After(e.deadline)
}

func (e *engine) capHit() bool {
	return e.cycleCap > 0 && len(e.cycles) >= e.cycleCap
}

// circuit is Johnson's recursive circuit() routine: DFS from v, within
// the subgraph restricted to vertices with idx >= startIdx, emitting a
// cycle every time the walk returns to s. Returns whether any cycle was
// found through v, which governs whether v is eagerly unblocked
// (closed under a successful return) or left blocked (recorded in the
// blocked map so it unblocks transitively once a neighbor succeeds).
func (e *engine) circuit(v models.WalletID) bool {
	if e.budgetExceeded() || e.capHit() {
		e.partial = true
		return false
	}

	found := false
	e.stack = append(e.stack, v)
	e.blocked[v] = true

	if len(e.stack) <= e.maxDepth {
		for _, w := range e.adj[v] {
			if e.idx[w] < e.startIdx {
				continue
			}
			if e.budgetExceeded() || e.capHit() {
				e.partial = true
				break
			}
			if w == e.s {
				e.emit()
				found = true
			} else if !e.blocked[w] {
				if e.circuit(w) {
					found = true
				}
			}
		}
	}

	if found {
		e.unblock(v)
	} else {
		for _, w := range e.adj[v] {
			if e.idx[w] < e.startIdx {
				continue
			}
			if e.blockedMap[w] == nil {
				e.blockedMap[w] = make(map[models.WalletID]struct{})
			}
			e.blockedMap[w][v] = struct{}{}
		}
	}

	e.stack = e.stack[:len(e.stack)-1]
	return found
}

func (e *engine) unblock(v models.WalletID) {
	delete(e.blocked, v)
	for w := range e.blockedMap[v] {
		delete(e.blockedMap[v], w)
		if e.blocked[w] {
			e.unblock(w)
		}
	}
}

// emit materializes the current DFS stack (closed back to s) into a
// Cycle, resolving each step's NFT and rejecting bad candidates:
// duplicate NFTs across steps (implies reuse) and a
// step with no resolvable NFT (a race since the adjacency snapshot was
// built) both drop the candidate silently rather than emit garbage.
func (e *engine) emit() {
	wallets := append([]models.WalletID(nil), e.stack...)
	nfts := make([]models.NFTID, len(wallets))
	seen := make(map[models.NFTID]struct{}, len(wallets))
	for i, w := range wallets {
		to := wallets[(i+1)%len(wallets)]
		nft, ok := e.nftFor[[2]models.WalletID{w, to}]
		if !ok {
			return // zero available NFTs for this step: reject (race)
		}
		if _, dup := seen[nft]; dup {
			return // duplicate NFT across steps: reject (implies reuse)
		}
		seen[nft] = struct{}{}
		nfts[i] = nft
	}
	e.cycles = append(e.cycles, Cycle{Wallets: wallets, NFTs: nfts})
}
