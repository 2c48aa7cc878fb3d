// Package scc implements the SCC Partitioner: decomposing the
// wallet-wallet directed graph restricted to an affected subgraph into
// its strongly connected components via gonum's graph/topo.TarjanSCC.
//
// Tarjan itself runs once over the whole reachable subgraph: splitting
// the vertex set into batches *before* running SCC would silently drop
// every edge whose endpoints land in different batches, hiding real
// components that straddle a batch boundary. The batching and
// wall-clock budget instead bound the downstream materialization of
// Tarjan's own output.
package scc

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
)

// Component is one non-trivial strongly connected component: trivial
// (size-1) SCCs are discarded.
type Component struct {
	Wallets []models.WalletID
}

// Result is the outcome of one partitioning pass.
type Result struct {
	Components []Component
	Partial    bool // wall-clock budget exhausted before all batches ran
}

// idMap implements a stable WalletID <-> int64 mapping, since gonum's
// graph types index by int64.
type idMap struct {
	toID     map[models.WalletID]int64
	toWallet map[int64]models.WalletID
	next     int64
}

func newIDMap() *idMap {
	return &idMap{toID: make(map[models.WalletID]int64), toWallet: make(map[int64]models.WalletID)}
}

func (m *idMap) id(w models.WalletID) int64 {
	if id, ok := m.toID[w]; ok {
		return id
	}
	id := m.next
	m.next++
	m.toID[w] = id
	m.toWallet[id] = w
	return id
}

// Partition decomposes the wallets reachable from roots (or the whole
// graph if roots is empty — used for full, non-rooted discovery) into
// non-trivial SCCs. Tarjan's decomposition runs exactly once over the
// complete reachable subgraph, so no real cross-wallet cycle is ever
// hidden by an arbitrary vertex split; batchSize instead bounds how many
// of the resulting components are converted and appended to Result per
// wall-clock check, stopping (with Result.Partial true) once budget has
// elapsed.
func Partition(view *graphstore.View, roots []models.WalletID, batchSize int, budget time.Duration) Result {
	if batchSize <= 0 {
		batchSize = 3000
	}
	deadline := time.Now().Add(budget)

	nodes := reachableSet(view, roots)
	walletList := make([]models.WalletID, 0, len(nodes))
	for w := range nodes {
		walletList = append(walletList, w)
	}
	// Deterministic insertion order: SCC membership is invariant to node
	// numbering, but a stable build order keeps the graph construction
	// itself reproducible across runs over the same snapshot.
	sort.Slice(walletList, func(i, j int) bool { return walletList[i] < walletList[j] })

	ids := newIDMap()
	g := simple.NewDirectedGraph()
	for _, w := range walletList {
		g.AddNode(simple.Node(ids.id(w)))
	}
	for _, w := range walletList {
		for _, e := range view.EdgesFrom(w) {
			if _, ok := nodes[e.To]; !ok {
				continue
			}
			from := simple.Node(ids.id(w))
			to := simple.Node(ids.id(e.To))
			if !g.HasEdgeFromTo(from.ID(), to.ID()) {
				g.SetEdge(g.NewEdge(from, to))
			}
		}
	}

	sccs := topo.TarjanSCC(g)
	sort.Slice(sccs, func(i, j int) bool {
		return sccMinWallet(sccs[i], ids) < sccMinWallet(sccs[j], ids)
	})

	var result Result
	for batchStart := 0; batchStart < len(sccs); batchStart += batchSize {
		if time.Now().After(deadline) {
			result.Partial = true
			break
		}
		batchEnd := batchStart + batchSize
		if batchEnd > len(sccs) {
			batchEnd = len(sccs)
		}
		for _, comp := range sccs[batchStart:batchEnd] {
			if len(comp) < 2 {
				continue
			}
			c := Component{Wallets: make([]models.WalletID, 0, len(comp))}
			for _, n := range comp {
				c.Wallets = append(c.Wallets, ids.toWallet[n.ID()])
			}
			sort.Slice(c.Wallets, func(i, j int) bool { return c.Wallets[i] < c.Wallets[j] })
			result.Components = append(result.Components, c)
		}
	}
	return result
}

// sccMinWallet returns the lexicographically smallest wallet id in an
// SCC, used only to order Result.Components deterministically.
func sccMinWallet(comp []graph.Node, ids *idMap) models.WalletID {
	min := ids.toWallet[comp[0].ID()]
	for _, n := range comp[1:] {
		if w := ids.toWallet[n.ID()]; w < min {
			min = w
		}
	}
	return min
}

// reachableSet returns every wallet forward-reachable from roots within
// the view's edge relation. Forward reachability alone is sufficient to
// capture the full SCC containing each root: any wallet mutually
// reachable with a root is, by definition, forward-reachable from it.
// The set may be a superset of a root's true SCC (nodes reachable from
// it but not reaching back), which Tarjan's decomposition below then
// discards as trivial or separate components. Empty roots means
// "everything" (unrooted, whole-graph discovery).
func reachableSet(view *graphstore.View, roots []models.WalletID) map[models.WalletID]struct{} {
	if len(roots) == 0 {
		out := make(map[models.WalletID]struct{})
		for _, w := range view.Nodes() {
			out[w] = struct{}{}
		}
		return out
	}

	visited := make(map[models.WalletID]struct{})
	queue := append([]models.WalletID(nil), roots...)
	for _, r := range roots {
		visited[r] = struct{}{}
	}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]
		for _, e := range view.EdgesFrom(w) {
			if _, ok := visited[e.To]; !ok {
				visited[e.To] = struct{}{}
				queue = append(queue, e.To)
			}
		}
	}
	return visited
}
