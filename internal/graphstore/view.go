package graphstore

import (
	"time"

	"tradeloop/internal/models"
)

// Stats summarizes a tenant's graph for the Query surface's get_stats
// operation.
type Stats struct {
	Nodes                 int
	Edges                 int
	DirectEdges           int
	CollectionDerivedEdges int
}

// View is the read-only façade algorithms consume. Each method call
// holds the Store's read lock for its own duration, so concurrent
// writes never produce a half-updated result within one call. A View
// does not copy the Store: a write that lands between two calls is
// visible to the later call, and Generation reports the generation
// recorded when the View was taken.
type View struct {
	store      *Store
	generation uint64
}

// Snapshot returns a read-only View of store that records its current
// generation. The View reads the Store's live state on every call; it
// does not freeze the graph at that generation.
func (s *Store) Snapshot() *View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &View{store: s, generation: s.generation}
}

// Generation returns the generation this View was taken at.
func (v *View) Generation() uint64 { return v.generation }

// Nodes returns every wallet id currently present in the graph.
func (v *View) Nodes() []models.WalletID {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	out := make([]models.WalletID, 0, len(v.store.wallets))
	for id := range v.store.wallets {
		out = append(out, id)
	}
	return out
}

// EdgesFrom returns every derived edge W_from -> * for the given
// wallet: one edge per (nft owned by wallet, wanter of that nft).
func (v *View) EdgesFrom(wallet models.WalletID) []models.Edge {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	w, ok := v.store.wallets[wallet]
	if !ok {
		return nil
	}
	var out []models.Edge
	for nft := range w.Owned {
		for wanter := range v.store.wantersIndex[nft] {
			if wanter == wallet {
				continue // invariant 3: no self-edges
			}
			kind := models.EdgeDirect
			var source models.CollectionID
			if wanterWallet, ok := v.store.wallets[wanter]; ok {
				if wk, ok := wanterWallet.Wanted[nft]; ok && wk == models.WantCollectionDerived {
					kind = models.EdgeCollectionDerived
					if nftRec, ok := v.store.nfts[nft]; ok {
						source = nftRec.CollectionID
					}
				}
			}
			out = append(out, models.Edge{
				From:             wallet,
				To:               wanter,
				NFT:              nft,
				Kind:             kind,
				SourceCollection: source,
			})
		}
	}
	return out
}

// Wanters returns every wallet currently wanting nft.
func (v *View) Wanters(nft models.NFTID) []models.WalletID {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	out := make([]models.WalletID, 0, len(v.store.wantersIndex[nft]))
	for w := range v.store.wantersIndex[nft] {
		out = append(out, w)
	}
	return out
}

// Owner returns the current owner of nft, or "" if unowned/unknown.
func (v *View) Owner(nft models.NFTID) models.WalletID {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return v.store.ownerIndex[nft]
}

// Owned returns the NFTs a wallet currently owns.
func (v *View) Owned(wallet models.WalletID) []models.NFTID {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	w, ok := v.store.wallets[wallet]
	if !ok {
		return nil
	}
	out := make([]models.NFTID, 0, len(w.Owned))
	for id := range w.Owned {
		out = append(out, id)
	}
	return out
}

// WantedNFTs returns the concrete NFTs a wallet currently wants
// (direct or collection-derived).
func (v *View) WantedNFTs(wallet models.WalletID) []models.NFTID {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	w, ok := v.store.wallets[wallet]
	if !ok {
		return nil
	}
	out := make([]models.NFTID, 0, len(w.Wanted))
	for id := range w.Wanted {
		out = append(out, id)
	}
	return out
}

// OwnedCount returns how many NFTs a wallet currently owns, cheap enough
// to call on every submit_inventory item to enforce the
// max_nfts_per_wallet security cap without materializing the full set.
func (v *View) OwnedCount(wallet models.WalletID) int {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	w, ok := v.store.wallets[wallet]
	if !ok {
		return 0
	}
	return len(w.Owned)
}

// WantedCount returns how many NFTs a wallet currently wants (direct or
// collection-derived), enforcing the max_wants_per_wallet cap.
func (v *View) WantedCount(wallet models.WalletID) int {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	w, ok := v.store.wallets[wallet]
	if !ok {
		return 0
	}
	return len(w.Wanted)
}

// HasEdge reports whether a direct trade-potential edge exists from
// wFrom to wTo (wFrom owns something wTo wants).
func (v *View) HasEdge(wFrom, wTo models.WalletID) bool {
	for _, e := range v.EdgesFrom(wFrom) {
		if e.To == wTo {
			return true
		}
	}
	return false
}

// AllNFTs returns every NFT id currently tracked.
func (v *View) AllNFTs() []models.NFTID {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	out := make([]models.NFTID, 0, len(v.store.nfts))
	for id := range v.store.nfts {
		out = append(out, id)
	}
	return out
}

// NFT looks up an NFT's metadata.
func (v *View) NFT(id models.NFTID) (models.NFT, bool) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	n, ok := v.store.nfts[id]
	if !ok {
		return models.NFT{}, false
	}
	return *n, true
}

// WantKindOf reports how wallet came to want nft (direct or
// collection-derived), used by the Scorer's collection-derived-edge
// and mutual-want-strength metrics.
func (v *View) WantKindOf(wallet models.WalletID, nft models.NFTID) (models.WantKind, bool) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	w, ok := v.store.wallets[wallet]
	if !ok {
		return 0, false
	}
	kind, ok := w.Wanted[nft]
	return kind, ok
}

// WantedAt returns when wallet placed its want on nft, for the
// Scorer's stale-want-penalty metric.
func (v *View) WantedAt(wallet models.WalletID, nft models.NFTID) (time.Time, bool) {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	w, ok := v.store.wallets[wallet]
	if !ok {
		return time.Time{}, false
	}
	t, ok := w.WantedAt[nft]
	return t, ok
}

// CollectionSize returns the current member count of k, used by the
// Scorer's rarity-rank-spread proxy (smaller collections score rarer).
func (v *View) CollectionSize(k models.CollectionID) int {
	if k == "" {
		return 0
	}
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	c, ok := v.store.collections[k]
	if !ok {
		return 0
	}
	return len(c.Members)
}

// OutDegree returns the number of distinct wallets wallet has a direct
// trade-potential edge to, for the Scorer's degree-centrality metric.
func (v *View) OutDegree(wallet models.WalletID) int {
	seen := make(map[models.WalletID]struct{})
	for _, e := range v.EdgesFrom(wallet) {
		seen[e.To] = struct{}{}
	}
	return len(seen)
}

// HasCollectionSupport reports whether the Store knows any collection
// at all (an NFT carried a collection id or a membership was set). It
// does not check whether any collection-derived edge exists.
func (v *View) HasCollectionSupport() bool {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()
	return len(v.store.collections) > 0
}

// Stats computes the get_stats payload for the Query surface.
func (v *View) Stats() Stats {
	v.store.mu.RLock()
	defer v.store.mu.RUnlock()

	st := Stats{Nodes: len(v.store.wallets)}
	for wid, w := range v.store.wallets {
		for nft := range w.Owned {
			for wanter := range v.store.wantersIndex[nft] {
				if wanter == wid {
					continue
				}
				st.Edges++
				if wanterWallet, ok := v.store.wallets[wanter]; ok {
					if kind := wanterWallet.Wanted[nft]; kind == models.WantCollectionDerived {
						st.CollectionDerivedEdges++
						continue
					}
				}
				st.DirectEdges++
			}
		}
	}
	return st
}

// RootsForWallet returns {wallet} plus every neighbor reachable by one
// hop of edges_from/wanters, the shape the Delta Engine's root-set
// computations need to seed rooted enumeration.
func (v *View) RootsForWallet(wallet models.WalletID) []models.WalletID {
	seen := map[models.WalletID]struct{}{wallet: {}}
	for _, e := range v.EdgesFrom(wallet) {
		seen[e.To] = struct{}{}
	}
	out := make([]models.WalletID, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	return out
}
