// Package cache implements the Active Loop Cache: the per-tenant store
// of currently-valid trade cycles, indexed by canonical id with
// inverted indices by_wallet/by_nft/by_collection so a mutation can
// atomically invalidate every entry it touches. The inverted indices
// take per-index locks rather than one cache-wide lock to reduce
// contention.
package cache

import (
	"sync"
	"time"

	"tradeloop/internal/models"
)

// Cache is the Active Loop Cache. Zero value is not usable; construct
// with New.
type Cache struct {
	shards []*shard
	shardN int

	walletMu sync.RWMutex
	byWallet map[models.WalletID]map[string]struct{}

	nftMu sync.RWMutex
	byNFT map[models.NFTID]map[string]struct{}

	collMu       sync.RWMutex
	byCollection map[models.CollectionID]map[string]struct{}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*models.ActiveLoopEntry
	meta    map[string]indexMeta
}

// indexMeta records what an entry was indexed under, so invalidation
// and removal can undo exactly those index memberships.
type indexMeta struct {
	wallets     []models.WalletID
	nfts        []models.NFTID
	collections []models.CollectionID
}

// New creates a Cache with shardCount independently-locked shards.
func New(shardCount int) *Cache {
	if shardCount <= 0 {
		shardCount = 16
	}
	c := &Cache{
		shards:       make([]*shard, shardCount),
		shardN:       shardCount,
		byWallet:     make(map[models.WalletID]map[string]struct{}),
		byNFT:        make(map[models.NFTID]map[string]struct{}),
		byCollection: make(map[models.CollectionID]map[string]struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries: make(map[string]*models.ActiveLoopEntry),
			meta:    make(map[string]indexMeta),
		}
	}
	return c
}

func (c *Cache) shardFor(id string) *shard {
	if len(id) == 0 {
		return c.shards[0]
	}
	sum := 0
	for i := 0; i < len(id); i++ {
		sum += int(id[i])
	}
	return c.shards[sum%c.shardN]
}

// Put inserts or replaces entry, indexing it by every wallet/NFT in its
// cycle and by every collection in collections (the Discovery Run's
// caller derives these from the Unified Graph View at discovery time,
// since TradeCycle itself carries no collection metadata).
func (c *Cache) Put(entry *models.ActiveLoopEntry, collections []models.CollectionID) {
	wallets := entry.Cycle.Wallets()
	nfts := entry.Cycle.NFTs()
	meta := indexMeta{wallets: wallets, nfts: nfts, collections: dedupeCollections(collections)}

	sh := c.shardFor(entry.CanonicalID)
	sh.mu.Lock()
	sh.entries[entry.CanonicalID] = entry
	sh.meta[entry.CanonicalID] = meta
	sh.mu.Unlock()

	c.walletMu.Lock()
	for _, w := range wallets {
		if c.byWallet[w] == nil {
			c.byWallet[w] = make(map[string]struct{})
		}
		c.byWallet[w][entry.CanonicalID] = struct{}{}
	}
	c.walletMu.Unlock()

	c.nftMu.Lock()
	for _, n := range nfts {
		if c.byNFT[n] == nil {
			c.byNFT[n] = make(map[string]struct{})
		}
		c.byNFT[n][entry.CanonicalID] = struct{}{}
	}
	c.nftMu.Unlock()

	if len(meta.collections) > 0 {
		c.collMu.Lock()
		for _, k := range meta.collections {
			if c.byCollection[k] == nil {
				c.byCollection[k] = make(map[string]struct{})
			}
			c.byCollection[k][entry.CanonicalID] = struct{}{}
		}
		c.collMu.Unlock()
	}
}

func dedupeCollections(in []models.CollectionID) []models.CollectionID {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[models.CollectionID]struct{}, len(in))
	var out []models.CollectionID
	for _, k := range in {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Get returns the entry for canonicalID, filtering out entries already
// Expired or Invalidated; fetches never return stale entries.
func (c *Cache) Get(canonicalID string) (*models.ActiveLoopEntry, bool) {
	sh := c.shardFor(canonicalID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[canonicalID]
	if !ok || e.State == models.LoopExpired || e.State == models.LoopInvalidated {
		return nil, false
	}
	return e, true
}

// ByWallet returns every live entry touching wallet.
func (c *Cache) ByWallet(wallet models.WalletID) []*models.ActiveLoopEntry {
	c.walletMu.RLock()
	ids := copyKeys(c.byWallet[wallet])
	c.walletMu.RUnlock()
	return c.resolve(ids)
}

// ByNFT returns every live entry touching nft.
func (c *Cache) ByNFT(nft models.NFTID) []*models.ActiveLoopEntry {
	c.nftMu.RLock()
	ids := copyKeys(c.byNFT[nft])
	c.nftMu.RUnlock()
	return c.resolve(ids)
}

// ByCollection returns every live entry touching a collection-derived
// step sourced from k.
func (c *Cache) ByCollection(k models.CollectionID) []*models.ActiveLoopEntry {
	c.collMu.RLock()
	ids := copyKeys(c.byCollection[k])
	c.collMu.RUnlock()
	return c.resolve(ids)
}

func (c *Cache) resolve(ids []string) []*models.ActiveLoopEntry {
	out := make([]*models.ActiveLoopEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := c.Get(id); ok {
			out = append(out, e)
		}
	}
	return out
}

func copyKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// InvalidateByWallet invalidates every live entry touching wallet,
// returning the canonical ids invalidated (for LoopInvalidated
// notification fan-out).
func (c *Cache) InvalidateByWallet(wallet models.WalletID, reason string) []string {
	c.walletMu.RLock()
	ids := copyKeys(c.byWallet[wallet])
	c.walletMu.RUnlock()
	return c.invalidateAll(ids, reason)
}

// InvalidateByNFT invalidates every live entry touching nft.
func (c *Cache) InvalidateByNFT(nft models.NFTID, reason string) []string {
	c.nftMu.RLock()
	ids := copyKeys(c.byNFT[nft])
	c.nftMu.RUnlock()
	return c.invalidateAll(ids, reason)
}

// InvalidateByCollection invalidates every live entry sourced from k.
func (c *Cache) InvalidateByCollection(k models.CollectionID, reason string) []string {
	c.collMu.RLock()
	ids := copyKeys(c.byCollection[k])
	c.collMu.RUnlock()
	return c.invalidateAll(ids, reason)
}

func (c *Cache) invalidateAll(ids []string, reason string) []string {
	var invalidated []string
	for _, id := range ids {
		if c.invalidateOne(id) {
			invalidated = append(invalidated, id)
		}
	}
	_ = reason // carried by the notification the caller publishes, not stored here
	return invalidated
}

// invalidateOne marks an entry Invalidated and removes it (and its
// index memberships) atomically, so a concurrent reader either sees it
// fully present or fully gone, never half-removed.
func (c *Cache) invalidateOne(id string) bool {
	sh := c.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	if !ok || e.State == models.LoopExpired || e.State == models.LoopInvalidated {
		sh.mu.Unlock()
		return false
	}
	e.State = models.LoopInvalidated
	meta := sh.meta[id]
	delete(sh.entries, id)
	delete(sh.meta, id)
	sh.mu.Unlock()

	c.removeFromIndices(id, meta)
	return true
}

func (c *Cache) removeFromIndices(id string, meta indexMeta) {
	c.walletMu.Lock()
	for _, w := range meta.wallets {
		if set, ok := c.byWallet[w]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.byWallet, w)
			}
		}
	}
	c.walletMu.Unlock()

	c.nftMu.Lock()
	for _, n := range meta.nfts {
		if set, ok := c.byNFT[n]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.byNFT, n)
			}
		}
	}
	c.nftMu.Unlock()

	if len(meta.collections) > 0 {
		c.collMu.Lock()
		for _, k := range meta.collections {
			if set, ok := c.byCollection[k]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(c.byCollection, k)
				}
			}
		}
		c.collMu.Unlock()
	}
}

// Sweep expires every entry past its TTL. Idempotent: re-running it
// against already-expired (and thus already-removed) entries is a
// no-op.
func (c *Cache) Sweep(now time.Time) []string {
	var expired []string
	for _, sh := range c.shards {
		sh.mu.Lock()
		var ids []string
		for id, e := range sh.entries {
			if now.After(e.ExpiresAt) {
				e.State = models.LoopExpired
				ids = append(ids, id)
			}
		}
		metas := make(map[string]indexMeta, len(ids))
		for _, id := range ids {
			metas[id] = sh.meta[id]
			delete(sh.entries, id)
			delete(sh.meta, id)
		}
		sh.mu.Unlock()

		for _, id := range ids {
			c.removeFromIndices(id, metas[id])
			expired = append(expired, id)
		}
	}
	return expired
}

// Len returns the number of currently live entries, for get_stats.
func (c *Cache) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}
