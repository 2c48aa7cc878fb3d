// Package canon implements the Canonicalizer & Deduper: rotating a
// discovered cycle to its canonical representative, hashing it to a
// stable id, and fronting admission with a Bloom filter so first-time
// discoveries are admitted cheaply; only Bloom hits are checked against
// the exact, sharded-by-id-prefix set.
//
// The hash is github.com/ethereum/go-ethereum/crypto.Keccak256Hash;
// the Bloom filter is github.com/bits-and-blooms/bloom/v3 over
// github.com/bits-and-blooms/bitset.
package canon

import (
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ethereum/go-ethereum/crypto"

	"tradeloop/internal/enumerator"
	"tradeloop/internal/models"
)

// Canonicalize picks, among a cycle's L rotations, the one whose wallet
// id sequence is lexicographically smallest, rotating the NFT sequence
// in lockstep. Applying it twice is the identity: the
// smallest rotation of an already-smallest rotation is itself.
func Canonicalize(c enumerator.Cycle) enumerator.Cycle {
	n := len(c.Wallets)
	if n == 0 {
		return c
	}
	best := 0
	for start := 1; start < n; start++ {
		if lessRotation(c.Wallets, start, best, n) {
			best = start
		}
	}
	if best == 0 {
		return c
	}
	wallets := make([]models.WalletID, n)
	nfts := make([]models.NFTID, n)
	for i := 0; i < n; i++ {
		wallets[i] = c.Wallets[(best+i)%n]
		nfts[i] = c.NFTs[(best+i)%n]
	}
	return enumerator.Cycle{Wallets: wallets, NFTs: nfts}
}

// lessRotation reports whether the rotation starting at a is
// lexicographically smaller than the rotation starting at b.
func lessRotation(wallets []models.WalletID, a, b, n int) bool {
	for i := 0; i < n; i++ {
		wa := wallets[(a+i)%n]
		wb := wallets[(b+i)%n]
		if wa != wb {
			return wa < wb
		}
	}
	return false
}

// CanonicalID computes H(rotated_wallets || rotated_nfts) over an
// already-canonicalized cycle.
func CanonicalID(c enumerator.Cycle) string {
	var sb strings.Builder
	for _, w := range c.Wallets {
		sb.WriteString(string(w))
		sb.WriteByte('|')
	}
	sb.WriteByte(';')
	for _, n := range c.NFTs {
		sb.WriteString(string(n))
		sb.WriteByte('|')
	}
	hash := crypto.Keccak256Hash([]byte(sb.String()))
	return hex.EncodeToString(hash.Bytes())
}

// dedupShard is one exact-match shard with its own lock, so concurrent
// enumerator workers hashing to different shards never block each
// other — the entire point of sharding the exact set.
type dedupShard struct {
	mu  sync.Mutex
	set map[string]struct{}
}

// Deduper fronts a sharded exact set with a Bloom filter: a positive
// Bloom hit routes to the exact set; an exact
// collision drops the cycle and increments a counter rather than
// re-emitting it. Each shard carries its own lock; the Bloom filter
// (not internally goroutine-safe) is guarded by one separate lock of
// its own, distinct from every shard's.
type Deduper struct {
	bloomMu sync.Mutex
	filter  *bloom.BloomFilter

	shards  []*dedupShard
	shardN  int
	dropped uint64 // accessed only via sync/atomic
}

// NewDeduper sizes the Bloom filter to max(2000, expectedCycles*1.5)
// and splits the exact set into shardCount shards keyed by a prefix of
// the canonical id, reducing contention under concurrent enumeration.
func NewDeduper(expectedCycles int, shardCount int) *Deduper {
	size := 2000
	if est := int(float64(expectedCycles) * 1.5); est > size {
		size = est
	}
	if shardCount <= 0 {
		shardCount = 16
	}
	d := &Deduper{
		filter: bloom.NewWithEstimates(uint(size), 0.01),
		shards: make([]*dedupShard, shardCount),
		shardN: shardCount,
	}
	for i := range d.shards {
		d.shards[i] = &dedupShard{set: make(map[string]struct{})}
	}
	return d
}

func (d *Deduper) shardFor(id string) *dedupShard {
	if len(id) == 0 {
		return d.shards[0]
	}
	return d.shards[int(id[0])%d.shardN]
}

// Admit reports whether canonicalID has not been seen before, recording
// it if so. Safe for concurrent use by multiple enumerator workers: two
// calls landing in different shards proceed without contending on each
// other's lock, only briefly serializing on the shared Bloom filter.
func (d *Deduper) Admit(canonicalID string) bool {
	shard := d.shardFor(canonicalID)

	d.bloomMu.Lock()
	seen := d.filter.TestAndAdd([]byte(canonicalID))
	d.bloomMu.Unlock()

	if !seen {
		shard.mu.Lock()
		shard.set[canonicalID] = struct{}{}
		shard.mu.Unlock()
		return true
	}

	// Bloom positive: consult the exact set to rule out a false positive.
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, exists := shard.set[canonicalID]; exists {
		atomic.AddUint64(&d.dropped, 1)
		return false
	}
	shard.set[canonicalID] = struct{}{}
	return true
}

// Forget removes canonicalID from the exact set (the Bloom filter
// cannot un-admit, but a false "seen" after removal merely costs an
// exact-set lookup, never a correctness violation). Used when an active
// loop is invalidated and its canonical id should be eligible for
// rediscovery under a later mutation generation.
func (d *Deduper) Forget(canonicalID string) {
	shard := d.shardFor(canonicalID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.set, canonicalID)
}

// Dropped returns the number of cycles rejected as exact duplicates.
func (d *Deduper) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}
