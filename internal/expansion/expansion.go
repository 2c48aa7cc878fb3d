// Package expansion implements the Expansion Layer: turning a wallet's
// interest in a whole Collection into concrete NFT wants, bounded by a
// per-collection cap and reservoir sampling, with provenance recorded
// so later membership shrinkage can retire exactly the derived wants
// it justified.
package expansion

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
)

// Metrics is emitted for every expansion call.
type Metrics struct {
	Wallet        models.WalletID
	Collection    models.CollectionID
	OriginalSize  int
	ExpandedSize  int
	Sampled       bool
	Duration      time.Duration
}

// Expander materializes collection wants into concrete NFT wants.
type Expander struct {
	store *graphstore.Store
}

func New(store *graphstore.Store) *Expander {
	return &Expander{store: store}
}

// ExpandCollectionWant expands wallet's want on collection k into
// concrete per-NFT wants, bounded at maxSize. If membership exceeds
// maxSize, a deterministic reservoir sample is taken: deterministic
// because the sampling RNG is seeded from (wallet, collection), so two
// independent runs over the same graph produce the same expanded set
// — the "true" random-looking
// selection the reservoir-sampling algorithm performs is reproducible,
// not re-rolled, per call.
//
// ctx is checked cooperatively between NFTs, so a caller-imposed
// deadline stops expansion early instead of hanging: the wants derived
// so far stay, and the call returns the partial Metrics with an
// ErrDependencyUnavailable error. The collection want itself is
// recorded before any NFT is expanded, so it stands either way.
func (e *Expander) ExpandCollectionWant(ctx context.Context, wallet models.WalletID, k models.CollectionID, maxSize int) (Metrics, error) {
	start := time.Now()
	if _, err := e.store.AddCollectionWant(wallet, k); err != nil {
		return Metrics{}, err
	}

	members := e.store.CollectionMembers(k)
	m := Metrics{Wallet: wallet, Collection: k, OriginalSize: len(members)}

	candidates := sampleMembers(members, maxSize, wallet, k)
	m.Sampled = len(candidates) < len(members)

	owned := ownedSet(e.store, wallet)
	for _, nft := range candidates {
		select {
		case <-ctx.Done():
			m.Duration = time.Since(start)
			return m, models.WrapError(models.ErrDependencyUnavailable, "collection expansion timed out", ctx.Err())
		default:
		}
		if _, isOwned := owned[nft]; isOwned {
			continue
		}
		if _, err := e.store.AddWant(wallet, nft, models.WantCollectionDerived); err != nil {
			// SelfWant can legitimately race with a concurrent PutNFT;
			// skip rather than fail the whole expansion.
			continue
		}
		e.store.RecordExpansion(wallet, k, nft)
		m.ExpandedSize++
	}
	m.Duration = time.Since(start)
	return m, nil
}

// OnMembershipChanged reacts to a collection's membership diff: newly
// added members are expanded to every current subscriber (bounded by
// maxSize per subscriber); removed members have their derived wants
// retired via the Store's single atomic transaction.
func (e *Expander) OnMembershipChanged(ctx context.Context, k models.CollectionID, added, removed []models.NFTID, maxSize int) ([]Metrics, []*models.MutationRecord) {
	var metrics []Metrics
	if len(added) > 0 {
	subscriberLoop:
		for _, wallet := range e.store.CollectionWanters(k) {
			owned := ownedSet(e.store, wallet)
			m := Metrics{Wallet: wallet, Collection: k, OriginalSize: len(added)}
			for _, nft := range added {
				select {
				case <-ctx.Done():
					metrics = append(metrics, m)
					break subscriberLoop
				default:
				}
				if _, isOwned := owned[nft]; isOwned {
					continue
				}
				if _, err := e.store.AddWant(wallet, nft, models.WantCollectionDerived); err != nil {
					continue
				}
				e.store.RecordExpansion(wallet, k, nft)
				m.ExpandedSize++
			}
			metrics = append(metrics, m)
		}
	}
	var retired []*models.MutationRecord
	if len(removed) > 0 {
		retired = e.store.RetireDerivedMembers(k, removed)
	}
	return metrics, retired
}

func ownedSet(store *graphstore.Store, wallet models.WalletID) map[models.NFTID]struct{} {
	view := store.Snapshot()
	owned := view.Owned(wallet)
	out := make(map[models.NFTID]struct{}, len(owned))
	for _, id := range owned {
		out[id] = struct{}{}
	}
	return out
}

// sampleMembers returns members unchanged if it already fits within
// maxSize; otherwise it performs Algorithm R reservoir sampling seeded
// deterministically from (wallet, k), breaking ties in the result
// lexicographically by NFT id.
func sampleMembers(members []models.NFTID, maxSize int, wallet models.WalletID, k models.CollectionID) []models.NFTID {
	if maxSize <= 0 || len(members) <= maxSize {
		sorted := append([]models.NFTID(nil), members...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		return sorted
	}

	// Sort input first so the reservoir fill order is itself
	// deterministic, independent of map iteration order upstream.
	sorted := append([]models.NFTID(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rng := rand.New(rand.NewSource(seedFor(wallet, k)))
	reservoir := make([]models.NFTID, maxSize)
	copy(reservoir, sorted[:maxSize])
	for i := maxSize; i < len(sorted); i++ {
		j := rng.Intn(i + 1)
		if j < maxSize {
			reservoir[j] = sorted[i]
		}
	}
	sort.Slice(reservoir, func(i, j int) bool { return reservoir[i] < reservoir[j] })
	return reservoir
}

func seedFor(wallet models.WalletID, k models.CollectionID) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis
	for _, b := range []byte(string(wallet) + "|" + string(k)) {
		h ^= int64(b)
		h *= 1099511628211 // FNV prime
	}
	if h < 0 {
		h = -h
	}
	return h
}
