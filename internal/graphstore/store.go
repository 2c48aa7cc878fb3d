// Package graphstore implements the Graph Store and the Unified Graph
// View façade over it: the per-tenant authoritative
// wallet/NFT/collection graph, mutated only through write transactions
// that emit a typed MutationRecord.
//
// Concurrency is a reader-writer discipline: one sync.RWMutex, many
// concurrent readers (View, Stats), a single writer at a time.
package graphstore

import (
	"sort"
	"sync"
	"time"

	"tradeloop/internal/models"
)

type expansionKey struct {
	wallet     models.WalletID
	collection models.CollectionID
}

// Store is the authoritative per-tenant graph. Zero value is not usable;
// construct with New.
type Store struct {
	mu sync.RWMutex

	wallets     map[models.WalletID]*models.Wallet
	nfts        map[models.NFTID]*models.NFT
	collections map[models.CollectionID]*models.Collection

	ownerIndex   map[models.NFTID]models.WalletID
	wantersIndex map[models.NFTID]map[models.WalletID]struct{}

	// expansionIndex tracks, for every (wallet, collection) subscription,
	// which concrete NFTs were derived from it — the provenance needed to
	// retire derived wants precisely when membership shrinks.
	expansionIndex map[expansionKey]map[models.NFTID]struct{}

	generation uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		wallets:        make(map[models.WalletID]*models.Wallet),
		nfts:           make(map[models.NFTID]*models.NFT),
		collections:    make(map[models.CollectionID]*models.Collection),
		ownerIndex:     make(map[models.NFTID]models.WalletID),
		wantersIndex:   make(map[models.NFTID]map[models.WalletID]struct{}),
		expansionIndex: make(map[expansionKey]map[models.NFTID]struct{}),
	}
}

func (s *Store) wallet(id models.WalletID) *models.Wallet {
	w, ok := s.wallets[id]
	if !ok {
		w = models.NewWallet(id)
		s.wallets[id] = w
	}
	return w
}

// pruneIfEmpty removes a wallet once it owns nothing and wants nothing.
func (s *Store) pruneIfEmpty(id models.WalletID) {
	if w, ok := s.wallets[id]; ok && w.Empty() {
		delete(s.wallets, id)
	}
}

func (s *Store) nextGeneration() uint64 {
	s.generation++
	return s.generation
}

// PutNFT registers ownership of an NFT by wallet, creating the NFT
// record if it doesn't already exist. Fails with ErrDuplicateOwnership
// if the NFT is already owned by a different wallet.
func (s *Store) PutNFT(nft models.NFT, owner models.WalletID) (*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingOwner, ok := s.ownerIndex[nft.ID]; ok && existingOwner != owner {
		return nil, models.NewError(models.ErrDuplicateOwnership,
			"nft "+string(nft.ID)+" already owned by "+string(existingOwner))
	}

	if nft.AddedAt.IsZero() {
		nft.AddedAt = time.Now()
	}
	stored := nft
	s.nfts[nft.ID] = &stored
	if nft.CollectionID != "" {
		coll := s.collection(nft.CollectionID)
		coll.Members[nft.ID] = struct{}{}
	}

	w := s.wallet(owner)
	// A wallet never wants what it owns (invariant 3): drop any want on
	// this NFT the new owner may have had.
	if _, wanted := w.Wanted[nft.ID]; wanted {
		delete(w.Wanted, nft.ID)
		delete(w.WantedAt, nft.ID)
		s.removeWanter(nft.ID, owner)
	}
	w.Owned[nft.ID] = struct{}{}
	s.ownerIndex[nft.ID] = owner

	gen := s.nextGeneration()
	return &models.MutationRecord{
		Kind:            models.NftAdded,
		Generation:      gen,
		NFT:             nft.ID,
		Collection:      nft.CollectionID,
		Wallet:          owner,
		AffectedWallets: s.affectedByNFT(nft.ID, owner),
		Timestamp:       time.Now(),
		NFTSnapshot:     stored,
	}, nil
}

func (s *Store) collection(id models.CollectionID) *models.Collection {
	c, ok := s.collections[id]
	if !ok {
		c = &models.Collection{ID: id, Members: make(map[models.NFTID]struct{})}
		s.collections[id] = c
	}
	return c
}

// RemoveNFT removes an NFT entirely: ownership, membership, and every
// wanter's interest in it.
func (s *Store) RemoveNFT(id models.NFTID) (*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nft, ok := s.nfts[id]
	if !ok {
		return nil, models.NewError(models.ErrUnknownNft, "nft "+string(id)+" not found")
	}
	owner := s.ownerIndex[id]
	affected := s.affectedByNFT(id, "")

	if owner != "" {
		if w, ok := s.wallets[owner]; ok {
			delete(w.Owned, id)
		}
		delete(s.ownerIndex, id)
	}
	for wanter := range s.wantersIndex[id] {
		if w, ok := s.wallets[wanter]; ok {
			delete(w.Wanted, id)
		}
	}
	delete(s.wantersIndex, id)
	if nft.CollectionID != "" {
		if c, ok := s.collections[nft.CollectionID]; ok {
			delete(c.Members, id)
		}
	}
	delete(s.nfts, id)
	if owner != "" {
		s.pruneIfEmpty(owner)
	}

	gen := s.nextGeneration()
	return &models.MutationRecord{
		Kind:            models.NftRemoved,
		Generation:      gen,
		NFT:             id,
		PreviousOwner:   owner,
		AffectedWallets: affected,
		Timestamp:       time.Now(),
	}, nil
}

// Transfer moves an NFT's ownership from its current owner to newOwner.
func (s *Store) Transfer(id models.NFTID, newOwner models.WalletID) (*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nfts[id]; !ok {
		return nil, models.NewError(models.ErrUnknownNft, "nft "+string(id)+" not found")
	}
	oldOwner := s.ownerIndex[id]
	if oldOwner == newOwner {
		return nil, models.NewError(models.ErrInvalidArgument, "transfer to current owner is a no-op")
	}

	affected := s.affectedByNFT(id, newOwner)

	if oldOwner != "" {
		if w, ok := s.wallets[oldOwner]; ok {
			delete(w.Owned, id)
		}
	}
	newW := s.wallet(newOwner)
	// Invariant 3: the new owner can't simultaneously want what it now owns.
	if _, wanted := newW.Wanted[id]; wanted {
		delete(newW.Wanted, id)
		delete(newW.WantedAt, id)
		s.removeWanter(id, newOwner)
	}
	newW.Owned[id] = struct{}{}
	s.ownerIndex[id] = newOwner
	if oldOwner != "" {
		s.pruneIfEmpty(oldOwner)
	}

	gen := s.nextGeneration()
	return &models.MutationRecord{
		Kind:            models.Transferred,
		Generation:      gen,
		NFT:             id,
		Wallet:          newOwner,
		PreviousOwner:   oldOwner,
		AffectedWallets: affected,
		Timestamp:       time.Now(),
	}, nil
}

// AddWant records wallet's direct interest in nft. kind distinguishes a
// user-placed want from one derived by collection expansion (the
// Expansion Layer calls this with WantCollectionDerived).
func (s *Store) AddWant(wallet models.WalletID, nft models.NFTID, kind models.WantKind) (*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.ownerIndex[nft]; ok && owner == wallet {
		return nil, models.NewError(models.ErrSelfWant, "wallet "+string(wallet)+" already owns "+string(nft))
	}

	w := s.wallet(wallet)
	// A collection-derived want never downgrades a want placed directly.
	if prev, ok := w.Wanted[nft]; !ok || prev != models.WantDirect {
		w.Wanted[nft] = kind
	}
	if _, already := w.WantedAt[nft]; !already {
		w.WantedAt[nft] = time.Now()
	}
	if s.wantersIndex[nft] == nil {
		s.wantersIndex[nft] = make(map[models.WalletID]struct{})
	}
	s.wantersIndex[nft][wallet] = struct{}{}

	gen := s.nextGeneration()
	return &models.MutationRecord{
		Kind:            models.WantAdded,
		Generation:      gen,
		NFT:             nft,
		Wallet:          wallet,
		AffectedWallets: []models.WalletID{wallet, s.ownerIndex[nft]},
		Timestamp:       time.Now(),
		WantKindValue:   kind,
	}, nil
}

// RemoveWant retracts wallet's want on nft, whatever its kind. It does
// not touch the wallet's collection wants; RemoveCollectionWant and
// RetireDerivedMembers are the calls that retire derived wants by
// expansion provenance.
func (s *Store) RemoveWant(wallet models.WalletID, nft models.NFTID) (*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[wallet]
	if !ok {
		return nil, models.NewError(models.ErrInvalidArgument, "wallet "+string(wallet)+" has no wants")
	}
	if _, ok := w.Wanted[nft]; !ok {
		return nil, models.NewError(models.ErrInvalidArgument, "wallet "+string(wallet)+" does not want "+string(nft))
	}
	delete(w.Wanted, nft)
	delete(w.WantedAt, nft)
	s.removeWanter(nft, wallet)
	s.pruneIfEmpty(wallet)

	gen := s.nextGeneration()
	return &models.MutationRecord{
		Kind:            models.WantRemoved,
		Generation:      gen,
		NFT:             nft,
		Wallet:          wallet,
		AffectedWallets: []models.WalletID{wallet, s.ownerIndex[nft]},
		Timestamp:       time.Now(),
	}, nil
}

// AddCollectionWant registers wallet's interest in collection k as a
// whole. Concrete expansion into per-NFT wants is the Expansion Layer's
// job (internal/expansion); this method only records the subscription
// itself so the Expansion Layer can call AddWant/expansionIndex updates.
func (s *Store) AddCollectionWant(wallet models.WalletID, k models.CollectionID) (*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.wallet(wallet)
	w.WantedCollections[k] = struct{}{}

	gen := s.nextGeneration()
	return &models.MutationRecord{
		Kind:            models.CollectionExpanded,
		Generation:      gen,
		Collection:      k,
		Wallet:          wallet,
		AffectedWallets: []models.WalletID{wallet},
		Timestamp:       time.Now(),
	}, nil
}

// RemoveCollectionWant retracts wallet's collection-level subscription
// and retires every want that subscription derived (unless a direct
// want on the same NFT independently justifies it).
func (s *Store) RemoveCollectionWant(wallet models.WalletID, k models.CollectionID) (*models.MutationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[wallet]
	if !ok {
		return nil, models.NewError(models.ErrInvalidArgument, "wallet "+string(wallet)+" has no collection wants")
	}
	delete(w.WantedCollections, k)

	key := expansionKey{wallet, k}
	for nftID := range s.expansionIndex[key] {
		if kind, ok := w.Wanted[nftID]; ok && kind == models.WantCollectionDerived {
			delete(w.Wanted, nftID)
			delete(w.WantedAt, nftID)
			s.removeWanter(nftID, wallet)
		}
	}
	delete(s.expansionIndex, key)
	s.pruneIfEmpty(wallet)

	gen := s.nextGeneration()
	return &models.MutationRecord{
		Kind:            models.CollectionShrunk,
		Generation:      gen,
		Collection:      k,
		Wallet:          wallet,
		AffectedWallets: []models.WalletID{wallet},
		Timestamp:       time.Now(),
	}, nil
}

// RecordExpansion is called by the Expansion Layer after it derives a
// concrete want from a collection subscription, so the provenance can
// later be used to retire it precisely.
func (s *Store) RecordExpansion(wallet models.WalletID, k models.CollectionID, nft models.NFTID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := expansionKey{wallet, k}
	if s.expansionIndex[key] == nil {
		s.expansionIndex[key] = make(map[models.NFTID]struct{})
	}
	s.expansionIndex[key][nft] = struct{}{}
}

// SetCollectionMembers replaces a collection's membership, returning
// the added and removed NFT ids so the Expansion Layer can expand or
// retire derived wants accordingly.
func (s *Store) SetCollectionMembers(k models.CollectionID, members map[models.NFTID]struct{}) (added, removed []models.NFTID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collection(k)
	for id := range members {
		if _, ok := c.Members[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range c.Members {
		if _, ok := members[id]; !ok {
			removed = append(removed, id)
		}
	}
	newMembers := make(map[models.NFTID]struct{}, len(members))
	for id := range members {
		newMembers[id] = struct{}{}
	}
	c.Members = newMembers
	return added, removed
}

// RetireDerivedMembers retires, for every wallet subscribed to k, any
// collection-derived want on an NFT in removed — but only if no other
// subscription (to k or any other collection) still justifies it and
// the wallet never placed a direct want on it. This is the precise
// "retire derived wants whose only justification was the removed
// membership" rule, implemented as a single write
// transaction so concurrent readers never see a half-retired state.
func (s *Store) RetireDerivedMembers(k models.CollectionID, removed []models.NFTID) []*models.MutationRecord {
	if len(removed) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.MutationRecord
	for wid, w := range s.wallets {
		if _, subscribed := w.WantedCollections[k]; !subscribed {
			continue
		}
		key := expansionKey{wid, k}
		set := s.expansionIndex[key]
		if set == nil {
			continue
		}
		for _, nft := range removed {
			if _, present := set[nft]; !present {
				continue
			}
			delete(set, nft)

			kind, wants := w.Wanted[nft]
			if !wants || kind != models.WantCollectionDerived {
				continue
			}
			if s.expansionJustifiedElsewhere(wid, nft, key) {
				continue
			}
			delete(w.Wanted, nft)
			delete(w.WantedAt, nft)
			s.removeWanter(nft, wid)
			gen := s.nextGeneration()
			out = append(out, &models.MutationRecord{
				Kind:            models.CollectionShrunk,
				Generation:      gen,
				NFT:             nft,
				Collection:      k,
				Wallet:          wid,
				AffectedWallets: []models.WalletID{wid, s.ownerIndex[nft]},
				Timestamp:       time.Now(),
			})
		}
		if len(set) == 0 {
			delete(s.expansionIndex, key)
		}
	}
	for wid := range s.wallets {
		s.pruneIfEmpty(wid)
	}
	return out
}

// expansionJustifiedElsewhere reports whether wallet's want on nft is
// still backed by some expansion record other than except. Caller holds
// the lock.
func (s *Store) expansionJustifiedElsewhere(wallet models.WalletID, nft models.NFTID, except expansionKey) bool {
	for key, set := range s.expansionIndex {
		if key == except {
			continue
		}
		if key.wallet != wallet {
			continue
		}
		if _, ok := set[nft]; ok {
			return true
		}
	}
	return false
}

// CollectionMembers returns the current membership of k.
func (s *Store) CollectionMembers(k models.CollectionID) []models.NFTID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[k]
	if !ok {
		return nil
	}
	out := make([]models.NFTID, 0, len(c.Members))
	for id := range c.Members {
		out = append(out, id)
	}
	return out
}

// CollectionWanters returns every wallet currently subscribed to
// collection k, for expansion fan-out on membership changes.
func (s *Store) CollectionWanters(k models.CollectionID) []models.WalletID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WalletID
	for id, w := range s.wallets {
		if _, ok := w.WantedCollections[k]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) removeWanter(nft models.NFTID, wallet models.WalletID) {
	if set, ok := s.wantersIndex[nft]; ok {
		delete(set, wallet)
		if len(set) == 0 {
			delete(s.wantersIndex, nft)
		}
	}
}

// affectedByNFT computes {owner} ∪ wanters(nft) ∪ {extra}, the root set
// the Delta Engine expects for NftAdded/WantAdded mutations. Caller
// holds the lock.
func (s *Store) affectedByNFT(nft models.NFTID, extra models.WalletID) []models.WalletID {
	seen := make(map[models.WalletID]struct{})
	if owner, ok := s.ownerIndex[nft]; ok && owner != "" {
		seen[owner] = struct{}{}
	}
	for w := range s.wantersIndex[nft] {
		seen[w] = struct{}{}
	}
	if extra != "" {
		seen[extra] = struct{}{}
	}
	out := make([]models.WalletID, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	return out
}

// Generation returns the current mutation generation, for snapshot
// consistency checks.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// CheckInvariants re-derives the wanters index from every wallet's
// wanted-set and compares it against the stored index, the
// bi-derivability invariant. Intended for property tests and
// periodic self-checks, not the hot path.
func (s *Store) CheckInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rebuilt := make(map[models.NFTID]map[models.WalletID]struct{})
	for wid, w := range s.wallets {
		for nft := range w.Wanted {
			if rebuilt[nft] == nil {
				rebuilt[nft] = make(map[models.WalletID]struct{})
			}
			rebuilt[nft][wid] = struct{}{}
		}
		for nft := range w.Owned {
			if owner, ok := s.ownerIndex[nft]; !ok || owner != wid {
				return models.NewError(models.ErrInvariantViolation, "ownership index mismatch for "+string(nft))
			}
		}
	}
	if len(rebuilt) != len(s.wantersIndex) {
		return models.NewError(models.ErrInvariantViolation, "wanters index size mismatch")
	}
	for nft, set := range rebuilt {
		stored, ok := s.wantersIndex[nft]
		if !ok || len(stored) != len(set) {
			return models.NewError(models.ErrInvariantViolation, "wanters index mismatch for "+string(nft))
		}
		for w := range set {
			if _, ok := stored[w]; !ok {
				return models.NewError(models.ErrInvariantViolation, "wanters index mismatch for "+string(nft))
			}
		}
	}
	return nil
}

// ExportRecords emits a minimal, deterministic mutation-record sequence
// that rebuilds the Store's current state when replayed through Apply:
// every NFT's ownership first, then every wallet's concrete wants, then
// every collection subscription. The Persistence Bridge snapshots this
// in place of the raw log during compaction. Collection members with no
// NFT record (announced by membership notifications but never owned)
// are not exported; they carry no edges, and the next membership
// notification re-supplies them.
func (s *Store) ExportRecords() []*models.MutationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var out []*models.MutationRecord

	nftIDs := make([]models.NFTID, 0, len(s.nfts))
	for id := range s.nfts {
		nftIDs = append(nftIDs, id)
	}
	sort.Slice(nftIDs, func(i, j int) bool { return nftIDs[i] < nftIDs[j] })
	for _, id := range nftIDs {
		out = append(out, &models.MutationRecord{
			Kind:        models.NftAdded,
			Generation:  s.generation,
			NFT:         id,
			Collection:  s.nfts[id].CollectionID,
			Wallet:      s.ownerIndex[id],
			Timestamp:   now,
			NFTSnapshot: *s.nfts[id],
		})
	}

	walletIDs := make([]models.WalletID, 0, len(s.wallets))
	for id := range s.wallets {
		walletIDs = append(walletIDs, id)
	}
	sort.Slice(walletIDs, func(i, j int) bool { return walletIDs[i] < walletIDs[j] })
	for _, wid := range walletIDs {
		w := s.wallets[wid]
		wanted := make([]models.NFTID, 0, len(w.Wanted))
		for nft := range w.Wanted {
			wanted = append(wanted, nft)
		}
		sort.Slice(wanted, func(i, j int) bool { return wanted[i] < wanted[j] })
		for _, nft := range wanted {
			out = append(out, &models.MutationRecord{
				Kind:          models.WantAdded,
				Generation:    s.generation,
				NFT:           nft,
				Wallet:        wid,
				Timestamp:     now,
				WantKindValue: w.Wanted[nft],
			})
		}
		colls := make([]models.CollectionID, 0, len(w.WantedCollections))
		for k := range w.WantedCollections {
			colls = append(colls, k)
		}
		sort.Slice(colls, func(i, j int) bool { return colls[i] < colls[j] })
		for _, k := range colls {
			out = append(out, &models.MutationRecord{
				Kind:       models.CollectionExpanded,
				Generation: s.generation,
				Collection: k,
				Wallet:     wid,
				Timestamp:  now,
			})
		}
	}
	return out
}

// Apply re-executes one previously-accepted mutation record against an
// otherwise-empty Store, for the Persistence Bridge's crash-recovery
// replay: snapshot plus log tail is replayed before the scheduler
// admits new work. Replay is best-effort and idempotent-leaning —
// errors from a record that no longer applies cleanly (e.g. an NFT
// already removed later in the log) are swallowed, since the log's
// later records are authoritative over its earlier ones.
func (s *Store) Apply(rec *models.MutationRecord) {
	switch rec.Kind {
	case models.NftAdded:
		_, _ = s.PutNFT(rec.NFTSnapshot, rec.Wallet)
	case models.NftRemoved:
		_, _ = s.RemoveNFT(rec.NFT)
	case models.Transferred:
		_, _ = s.Transfer(rec.NFT, rec.Wallet)
	case models.WantAdded:
		_, _ = s.AddWant(rec.Wallet, rec.NFT, rec.WantKindValue)
	case models.WantRemoved:
		_, _ = s.RemoveWant(rec.Wallet, rec.NFT)
	case models.CollectionExpanded:
		if rec.Wallet != "" {
			_, _ = s.AddCollectionWant(rec.Wallet, rec.Collection)
		}
	case models.CollectionShrunk:
		if rec.Wallet != "" {
			_, _ = s.RemoveCollectionWant(rec.Wallet, rec.Collection)
		}
	}
}
