package community

import (
	"testing"

	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
)

func TestShouldPartition_SizeTrigger(t *testing.T) {
	if !ShouldPartition(201, 200, 7) {
		t.Fatalf("expected size threshold to trigger partitioning")
	}
	if ShouldPartition(50, 200, 7) {
		t.Fatalf("expected a small SCC to not trigger partitioning")
	}
}

func TestShouldPartition_WalletCountTrigger(t *testing.T) {
	if !ShouldPartition(8, 200, 7) {
		t.Fatalf("expected wallet-count threshold to trigger partitioning")
	}
}

// Compute over two disjoint 3-cycles (no edges between them) must never
// place wallets from different cycles in the same group.
func TestCompute_DisjointCyclesStayApart(t *testing.T) {
	store := graphstore.New()
	mustPut(t, store, "n1", "A")
	mustPut(t, store, "n2", "B")
	mustPut(t, store, "n3", "C")
	mustWant(t, store, "A", "n2")
	mustWant(t, store, "B", "n3")
	mustWant(t, store, "C", "n1")

	mustPut(t, store, "n4", "D")
	mustPut(t, store, "n5", "E")
	mustPut(t, store, "n6", "F")
	mustWant(t, store, "D", "n5")
	mustWant(t, store, "E", "n6")
	mustWant(t, store, "F", "n4")

	view := store.Snapshot()
	wallets := []models.WalletID{"A", "B", "C", "D", "E", "F"}
	part := Compute(view, wallets, 1.2)

	groupOf := make(map[models.WalletID]int)
	for gi, group := range part.Groups {
		for _, w := range group {
			groupOf[w] = gi
		}
	}
	if groupOf["A"] != groupOf["B"] || groupOf["B"] != groupOf["C"] {
		t.Fatalf("expected A,B,C in the same group, got %v", groupOf)
	}
	if groupOf["D"] != groupOf["E"] || groupOf["E"] != groupOf["F"] {
		t.Fatalf("expected D,E,F in the same group, got %v", groupOf)
	}
	if groupOf["A"] == groupOf["D"] {
		t.Fatalf("expected the two disjoint cycles to land in different groups, got %v", groupOf)
	}
}

// Compute must be deterministic across independent calls over the same
// wallet set, per the package's stableSeed rationale.
func TestCompute_DeterministicAcrossRuns(t *testing.T) {
	store := graphstore.New()
	mustPut(t, store, "n1", "A")
	mustPut(t, store, "n2", "B")
	mustPut(t, store, "n3", "C")
	mustWant(t, store, "A", "n2")
	mustWant(t, store, "B", "n3")
	mustWant(t, store, "C", "n1")

	view := store.Snapshot()
	wallets := []models.WalletID{"A", "B", "C"}

	first := Compute(view, wallets, 1.2)
	second := Compute(view, wallets, 1.2)

	if len(first.Groups) != len(second.Groups) {
		t.Fatalf("expected the same number of groups across runs, got %d vs %d", len(first.Groups), len(second.Groups))
	}
	groupOf := func(p Partition, w models.WalletID) int {
		for gi, group := range p.Groups {
			for _, m := range group {
				if m == w {
					return gi
				}
			}
		}
		return -1
	}
	for _, w := range wallets {
		if groupOf(first, w) < 0 || groupOf(second, w) < 0 {
			t.Fatalf("expected every wallet to be assigned a group")
		}
	}
}

func mustPut(t *testing.T, s *graphstore.Store, nft models.NFTID, owner models.WalletID) {
	t.Helper()
	if _, err := s.PutNFT(models.NFT{ID: nft}, owner); err != nil {
		t.Fatalf("PutNFT(%s, %s): %v", nft, owner, err)
	}
}

func mustWant(t *testing.T, s *graphstore.Store, wallet models.WalletID, nft models.NFTID) {
	t.Helper()
	if _, err := s.AddWant(wallet, nft, models.WantDirect); err != nil {
		t.Fatalf("AddWant(%s, %s): %v", wallet, nft, err)
	}
}
