package scc

import (
	"testing"
	"time"

	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
)

// A cycle whose wallets would fall into different batches under a
// batch-size of 2 must still be detected as one SCC: Tarjan must see
// every wallet and edge before any batching happens.
func TestPartition_CrossBatchCycleDetected(t *testing.T) {
	store := graphstore.New()
	mustPut(t, store, "n1", "A")
	mustPut(t, store, "n2", "B")
	mustPut(t, store, "n3", "C")
	mustPut(t, store, "n4", "D")
	mustWant(t, store, "A", "n2")
	mustWant(t, store, "B", "n3")
	mustWant(t, store, "C", "n4")
	mustWant(t, store, "D", "n1")

	view := store.Snapshot()
	result := Partition(view, nil, 2, time.Second)

	if len(result.Components) != 1 {
		t.Fatalf("expected exactly one SCC spanning all 4 wallets, got %d: %+v", len(result.Components), result.Components)
	}
	if len(result.Components[0].Wallets) != 4 {
		t.Fatalf("expected the SCC to contain all 4 wallets, got %v", result.Components[0].Wallets)
	}
}

// Two independent runs over the same snapshot, with a batch size that
// forces multiple batches, must produce the same set of components.
func TestPartition_DeterministicAcrossRuns(t *testing.T) {
	store := graphstore.New()
	mustPut(t, store, "n1", "A")
	mustPut(t, store, "n2", "B")
	mustPut(t, store, "n3", "C")
	mustWant(t, store, "A", "n2")
	mustWant(t, store, "B", "n3")
	mustWant(t, store, "C", "n1")

	mustPut(t, store, "n4", "D")
	mustPut(t, store, "n5", "E")
	mustWant(t, store, "D", "n5")
	mustWant(t, store, "E", "n4")

	view := store.Snapshot()

	first := Partition(view, nil, 1, time.Second)
	second := Partition(view, nil, 1, time.Second)

	firstSet := componentSet(first)
	secondSet := componentSet(second)
	if len(firstSet) != len(secondSet) {
		t.Fatalf("expected the same component count across runs, got %d vs %d", len(firstSet), len(secondSet))
	}
	for key := range firstSet {
		if _, ok := secondSet[key]; !ok {
			t.Fatalf("component %q present in first run but not second", key)
		}
	}
}

func componentSet(r Result) map[string]struct{} {
	out := make(map[string]struct{}, len(r.Components))
	for _, c := range r.Components {
		key := ""
		for _, w := range c.Wallets {
			key += string(w) + ","
		}
		out[key] = struct{}{}
	}
	return out
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
