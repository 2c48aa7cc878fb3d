package canon

import (
	"testing"

	"tradeloop/internal/enumerator"
	"tradeloop/internal/models"
)

func cyc(wallets []models.WalletID, nfts []models.NFTID) enumerator.Cycle {
	return enumerator.Cycle{Wallets: wallets, NFTs: nfts}
}

// Canonical idempotence: two different
// rotations of the same cycle hash to the same id, and canonicalizing
// twice is the identity.
func TestCanonicalize_RotationsAgree(t *testing.T) {
	a := cyc([]models.WalletID{"B", "C", "A"}, []models.NFTID{"n2", "n3", "n1"})
	b := cyc([]models.WalletID{"C", "A", "B"}, []models.NFTID{"n3", "n1", "n2"})
	c := cyc([]models.WalletID{"A", "B", "C"}, []models.NFTID{"n1", "n2", "n3"})

	ca, cb, cc := Canonicalize(a), Canonicalize(b), Canonicalize(c)
	idA, idB, idC := CanonicalID(ca), CanonicalID(cb), CanonicalID(cc)

	if idA != idB || idB != idC {
		t.Fatalf("rotations disagree: %s %s %s", idA, idB, idC)
	}

	twice := Canonicalize(ca)
	if CanonicalID(twice) != idA {
		t.Fatalf("canonicalizing twice is not the identity")
	}
}

func TestCanonicalize_DifferentCyclesDiffer(t *testing.T) {
	a := cyc([]models.WalletID{"A", "B"}, []models.NFTID{"n1", "n2"})
	b := cyc([]models.WalletID{"A", "C"}, []models.NFTID{"n1", "n3"})
	if CanonicalID(Canonicalize(a)) == CanonicalID(Canonicalize(b)) {
		t.Fatalf("distinct cycles produced the same canonical id")
	}
}

func TestDeduper_AdmitsOnceThenDrops(t *testing.T) {
	d := NewDeduper(100, 4)
	id := "abc123"
	if !d.Admit(id) {
		t.Fatalf("first admission should succeed")
	}
	if d.Admit(id) {
		t.Fatalf("second admission of the same id should be dropped")
	}
	if d.Dropped() != 1 {
		t.Fatalf("expected dropped counter 1, got %d", d.Dropped())
	}
}

func TestDeduper_ForgetAllowsRediscovery(t *testing.T) {
	d := NewDeduper(100, 4)
	id := "xyz789"
	d.Admit(id)
	d.Forget(id)
	if !d.Admit(id) {
		t.Fatalf("expected re-admission after Forget")
	}
}

// Concurrent Admit calls landing in different shards must not corrupt
// state or deadlock; each shard's map is guarded by its own lock.
func TestDeduper_ConcurrentDistinctShards(t *testing.T) {
	d := NewDeduper(1000, 8)
	ids := make([]string, 64)
	for i := range ids {
		ids[i] = string(rune('a'+i%26)) + string(rune('A'+i%26)) + string(rune('0'+i%10))
	}

	done := make(chan struct{})
	for _, id := range ids {
		id := id
		go func() {
			d.Admit(id)
			done <- struct{}{}
		}()
	}
	for range ids {
		<-done
	}

	for _, id := range ids {
		if d.Admit(id) {
			t.Fatalf("id %q admitted twice across concurrent goroutines", id)
		}
	}
}
