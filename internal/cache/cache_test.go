package cache

import (
	"testing"
	"time"

	"tradeloop/internal/models"
)

func sampleEntry(id string, wallets []models.WalletID, nfts []models.NFTID, ttl time.Duration) *models.ActiveLoopEntry {
	steps := make([]models.CycleStep, len(wallets))
	for i := range wallets {
		steps[i] = models.CycleStep{
			WalletFrom: wallets[i],
			WalletTo:   wallets[(i+1)%len(wallets)],
			NFT:        nfts[i],
		}
	}
	return &models.ActiveLoopEntry{
		CanonicalID:  id,
		Cycle:        models.TradeCycle{CanonicalID: id, Steps: steps},
		State:        models.LoopValid,
		ExpiresAt:    time.Now().Add(ttl),
		DiscoveredAt: time.Now(),
	}
}

func TestCache_PutAndGet(t *testing.T) {
	c := New(4)
	e := sampleEntry("c1", []models.WalletID{"A", "B"}, []models.NFTID{"n1", "n2"}, time.Minute)
	c.Put(e, []models.CollectionID{"k1"})

	got, ok := c.Get("c1")
	if !ok || got.CanonicalID != "c1" {
		t.Fatalf("expected to find c1, got %+v ok=%v", got, ok)
	}
}

func TestCache_InvertedIndices(t *testing.T) {
	c := New(4)
	e := sampleEntry("c1", []models.WalletID{"A", "B"}, []models.NFTID{"n1", "n2"}, time.Minute)
	c.Put(e, []models.CollectionID{"k1"})

	if got := c.ByWallet("A"); len(got) != 1 || got[0].CanonicalID != "c1" {
		t.Fatalf("expected ByWallet(A) to find c1, got %v", got)
	}
	if got := c.ByNFT("n2"); len(got) != 1 {
		t.Fatalf("expected ByNFT(n2) to find c1, got %v", got)
	}
	if got := c.ByCollection("k1"); len(got) != 1 {
		t.Fatalf("expected ByCollection(k1) to find c1, got %v", got)
	}
	if got := c.ByWallet("Z"); len(got) != 0 {
		t.Fatalf("expected no entries for unrelated wallet, got %v", got)
	}
}

func TestCache_InvalidateByWalletRemovesFromAllIndices(t *testing.T) {
	c := New(4)
	e := sampleEntry("c1", []models.WalletID{"A", "B"}, []models.NFTID{"n1", "n2"}, time.Minute)
	c.Put(e, []models.CollectionID{"k1"})

	invalidated := c.InvalidateByWallet("A", "transfer")
	if len(invalidated) != 1 || invalidated[0] != "c1" {
		t.Fatalf("expected c1 invalidated, got %v", invalidated)
	}

	if _, ok := c.Get("c1"); ok {
		t.Fatalf("expected c1 to be gone after invalidation")
	}
	if got := c.ByNFT("n2"); len(got) != 0 {
		t.Fatalf("expected ByNFT index to be cleaned up, got %v", got)
	}
	if got := c.ByCollection("k1"); len(got) != 0 {
		t.Fatalf("expected ByCollection index to be cleaned up, got %v", got)
	}
	if c.Len() != 0 {
		t.Fatalf("expected cache to be empty, got len %d", c.Len())
	}
}

func TestCache_InvalidateIsIdempotent(t *testing.T) {
	c := New(4)
	e := sampleEntry("c1", []models.WalletID{"A", "B"}, []models.NFTID{"n1", "n2"}, time.Minute)
	c.Put(e, nil)

	first := c.InvalidateByWallet("A", "transfer")
	second := c.InvalidateByWallet("A", "transfer")
	if len(first) != 1 {
		t.Fatalf("expected first invalidation to report c1, got %v", first)
	}
	if len(second) != 0 {
		t.Fatalf("expected second invalidation to be a no-op, got %v", second)
	}
}

func TestCache_SweepExpiresPastTTL(t *testing.T) {
	c := New(4)
	e := sampleEntry("c1", []models.WalletID{"A", "B"}, []models.NFTID{"n1", "n2"}, -time.Second)
	c.Put(e, []models.CollectionID{"k1"})

	expired := c.Sweep(time.Now())
	if len(expired) != 1 || expired[0] != "c1" {
		t.Fatalf("expected c1 to expire, got %v", expired)
	}
	if _, ok := c.Get("c1"); ok {
		t.Fatalf("expected expired entry to be unreadable")
	}
	// idempotent: a second sweep finds nothing left to expire.
	if again := c.Sweep(time.Now()); len(again) != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %v", again)
	}
}

func TestCache_SweepLeavesLiveEntries(t *testing.T) {
	c := New(4)
	e := sampleEntry("c1", []models.WalletID{"A", "B"}, []models.NFTID{"n1", "n2"}, time.Hour)
	c.Put(e, nil)

	if expired := c.Sweep(time.Now()); len(expired) != 0 {
		t.Fatalf("expected no expirations, got %v", expired)
	}
	if c.Len() != 1 {
		t.Fatalf("expected entry to survive sweep, got len %d", c.Len())
	}
}
