package scoring

import (
	"testing"
	"time"

	"tradeloop/internal/enumerator"
	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
)

func setupStore(t *testing.T) *graphstore.Store {
	t.Helper()
	s := graphstore.New()
	put := func(id models.NFTID, owner models.WalletID, value float64) {
		if _, err := s.PutNFT(models.NFT{ID: id, EstimatedValue: value}, owner); err != nil {
			t.Fatal(err)
		}
	}
	put("n1", "A", 10)
	put("n2", "B", 10)
	if _, err := s.AddWant("A", "n2", models.WantDirect); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddWant("B", "n1", models.WantDirect); err != nil {
		t.Fatal(err)
	}
	return s
}

// A direct swap with equal values should score efficiency 1.0.
func TestScore_DirectSwapEqualValues(t *testing.T) {
	store := setupStore(t)
	view := store.Snapshot()
	c := enumerator.Cycle{Wallets: []models.WalletID{"A", "B"}, NFTs: []models.NFTID{"n2", "n1"}}

	sc := New(DefaultMetricWeights(), 10, 0.5, time.Minute)
	score := sc.Score(view, c, "id1", view.Generation())

	if score.Efficiency != 1.0 {
		t.Fatalf("expected efficiency 1.0, got %v", score.Efficiency)
	}
	if score.Fairness != 1.0 {
		t.Fatalf("expected fairness 1.0 for equal-value swap, got %v", score.Fairness)
	}
	if score.Composite <= 0 || score.Composite > 1 {
		t.Fatalf("composite out of range: %v", score.Composite)
	}
}

func TestScore_CachesByGeneration(t *testing.T) {
	store := setupStore(t)
	view := store.Snapshot()
	c := enumerator.Cycle{Wallets: []models.WalletID{"A", "B"}, NFTs: []models.NFTID{"n2", "n1"}}

	sc := New(DefaultMetricWeights(), 10, 0.5, time.Hour)
	first := sc.Score(view, c, "id1", 5)
	second := sc.Score(view, c, "id1", 5)
	if first != second {
		t.Fatalf("expected identical cached score, got %+v vs %+v", first, second)
	}

	if len(sc.cache) != 1 {
		t.Fatalf("expected 1 cache entry, got %d", len(sc.cache))
	}
}

func TestScore_Passes(t *testing.T) {
	sc := New(DefaultMetricWeights(), 10, 0.9, time.Minute)
	if sc.Passes(Score{Composite: 0.5}) {
		t.Fatalf("expected 0.5 composite to fail a 0.9 threshold")
	}
	if !sc.Passes(Score{Composite: 0.95}) {
		t.Fatalf("expected 0.95 composite to pass a 0.9 threshold")
	}
}

func TestFairness_Imbalance(t *testing.T) {
	values := []float64{100, 1} // big asymmetry
	f := fairness(values)
	if f >= 1.0 {
		t.Fatalf("expected imbalanced values to score below 1.0, got %v", f)
	}
}
