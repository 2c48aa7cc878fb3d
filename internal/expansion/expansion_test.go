package expansion

import (
	"context"
	"sort"
	"strings"
	"testing"

	"tradeloop/internal/graphstore"
	"tradeloop/internal/models"
)

func TestExpandCollectionWant_Basic(t *testing.T) {
	store := graphstore.New()
	mustPut(t, store, "n1", "owner")
	mustPut(t, store, "n2", "owner")
	store.SetCollectionMembers("K", map[models.NFTID]struct{}{"n1": {}, "n2": {}})

	exp := New(store)
	m, err := exp.ExpandCollectionWant(context.Background(), "A", "K", 10)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if m.ExpandedSize != 2 {
		t.Fatalf("expected 2 expanded wants, got %d", m.ExpandedSize)
	}

	view := store.Snapshot()
	if !view.HasEdge("owner", "A") {
		t.Error("expected derived edge owner->A via n1 or n2")
	}
}

func TestExpandCollectionWant_CapAndDeterminism(t *testing.T) {
	members := map[models.NFTID]struct{}{}
	for i := 0; i < 50; i++ {
		members[models.NFTID(rune('a'+i%26))] = struct{}{}
	}

	run := func() string {
		store := graphstore.New()
		store.SetCollectionMembers("BIG", members)
		exp := New(store)
		m, err := exp.ExpandCollectionWant(context.Background(), "A", "BIG", 5)
		if err != nil {
			t.Fatal(err)
		}
		if !m.Sampled {
			t.Error("expected Sampled=true when membership exceeds cap")
		}
		if m.ExpandedSize != 5 {
			t.Fatalf("expected 5 expanded wants, got %d", m.ExpandedSize)
		}
		view := store.Snapshot()
		wanted := view.WantedNFTs("A")
		sort.Slice(wanted, func(i, j int) bool { return wanted[i] < wanted[j] })
		var sb strings.Builder
		for _, id := range wanted {
			sb.WriteString(string(id))
			sb.WriteByte(',')
		}
		return sb.String()
	}

	first := run()
	second := run()
	if first != second {
		t.Fatalf("expected deterministic sampling across runs, got %s vs %s", first, second)
	}
}

func TestOnMembershipChanged_RetiresOnlyUnjustified(t *testing.T) {
	store := graphstore.New()
	mustPut(t, store, "n1", "owner")
	mustPut(t, store, "n2", "owner")
	store.SetCollectionMembers("K", map[models.NFTID]struct{}{"n1": {}, "n2": {}})
	exp := New(store)
	if _, err := exp.ExpandCollectionWant(context.Background(), "A", "K", 10); err != nil {
		t.Fatal(err)
	}

	// A also places a direct want on n1: removing n1 from K must not
	// retire that direct want.
	if _, err := store.AddWant("A", "n1", models.WantDirect); err != nil {
		t.Fatal(err)
	}

	added, removed := store.SetCollectionMembers("K", map[models.NFTID]struct{}{"n2": {}})
	if len(added) != 0 || len(removed) != 1 {
		t.Fatalf("expected 1 removed member, got added=%v removed=%v", added, removed)
	}
	exp.OnMembershipChanged(context.Background(), "K", added, removed, 10)

	view := store.Snapshot()
	if !view.HasEdge("owner", "A") {
		t.Error("direct want on n1 should have kept the owner->A edge alive")
	}
}

func mustPut(t *testing.T, s *graphstore.Store, nft models.NFTID, owner models.WalletID) {
	t.Helper()
	if _, err := s.PutNFT(models.NFT{ID: nft}, owner); err != nil {
		t.Fatalf("PutNFT(%s,%s): %v", nft, owner, err)
	}
}
