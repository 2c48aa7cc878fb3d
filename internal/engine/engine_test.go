package engine

import (
	"context"
	"testing"
	"time"

	"tradeloop/internal/config"
	"tradeloop/internal/models"
	"tradeloop/internal/tenant"
)

func newTestEngine(t *testing.T) (*Engine, *tenant.Context) {
	t.Helper()
	reg := tenant.New()
	settings := config.DefaultSettings()
	settings.MinScore = 0 // accept every structurally valid cycle in these tests
	tctx, err := reg.CreateTenant("t1", settings, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := New(tctx)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Start(ctx, 2)
	return e, tctx
}

// Direct swap: A owns n1, B owns n2, A wants n2, B wants n1.
func TestEngine_DirectSwapDiscoversOneLoop(t *testing.T) {
	e, tctx := newTestEngine(t)

	if _, err := e.SubmitInventory(context.Background(), "A", []models.NFT{{ID: "n1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitInventory(context.Background(), "B", []models.NFT{{ID: "n2"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitWants(context.Background(), "A", []models.NFTID{"n2"}, nil); err != nil {
		t.Fatal(err)
	}
	res, err := e.SubmitWants(context.Background(), "B", []models.NFTID{"n1"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("expected the final want submission to be accepted")
	}

	loops := waitForLoops(t, e, "A", 1)
	loop := loops[0]
	if loop.Cycle.Participants != 2 {
		t.Fatalf("expected a 2-participant cycle, got %d", loop.Cycle.Participants)
	}
	if loop.Cycle.Efficiency != 1.0 {
		t.Fatalf("expected efficiency 1.0 for an equal-value direct swap, got %v", loop.Cycle.Efficiency)
	}

	detail, ok := e.GetLoopDetail(loop.CanonicalID)
	if !ok || detail.CanonicalID != loop.CanonicalID {
		t.Fatalf("expected get_loop_detail to find the discovered loop")
	}

	_ = tctx
}

// Ownership transfer invalidates the loop it passed through.
func TestEngine_TransferInvalidatesLoop(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.SubmitInventory(context.Background(), "A", []models.NFT{{ID: "n1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitInventory(context.Background(), "B", []models.NFT{{ID: "n2"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitWants(context.Background(), "A", []models.NFTID{"n2"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitWants(context.Background(), "B", []models.NFTID{"n1"}, nil); err != nil {
		t.Fatal(err)
	}
	waitForLoops(t, e, "A", 1)

	if _, err := e.NotifyTransfer(context.Background(), "n2", "D"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.GetActiveLoops(LoopFilter{Wallet: "A"}).Loops) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected the loop through n2 to be invalidated after transfer")
}

func TestEngine_GetActiveLoopsPagination(t *testing.T) {
	e, tctx := newTestEngine(t)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		tctx.Cache.Put(&models.ActiveLoopEntry{
			CanonicalID: id,
			Cycle: models.TradeCycle{
				CanonicalID: id,
				Steps: []models.CycleStep{
					{WalletFrom: "A", WalletTo: "B", NFT: models.NFTID(id + "1")},
					{WalletFrom: "B", WalletTo: "A", NFT: models.NFTID(id + "2")},
				},
				Participants: 2,
			},
			State:     models.LoopValid,
			ExpiresAt: time.Now().Add(time.Hour),
		}, nil)
	}

	first := e.GetActiveLoops(LoopFilter{Wallet: "A", Limit: 2})
	if len(first.Loops) != 2 || !first.Partial || first.NextCursor == "" {
		t.Fatalf("expected a partial first page of 2 with a cursor, got %+v", first)
	}

	second := e.GetActiveLoops(LoopFilter{Wallet: "A", Limit: 2, Cursor: first.NextCursor})
	if len(second.Loops) != 2 {
		t.Fatalf("expected 2 more entries on the second page, got %d", len(second.Loops))
	}
	if second.Loops[0].CanonicalID == first.Loops[0].CanonicalID || second.Loops[0].CanonicalID == first.Loops[1].CanonicalID {
		t.Fatalf("second page overlaps the first: %+v vs %+v", second.Loops, first.Loops)
	}

	all := e.GetActiveLoops(LoopFilter{Wallet: "A"})
	if len(all.Loops) != 5 || all.Partial {
		t.Fatalf("expected all 5 entries with no limit, got %+v", all)
	}
}

func TestEngine_StatsReflectGraph(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.SubmitInventory(context.Background(), "A", []models.NFT{{ID: "n1"}}); err != nil {
		t.Fatal(err)
	}
	st := e.GetStats()
	if st.Nodes != 1 {
		t.Fatalf("expected 1 node, got %d", st.Nodes)
	}
}

// Collection want: K = {n2, n2x, n2y}, A owns n1, B owns n2 and
// n2x. A wants K, B wants n1. Exactly one loop, through a deterministic
// representative NFT; removing that NFT from K rediscovers a loop via
// the other member.
func TestEngine_CollectionWantDiscoversOneLoop(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SubmitInventory(ctx, "A", []models.NFT{{ID: "n1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitInventory(ctx, "B", []models.NFT{
		{ID: "n2", CollectionID: "K"},
		{ID: "n2x", CollectionID: "K"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.NotifyCollectionMembership(ctx, "K", []models.NFTID{"n2", "n2x", "n2y"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitWants(ctx, "A", nil, []models.CollectionID{"K"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitWants(ctx, "B", []models.NFTID{"n1"}, nil); err != nil {
		t.Fatal(err)
	}

	loops := waitForLoops(t, e, "A", 1)
	if len(loops) != 1 {
		t.Fatalf("expected exactly one loop for the collection want, got %d", len(loops))
	}
	firstID := loops[0].CanonicalID

	// The enumerator's tiebreak is lexicographic, so the representative
	// step must carry n2, not n2x.
	via := ""
	for _, step := range loops[0].Cycle.Steps {
		if step.WalletFrom == "B" {
			via = string(step.NFT)
		}
	}
	if via != "n2" {
		t.Fatalf("expected the deterministic representative n2, got %q", via)
	}

	// Shrinking K so n2 leaves the collection invalidates the loop; a
	// rediscovery through n2x follows, under a distinct canonical id.
	if _, err := e.NotifyCollectionMembership(ctx, "K", nil, []models.NFTID{"n2"}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loops = e.GetActiveLoops(LoopFilter{Wallet: "A"}).Loops
		if len(loops) == 1 && loops[0].CanonicalID != firstID {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected one rediscovered loop via n2x with a new canonical id, got %+v", loops)
}

// 6-cycle: with a generous budget the cycle is discovered exactly
// once; with a starved per-run timeout any loop that does surface still
// satisfies ownership and want validity for every step.
func TestEngine_SixCycleDiscoveredExactlyOnce(t *testing.T) {
	e, tctx := newTestEngine(t)
	ctx := context.Background()

	wallets := []models.WalletID{"W1", "W2", "W3", "W4", "W5", "W6"}
	for i, w := range wallets {
		nft := models.NFTID("n" + string(rune('1'+i)))
		if _, err := e.SubmitInventory(ctx, w, []models.NFT{{ID: nft}}); err != nil {
			t.Fatal(err)
		}
	}
	for i := range wallets {
		next := wallets[(i+1)%len(wallets)]
		nft := models.NFTID("n" + string(rune('1'+i)))
		if _, err := e.SubmitWants(ctx, next, []models.NFTID{nft}, nil); err != nil {
			t.Fatal(err)
		}
	}

	loops := waitForLoops(t, e, "W1", 1)
	if len(loops) != 1 {
		t.Fatalf("expected the 6-cycle exactly once, got %d loops", len(loops))
	}
	if loops[0].Cycle.Participants != 6 {
		t.Fatalf("expected 6 participants, got %d", loops[0].Cycle.Participants)
	}

	view := tctx.Store.Snapshot()
	for i, step := range loops[0].Cycle.Steps {
		if view.Owner(step.NFT) != step.WalletFrom {
			t.Fatalf("step %d: %s does not own %s at emission", i, step.WalletFrom, step.NFT)
		}
		if _, wants := view.WantKindOf(step.WalletTo, step.NFT); !wants {
			t.Fatalf("step %d: %s does not want %s at emission", i, step.WalletTo, step.NFT)
		}
	}
}

// A starved per-run timeout must degrade to
// partial results (possibly none), never a hang or an invalid loop.
func TestEngine_StarvedTimeoutNeverEmitsInvalidLoops(t *testing.T) {
	reg := tenant.New()
	settings := config.DefaultSettings()
	settings.MinScore = 0
	settings.PerRunTimeoutMS = 1
	tctx, err := reg.CreateTenant("t1", settings, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := New(tctx)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Start(runCtx, 2)

	ctx := context.Background()
	wallets := []models.WalletID{"W1", "W2", "W3", "W4", "W5", "W6"}
	for i, w := range wallets {
		nft := models.NFTID("n" + string(rune('1'+i)))
		if _, err := e.SubmitInventory(ctx, w, []models.NFT{{ID: nft}}); err != nil {
			t.Fatal(err)
		}
	}
	for i := range wallets {
		next := wallets[(i+1)%len(wallets)]
		nft := models.NFTID("n" + string(rune('1'+i)))
		if _, err := e.SubmitWants(ctx, next, []models.NFTID{nft}, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Give discovery time to run (and be cut off by its own deadline).
	time.Sleep(200 * time.Millisecond)

	view := tctx.Store.Snapshot()
	for _, loop := range e.GetActiveLoops(LoopFilter{Wallet: "W1"}).Loops {
		for i, step := range loop.Cycle.Steps {
			if view.Owner(step.NFT) != step.WalletFrom {
				t.Fatalf("step %d of a partial-run loop violates ownership", i)
			}
			if _, wants := view.WantKindOf(step.WalletTo, step.NFT); !wants {
				t.Fatalf("step %d of a partial-run loop violates wants", i)
			}
		}
	}
}

// A want retracted and re-stated must rediscover the identical loop:
// invalidation releases the canonical id from the deduper, so the
// second discovery is not silently dropped as a duplicate.
func TestEngine_RediscoveryAfterWantReAdded(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SubmitInventory(ctx, "A", []models.NFT{{ID: "n1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitInventory(ctx, "B", []models.NFT{{ID: "n2"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitWants(ctx, "A", []models.NFTID{"n2"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitWants(ctx, "B", []models.NFTID{"n1"}, nil); err != nil {
		t.Fatal(err)
	}
	first := waitForLoops(t, e, "A", 1)[0].CanonicalID

	if _, err := e.RemoveWant(ctx, "A", "n2", ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.GetActiveLoops(LoopFilter{Wallet: "A"}).Loops) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := e.SubmitWants(ctx, "A", []models.NFTID{"n2"}, nil); err != nil {
		t.Fatal(err)
	}
	second := waitForLoops(t, e, "A", 1)[0].CanonicalID
	if second != first {
		t.Fatalf("rediscovered loop should keep its canonical id: %s vs %s", second, first)
	}
}

// Tenant isolation: identical graphs in two tenants yield the same
// canonical loop set; removing a want in one leaves the other intact.
func TestEngine_TenantIsolation(t *testing.T) {
	reg := tenant.New()
	settings := config.DefaultSettings()
	settings.MinScore = 0

	load := func(id string) *Engine {
		tctx, err := reg.CreateTenant(id, settings, nil)
		if err != nil {
			t.Fatal(err)
		}
		e := New(tctx)
		runCtx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go e.Start(runCtx, 2)

		ctx := context.Background()
		if _, err := e.SubmitInventory(ctx, "A", []models.NFT{{ID: "n1"}}); err != nil {
			t.Fatal(err)
		}
		if _, err := e.SubmitInventory(ctx, "B", []models.NFT{{ID: "n2"}}); err != nil {
			t.Fatal(err)
		}
		if _, err := e.SubmitWants(ctx, "A", []models.NFTID{"n2"}, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := e.SubmitWants(ctx, "B", []models.NFTID{"n1"}, nil); err != nil {
			t.Fatal(err)
		}
		return e
	}

	e1 := load("t1")
	e2 := load("t2")

	loops1 := waitForLoops(t, e1, "A", 1)
	loops2 := waitForLoops(t, e2, "A", 1)
	if loops1[0].CanonicalID != loops2[0].CanonicalID {
		t.Fatalf("identical graphs produced different canonical ids: %s vs %s",
			loops1[0].CanonicalID, loops2[0].CanonicalID)
	}

	if _, err := e1.RemoveWant(context.Background(), "A", "n2", ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e1.GetActiveLoops(LoopFilter{Wallet: "A"}).Loops) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(e1.GetActiveLoops(LoopFilter{Wallet: "A"}).Loops); got != 0 {
		t.Fatalf("expected t1's loop gone after want removal, still has %d", got)
	}
	if got := len(e2.GetActiveLoops(LoopFilter{Wallet: "A"}).Loops); got != 1 {
		t.Fatalf("t1's mutation leaked into t2: expected 1 loop, got %d", got)
	}
}

// A quarantined tenant refuses new writes but keeps serving reads.
func TestEngine_QuarantineRefusesWritesAllowsReads(t *testing.T) {
	e, tctx := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.SubmitInventory(ctx, "A", []models.NFT{{ID: "n1"}}); err != nil {
		t.Fatal(err)
	}

	tctx.Quarantine("duplicate ownership detected")

	if _, err := e.SubmitInventory(ctx, "B", []models.NFT{{ID: "n2"}}); !models.IsCode(err, models.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation for a quarantined write, got %v", err)
	}
	if _, err := e.NotifyTransfer(ctx, "n1", "C"); !models.IsCode(err, models.ErrInvariantViolation) {
		t.Fatalf("expected transfer to be refused under quarantine, got %v", err)
	}

	// Reads stay up.
	if st := e.GetStats(); st.Nodes != 1 {
		t.Fatalf("expected reads to keep working under quarantine, got %+v", st)
	}
	if !tctx.Usage().Quarantined {
		t.Fatalf("expected Usage to report the quarantine")
	}
}

// A per-SCC cycle cap settles the discovery run in PartialCap: the
// graph holds two elementary cycles through A, the cap admits one.
func TestEngine_RunPartialCap(t *testing.T) {
	reg := tenant.New()
	settings := config.DefaultSettings()
	settings.MinScore = 0
	settings.PerSCCCycleCap = 1
	tctx, err := reg.CreateTenant("t1", settings, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := New(tctx)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Start(runCtx, 2)

	// Settle each event's run before the next submit so consecutive
	// events sharing a root fingerprint never coalesce; the final run is
	// then unambiguously the one under test.
	ctx := context.Background()
	settle := func(res EventResult, err error) models.DiscoveryRun {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return waitForRun(t, e, res.RunID)
	}
	settle(e.SubmitInventory(ctx, "A", []models.NFT{{ID: "n1"}, {ID: "n3"}}))
	settle(e.SubmitInventory(ctx, "B", []models.NFT{{ID: "n2"}}))
	settle(e.SubmitInventory(ctx, "C", []models.NFT{{ID: "n4"}}))
	settle(e.SubmitWants(ctx, "B", []models.NFTID{"n1"}, nil))
	settle(e.SubmitWants(ctx, "C", []models.NFTID{"n3"}, nil))
	settle(e.SubmitWants(ctx, "A", []models.NFTID{"n2"}, nil))
	run := settle(e.SubmitWants(ctx, "A", []models.NFTID{"n4"}, nil))
	if run.State != models.RunPartialCap {
		t.Fatalf("expected RunPartialCap, got %s (reason %q)", run.State, run.Reason)
	}
	if run.Reason != "per_scc_cap" {
		t.Fatalf("expected per_scc_cap reason, got %q", run.Reason)
	}
	if run.CyclesFound != 1 {
		t.Fatalf("expected the cap to admit exactly 1 cycle, got %d", run.CyclesFound)
	}
	if run.StartedAt.IsZero() || run.FinishedAt.IsZero() {
		t.Fatalf("expected Queued->Running->terminal timestamps, got %+v", run)
	}
}

// An exhausted per-SCC wall-clock budget settles the run in
// PartialTimeout rather than Completed.
func TestEngine_RunPartialTimeout(t *testing.T) {
	reg := tenant.New()
	settings := config.DefaultSettings()
	settings.MinScore = 0
	settings.PerSCCTimeoutMS = 0 // budget already spent when enumeration starts
	tctx, err := reg.CreateTenant("t1", settings, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := New(tctx)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Start(runCtx, 2)

	ctx := context.Background()
	settle := func(res EventResult, err error) models.DiscoveryRun {
		t.Helper()
		if err != nil {
			t.Fatal(err)
		}
		return waitForRun(t, e, res.RunID)
	}
	settle(e.SubmitInventory(ctx, "A", []models.NFT{{ID: "n1"}}))
	settle(e.SubmitInventory(ctx, "B", []models.NFT{{ID: "n2"}}))
	settle(e.SubmitWants(ctx, "A", []models.NFTID{"n2"}, nil))
	run := settle(e.SubmitWants(ctx, "B", []models.NFTID{"n1"}, nil))

	if run.State != models.RunPartialTimeout {
		t.Fatalf("expected RunPartialTimeout, got %s (reason %q)", run.State, run.Reason)
	}
	if run.Reason != "timeout" {
		t.Fatalf("expected timeout reason, got %q", run.Reason)
	}
}

// A run over a graph with no reachable cycle work settles Completed,
// and its counters surface through get_stats.
func TestEngine_RunCompletedSurfacesInStats(t *testing.T) {
	e, _ := newTestEngine(t)
	res, err := e.SubmitInventory(context.Background(), "A", []models.NFT{{ID: "n1"}})
	if err != nil {
		t.Fatal(err)
	}
	run := waitForRun(t, e, res.RunID)
	if run.State != models.RunCompleted {
		t.Fatalf("expected RunCompleted, got %s", run.State)
	}
	if st := e.GetStats(); st.DiscoveryRunsFinished == 0 {
		t.Fatalf("expected finished run count in stats, got %+v", st)
	}
}

// Transition enforces the legal state machine moves.
func TestDiscoveryRun_TransitionValidation(t *testing.T) {
	run := &models.DiscoveryRun{ID: "r1", State: models.RunQueued}
	now := time.Now()
	if err := run.Transition(models.RunRunning, now); err != nil {
		t.Fatalf("Queued->Running should be legal: %v", err)
	}
	if err := run.Transition(models.RunPartialTimeout, now); err != nil {
		t.Fatalf("Running->PartialTimeout should be legal: %v", err)
	}
	if err := run.Transition(models.RunCompleted, now); !models.IsCode(err, models.ErrInvariantViolation) {
		t.Fatalf("terminal state must never change again, got %v", err)
	}
	if err := run.Transition(models.RunRunning, now); !models.IsCode(err, models.ErrInvariantViolation) {
		t.Fatalf("terminal->Running must be illegal, got %v", err)
	}
}

func waitForRun(t *testing.T, e *Engine, runID string) models.DiscoveryRun {
	t.Helper()
	if runID == "" {
		t.Fatalf("expected a run id from the event acknowledgement")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if run, ok := e.RunStatus(runID); ok && run.State.IsTerminal() {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for run %s to reach a terminal state", runID)
	return models.DiscoveryRun{}
}

func waitForLoops(t *testing.T, e *Engine, wallet models.WalletID, want int) []*models.ActiveLoopEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		loops := e.GetActiveLoops(LoopFilter{Wallet: wallet}).Loops
		if len(loops) >= want {
			return loops
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d active loop(s) for %s", want, wallet)
	return nil
}
