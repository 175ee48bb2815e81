package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"wdotrader/internal/bracket"
	"wdotrader/internal/domain"
	"wdotrader/internal/gateway"
	"wdotrader/internal/guard"
	"wdotrader/internal/metrics"
	"wdotrader/internal/registry"
)

const symbol = "WDOX25"

type fixture struct {
	loop  *Loop
	coord *bracket.Coordinator
	sim   *gateway.Simulator
	reg   *registry.Registry
	guard *guard.Guard

	untracked []domain.PositionBelief
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	sim := gateway.NewSimulator()
	reg := registry.New(log)
	g := guard.New(log)
	met := metrics.New()

	coord := bracket.New(bracket.Config{
		Gateway:           sim,
		Registry:          reg,
		Guard:             g,
		Metrics:           met,
		Log:               log,
		CancelMaxAttempts: 3,
		CancelBackoff:     time.Millisecond,
	})

	f := &fixture{coord: coord, sim: sim, reg: reg, guard: g}
	f.loop = New(Config{
		Gateway:       sim,
		Registry:      reg,
		Guard:         g,
		Coordinator:   coord,
		Metrics:       met,
		Log:           log,
		Symbol:        symbol,
		PositionEvery: 5 * time.Second,
		SweepEvery:    30 * time.Second,
		OrphanGrace:   10 * time.Millisecond,
		MaxHold:       20 * time.Millisecond,
		OnUntracked: func(b domain.PositionBelief) {
			f.untracked = append(f.untracked, b)
		},
	})
	return f
}

func (f *fixture) pump() {
	for {
		select {
		case ev := <-f.sim.Events():
			o, transitioned := f.reg.Apply(ev)
			if !transitioned {
				continue
			}
			switch {
			case o.Status == domain.OrderStatusFilled:
				f.coord.OnLegFilled(o.ID)
			case o.Status.Terminal():
				f.coord.OnLegTerminal(o.ID)
			}
		default:
			return
		}
	}
}

// openArmed opens a bracket and fills its entry so it is armed.
func (f *fixture) openArmed(t *testing.T) domain.Bracket {
	t.Helper()
	token, ok := f.guard.TryAcquire(symbol)
	if !ok {
		t.Fatal("guard token not available")
	}
	id, err := f.coord.OpenBracket(context.Background(), token, symbol,
		domain.SideBuy, 1, 5500, 5485, 5530)
	if err != nil {
		t.Fatalf("OpenBracket: %v", err)
	}
	b, _ := f.coord.Get(id)
	f.pump()
	f.sim.FillOrder(b.EntryOrderID, 5500)
	f.pump()

	b, ok = f.coord.Get(id)
	if !ok || b.State != domain.BracketArmed {
		t.Fatalf("bracket not armed: %+v", b)
	}
	return b
}

func TestCheckPositionBrokerConfirmed(t *testing.T) {
	f := newFixture(t)
	f.openArmed(t)

	f.loop.CheckPosition(context.Background())

	belief := f.guard.Belief(symbol)
	if belief.Source != domain.BeliefBrokerConfirmed {
		t.Errorf("belief source = %s, want broker_confirmed", belief.Source)
	}
	if belief.SignedQty != 1 {
		t.Errorf("signed qty = %d, want 1", belief.SignedQty)
	}
	if belief.EntryPrice != 5500 {
		t.Errorf("entry price = %v, want 5500", belief.EntryPrice)
	}
	if belief.LastVerifiedAt.IsZero() {
		t.Error("last verified timestamp not set")
	}
}

func TestCheckPositionDegradesToOrderInference(t *testing.T) {
	f := newFixture(t)
	f.openArmed(t)
	f.sim.SetPositionQueryAvailable(false)

	f.loop.CheckPosition(context.Background())

	belief := f.guard.Belief(symbol)
	if belief.Source != domain.BeliefInferredFromOrders {
		t.Errorf("belief source = %s, want inferred_from_orders", belief.Source)
	}
	if belief.SignedQty != 1 {
		t.Errorf("inferred signed qty = %d, want 1 (armed long bracket)", belief.SignedQty)
	}
}

func TestCheckPositionInferenceFlatWithoutArmedBracket(t *testing.T) {
	f := newFixture(t)
	f.sim.SetPositionQueryAvailable(false)

	f.loop.CheckPosition(context.Background())

	belief := f.guard.Belief(symbol)
	if belief.Source != domain.BeliefInferredFromOrders {
		t.Errorf("belief source = %s, want inferred_from_orders", belief.Source)
	}
	if belief.SignedQty != 0 {
		t.Errorf("inferred signed qty = %d, want 0", belief.SignedQty)
	}
}

func TestUntrackedPositionTriggersHalt(t *testing.T) {
	f := newFixture(t)
	// Broker reports a short position the system never opened.
	f.sim.SetPosition(symbol, -2, 5490)

	f.loop.CheckPosition(context.Background())

	if len(f.untracked) != 1 {
		t.Fatalf("untracked callbacks = %d, want 1", len(f.untracked))
	}
	if f.untracked[0].SignedQty != -2 {
		t.Errorf("untracked qty = %d, want -2", f.untracked[0].SignedQty)
	}
	// The position must NOT have been closed automatically.
	qty, _, _, ok := f.sim.QueryPosition(context.Background(), symbol)
	if !ok || qty != -2 {
		t.Errorf("broker position = %d (ok=%v), want untouched -2", qty, ok)
	}
}

func TestOrphanSweepRespectsGracePeriod(t *testing.T) {
	f := newFixture(t)
	b := f.openArmed(t)
	ctx := context.Background()

	// Position vanished at the broker (e.g. closed out of band) while the
	// protective legs are still live.
	f.sim.SetPosition(symbol, 0, 0)

	// First sweep starts the grace clock; the bracket must survive.
	f.loop.Sweep(ctx)
	if f.coord.LiveCount() != 1 {
		t.Fatal("bracket force-closed before grace period expired")
	}

	time.Sleep(15 * time.Millisecond) // past the 10ms grace
	f.loop.Sweep(ctx)

	if f.coord.LiveCount() != 0 {
		t.Fatal("orphaned bracket not force-closed after grace period")
	}
	for _, legID := range []string{b.StopOrderID, b.TakeOrderID} {
		if st, _ := f.sim.OrderStatus(legID); st != domain.OrderStatusCancelled {
			t.Errorf("orphan leg %s status = %s, want cancelled", legID, st)
		}
	}
	if _, held := f.guard.Held(symbol); held {
		t.Error("guard token still held after orphan repair")
	}
}

func TestOrphanSweepResetsWhenPositionReturns(t *testing.T) {
	f := newFixture(t)
	f.openArmed(t)
	ctx := context.Background()

	f.sim.SetPosition(symbol, 0, 0)
	f.loop.Sweep(ctx) // starts grace clock
	f.sim.SetPosition(symbol, 1, 5500)
	f.loop.Sweep(ctx) // position is back; clock must reset

	time.Sleep(15 * time.Millisecond)
	f.sim.SetPosition(symbol, 0, 0)
	f.loop.Sweep(ctx) // fresh flat observation, grace restarts

	if f.coord.LiveCount() != 1 {
		t.Fatal("bracket force-closed although the flat observation was fresh")
	}
}

func TestOrphanSweepSkippedWhenQueryUnavailable(t *testing.T) {
	f := newFixture(t)
	f.openArmed(t)
	f.sim.SetPosition(symbol, 0, 0)
	f.sim.SetPositionQueryAvailable(false)

	f.loop.Sweep(context.Background())
	time.Sleep(15 * time.Millisecond)
	f.loop.Sweep(context.Background())

	// Without a trustworthy position answer, no destructive repair.
	if f.coord.LiveCount() != 1 {
		t.Fatal("bracket force-closed on an unavailable position query")
	}
}

func TestGhostLockReleasedAfterMaxHold(t *testing.T) {
	f := newFixture(t)

	// Token acquired but no bracket ever registered: the crash window.
	if _, ok := f.guard.TryAcquire(symbol); !ok {
		t.Fatal("TryAcquire failed")
	}

	f.loop.Sweep(context.Background())
	if _, held := f.guard.Held(symbol); !held {
		t.Fatal("young token released before max hold")
	}

	time.Sleep(25 * time.Millisecond) // past the 20ms max hold
	f.loop.Sweep(context.Background())
	if _, held := f.guard.Held(symbol); held {
		t.Fatal("ghost lock not released after max hold")
	}
}

func TestGhostLockNotReleasedWhileBracketLive(t *testing.T) {
	f := newFixture(t)
	f.openArmed(t)

	time.Sleep(25 * time.Millisecond)
	f.loop.Sweep(context.Background())

	if _, held := f.guard.Held(symbol); !held {
		t.Fatal("token released although a live bracket holds it")
	}
}

func TestSuspectCancelRekicked(t *testing.T) {
	f := newFixture(t)
	b := f.openArmed(t)
	ctx := context.Background()

	// Exhaust the OCO cancel retries so the take leg becomes a suspect.
	f.sim.FailCancels(b.TakeOrderID, 3)
	f.sim.FillOrder(b.StopOrderID, 5485)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.coord.Suspects()) == 0 {
		f.pump()
		time.Sleep(2 * time.Millisecond)
	}
	if len(f.coord.Suspects()) != 1 {
		t.Fatalf("suspects = %v, want exactly the take leg", f.coord.Suspects())
	}

	// Keep the broker position in sync with the stop fill so the sweep does
	// not also fire the orphan path.
	f.loop.Sweep(ctx)
	f.pump()

	if len(f.coord.Suspects()) != 0 {
		t.Errorf("suspects not cleared after sweep: %v", f.coord.Suspects())
	}
	if st, _ := f.sim.OrderStatus(b.TakeOrderID); st != domain.OrderStatusCancelled {
		t.Errorf("take leg status = %s, want cancelled after re-kick", st)
	}
	// With the sibling confirmed cancelled, the bracket can finally close.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && f.coord.LiveCount() != 0 {
		f.pump()
		time.Sleep(2 * time.Millisecond)
	}
	if f.coord.LiveCount() != 0 {
		t.Error("bracket still live after suspect cancellation resolved")
	}
}

// A closing bracket whose cancel confirmation was lost in transit has no
// event left to finish the closure; the sweep must unwedge the symbol slot.
func TestStuckClosingBracketForceClosedBySweep(t *testing.T) {
	f := newFixture(t)
	b := f.openArmed(t)
	ctx := context.Background()

	f.sim.FillOrder(b.StopOrderID, 5485)
	f.pump()

	// The OCO cancel lands at the broker...
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := f.sim.OrderStatus(b.TakeOrderID); st == domain.OrderStatusCancelled {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	// ...but its confirmation never reaches the registry.
drain:
	for {
		select {
		case <-f.sim.Events():
		default:
			break drain
		}
	}

	got, ok := f.coord.Get(b.ID)
	if !ok || got.State != domain.BracketClosing {
		t.Fatalf("bracket state = %+v, want live and closing", got)
	}

	// First sweep starts the closing clock; the deadline has not passed.
	f.loop.Sweep(ctx)
	if f.coord.LiveCount() != 1 {
		t.Fatal("closing bracket force-closed before the deadline")
	}

	time.Sleep(25 * time.Millisecond) // past the 20ms deadline
	f.loop.Sweep(ctx)

	if f.coord.LiveCount() != 0 {
		t.Fatal("stuck closing bracket not force-closed by the sweep")
	}
	if _, held := f.guard.Held(symbol); held {
		t.Error("guard token still held after the sweep repair")
	}
	if _, ok := f.guard.TryAcquire(symbol); !ok {
		t.Error("symbol slot not usable after the sweep repair")
	}
}

func TestStrayOrderCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// An open order whose bracket is gone, e.g. left behind by a crash.
	spec := domain.OrderSpec{
		ID: "stray-1", BracketID: "dead-bracket", Symbol: symbol,
		Leg: domain.LegStop, Side: domain.SideSell, Qty: 1, StopPrice: 5485,
	}
	f.reg.Submit(spec)
	if _, err := f.sim.SubmitOrder(ctx, spec); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	f.reg.MarkSubmitted(spec.ID)

	f.loop.Sweep(ctx)

	if st, _ := f.sim.OrderStatus("stray-1"); st != domain.OrderStatusCancelled {
		t.Errorf("stray order status = %s, want cancelled", st)
	}
}
