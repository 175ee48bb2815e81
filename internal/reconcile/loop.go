// Package reconcile periodically compares local state (brackets, orders,
// guard tokens) against the broker gateway and repairs drift: orphaned
// protective legs, ghost locks, and cancellations that exhausted their
// retries. The broker is authoritative for positions; local state is
// authoritative for intent.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"wdotrader/internal/bracket"
	"wdotrader/internal/domain"
	"wdotrader/internal/gateway"
	"wdotrader/internal/guard"
	"wdotrader/internal/metrics"
	"wdotrader/internal/registry"
)

// Config wires a reconciliation Loop.
type Config struct {
	Gateway     gateway.Gateway
	Registry    *registry.Registry
	Guard       *guard.Guard
	Coordinator *bracket.Coordinator
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	Symbol string

	// PositionEvery is the fast tick: verify the position belief.
	PositionEvery time.Duration
	// SweepEvery is the slow tick: orphan legs, ghost locks, suspects.
	SweepEvery time.Duration
	// OrphanGrace is how long an armed bracket may sit on a flat broker
	// position before its legs are treated as orphans. Absorbs fill-event
	// propagation delay.
	OrphanGrace time.Duration
	// MaxHold is the age past which a guard token with no live bracket
	// behind it is a ghost lock and gets released. It also bounds how long
	// a bracket may sit in CLOSING before the sweep force-closes it.
	MaxHold time.Duration

	// OnUntracked fires when the broker confirms a position that no live
	// bracket explains. The engine halts on it; reconciliation never closes
	// an untracked position on its own.
	OnUntracked func(domain.PositionBelief)
}

// Loop is the reconciliation worker.
type Loop struct {
	gw    gateway.Gateway
	reg   *registry.Registry
	guard *guard.Guard
	coord *bracket.Coordinator
	met   *metrics.Metrics
	log   *slog.Logger

	symbol        string
	positionEvery time.Duration
	sweepEvery    time.Duration
	orphanGrace   time.Duration
	maxHold       time.Duration
	onUntracked   func(domain.PositionBelief)

	mu           sync.Mutex
	zeroSince    map[string]time.Time // bracketID -> first flat observation
	closingSince map[string]time.Time // bracketID -> first CLOSING observation
}

// New creates a Loop.
func New(cfg Config) *Loop {
	return &Loop{
		gw:            cfg.Gateway,
		reg:           cfg.Registry,
		guard:         cfg.Guard,
		coord:         cfg.Coordinator,
		met:           cfg.Metrics,
		log:           cfg.Log,
		symbol:        cfg.Symbol,
		positionEvery: cfg.PositionEvery,
		sweepEvery:    cfg.SweepEvery,
		orphanGrace:   cfg.OrphanGrace,
		maxHold:       cfg.MaxHold,
		onUntracked:   cfg.OnUntracked,
		zeroSince:     make(map[string]time.Time),
		closingSince:  make(map[string]time.Time),
	}
}

// Run drives both reconciliation tickers until the context is cancelled. A
// position check runs immediately on startup so the engine never trades on a
// never-verified belief.
func (l *Loop) Run(ctx context.Context) {
	l.CheckPosition(ctx)

	posTick := time.NewTicker(l.positionEvery)
	defer posTick.Stop()
	sweepTick := time.NewTicker(l.sweepEvery)
	defer sweepTick.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("reconciliation loop stopped")
			return
		case <-posTick.C:
			l.CheckPosition(ctx)
		case <-sweepTick.C:
			l.Sweep(ctx)
		}
	}
}

// ---------------------------------------------------------------------------
// Fast tick: position belief
// ---------------------------------------------------------------------------

// CheckPosition re-queries the broker position and installs a fresh belief.
// The gateway is always asked again; a cached answer is never good enough
// for a position check. When the query is unavailable the belief degrades to
// an inference from local order state, marked as such.
func (l *Loop) CheckPosition(ctx context.Context) {
	now := time.Now()

	qty, _, avg, ok := l.gw.QueryPosition(ctx, l.symbol)
	if !ok {
		belief := l.inferFromOrders(now)
		l.guard.UpdateBelief(l.symbol, belief)
		l.log.Warn("position query unavailable, belief inferred from orders",
			"symbol", l.symbol, "signed_qty", belief.SignedQty)
		return
	}

	belief := domain.PositionBelief{
		Symbol:         l.symbol,
		SignedQty:      qty,
		EntryPrice:     avg,
		Source:         domain.BeliefBrokerConfirmed,
		LastVerifiedAt: now,
	}
	l.guard.UpdateBelief(l.symbol, belief)

	// A confirmed position that no live bracket explains is a hard fault:
	// report it and let the engine halt. Closing someone's position
	// automatically is worse than stopping.
	if qty != 0 {
		if _, live := l.coord.BracketFor(l.symbol); !live {
			l.log.Error("untracked position detected",
				"symbol", l.symbol, "signed_qty", qty, "avg_price", avg)
			l.met.ReconcileRepairs.WithLabelValues("untracked").Inc()
			if l.onUntracked != nil {
				l.onUntracked(belief)
			}
		}
	}
}

// inferFromOrders derives a degraded belief from the live bracket table when
// the broker position query is down.
func (l *Loop) inferFromOrders(now time.Time) domain.PositionBelief {
	belief := domain.PositionBelief{
		Symbol:         l.symbol,
		Source:         domain.BeliefInferredFromOrders,
		LastVerifiedAt: now,
	}

	b, live := l.coord.BracketFor(l.symbol)
	if !live || b.State != domain.BracketArmed {
		return belief
	}

	signed := b.Qty
	if b.Side == domain.SideSell {
		signed = -signed
	}
	belief.SignedQty = signed
	belief.EntryPrice = b.EntryPrice
	return belief
}

// ---------------------------------------------------------------------------
// Slow tick: orphans, strays, ghost locks, suspects
// ---------------------------------------------------------------------------

// Sweep runs the slow repairs. Every check re-queries the gateway for the
// state it depends on; nothing is trusted from a previous tick.
func (l *Loop) Sweep(ctx context.Context) {
	qty, _, _, ok := l.gw.QueryPosition(ctx, l.symbol)
	if ok {
		l.sweepOrphans(ctx, qty)
	} else {
		l.log.Warn("position query unavailable, skipping orphan sweep", "symbol", l.symbol)
	}

	l.sweepClosing(ctx)
	l.sweepStrayOrders(ctx)
	l.sweepGhostLocks()
	l.sweepSuspects(ctx)
}

// sweepOrphans force-closes an armed bracket whose broker position has been
// flat for longer than the grace period: its protective legs are orphans
// that could fire and open an unintended naked position.
func (l *Loop) sweepOrphans(ctx context.Context, brokerQty int) {
	b, live := l.coord.BracketFor(l.symbol)
	if !live || b.State != domain.BracketArmed {
		l.mu.Lock()
		clear(l.zeroSince)
		l.mu.Unlock()
		return
	}

	if brokerQty != 0 {
		l.mu.Lock()
		delete(l.zeroSince, b.ID)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	first, seen := l.zeroSince[b.ID]
	if !seen {
		first = time.Now()
		l.zeroSince[b.ID] = first
	}
	l.mu.Unlock()

	if time.Since(first) < l.orphanGrace {
		// Could be a fill event still in flight; give it the grace period.
		return
	}

	l.log.Warn("orphaned protective legs detected, force-closing bracket",
		"bracket", b.ID, "flat_for", time.Since(first))
	l.met.ReconcileRepairs.WithLabelValues("orphan").Inc()
	if err := l.coord.ForceClose(ctx, b.ID, domain.CloseReasonOrphan); err != nil {
		l.log.Error("orphan force-close incomplete", "bracket", b.ID, "error", err)
	}
	l.mu.Lock()
	delete(l.zeroSince, b.ID)
	l.mu.Unlock()
}

// sweepClosing backstops a bracket stuck in CLOSING. Cancel or fill events
// can be lost, leaving every leg terminal with no event left to drive the
// closure; the coordinator is nudged every sweep, and past the deadline the
// bracket is force-closed outright so the symbol slot cannot stay wedged.
func (l *Loop) sweepClosing(ctx context.Context) {
	b, live := l.coord.BracketFor(l.symbol)
	if !live || b.State != domain.BracketClosing {
		l.mu.Lock()
		clear(l.closingSince)
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	first, seen := l.closingSince[b.ID]
	if !seen {
		first = time.Now()
		l.closingSince[b.ID] = first
	}
	l.mu.Unlock()

	l.coord.ResolveClosing(ctx, b.ID)
	if _, still := l.coord.Get(b.ID); !still {
		l.log.Warn("stuck closing bracket resolved by sweep", "bracket", b.ID)
		l.met.ReconcileRepairs.WithLabelValues("stuck_closing").Inc()
		l.mu.Lock()
		delete(l.closingSince, b.ID)
		l.mu.Unlock()
		return
	}

	if time.Since(first) < l.maxHold {
		return
	}
	l.log.Warn("bracket stuck in closing past deadline, force-closing",
		"bracket", b.ID, "closing_for", time.Since(first))
	l.met.ReconcileRepairs.WithLabelValues("stuck_closing").Inc()
	if err := l.coord.ForceClose(ctx, b.ID, domain.CloseReasonManual); err != nil {
		l.log.Error("stuck-closing force-close incomplete", "bracket", b.ID, "error", err)
	}
	l.mu.Lock()
	delete(l.closingSince, b.ID)
	l.mu.Unlock()
}

// sweepStrayOrders cancels open orders whose bracket is no longer live, e.g.
// legs left behind by a force-close whose cancel failed at the time.
func (l *Loop) sweepStrayOrders(ctx context.Context) {
	for _, o := range l.reg.OpenOrders(l.symbol) {
		if _, live := l.coord.Get(o.BracketID); live {
			continue
		}
		if o.Leg == domain.LegFlatten {
			continue // a working flatten closes exposure; let it fill
		}
		l.log.Warn("stray order without live bracket, cancelling",
			"order", o.ID, "bracket", o.BracketID, "leg", o.Leg)
		if err := l.gw.CancelOrder(ctx, o.ID); err != nil {
			l.log.Warn("stray order cancel failed", "order", o.ID, "error", err)
			continue
		}
		l.met.ReconcileRepairs.WithLabelValues("stray_order").Inc()
	}
}

// sweepGhostLocks releases a guard token that has no live bracket behind it
// and is older than the maximum hold. Covers the crash window between token
// acquisition and bracket registration; a healthy open takes well under the
// threshold.
func (l *Loop) sweepGhostLocks() {
	token, held := l.guard.Held(l.symbol)
	if !held {
		return
	}
	if _, live := l.coord.BracketFor(l.symbol); live {
		return
	}
	age := time.Since(token.AcquiredAt())
	if age < l.maxHold {
		return
	}

	l.log.Warn("ghost lock released", "symbol", l.symbol, "age", age)
	l.met.ReconcileRepairs.WithLabelValues("ghost_lock").Inc()
	l.guard.Release(token)
}

// sweepSuspects re-kicks cancellations that exhausted their retries on the
// OCO path.
func (l *Loop) sweepSuspects(ctx context.Context) {
	for _, id := range l.coord.Suspects() {
		if o, ok := l.reg.Get(id); ok && o.Status.Terminal() {
			l.coord.ClearSuspect(id)
			continue
		}
		if err := l.gw.CancelOrder(ctx, id); err != nil {
			l.log.Warn("suspect cancel still failing", "order", id, "error", err)
			continue
		}
		l.log.Info("suspect cancellation succeeded on reconciliation retry", "order", id)
		l.met.ReconcileRepairs.WithLabelValues("suspect_cancel").Inc()
		l.coord.ClearSuspect(id)
	}
}
