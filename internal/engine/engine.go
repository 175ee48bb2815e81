// Package engine is the composition point of the trading core: it accepts
// trade signals, opens brackets through the coordinator, drains broker
// events into the order registry, and exposes the halt switch and the
// read-only snapshot used by the HTTP API.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"wdotrader/internal/bracket"
	"wdotrader/internal/domain"
	"wdotrader/internal/gateway"
	"wdotrader/internal/guard"
	"wdotrader/internal/metrics"
	"wdotrader/internal/registry"
	"wdotrader/internal/store"
)

// ErrHalted is returned for signals while the engine is halted.
var ErrHalted = errors.New("engine: halted, refusing new signals")

// ErrPositionOpen is returned when a signal arrives while the symbol's
// position slot is taken. The signal is dropped, never queued.
var ErrPositionOpen = errors.New("engine: position already open, signal dropped")

// Snapshot is the engine's read-only state view, published periodically and
// served over the HTTP API. Informational only.
type Snapshot struct {
	Symbol     string                   `json:"symbol"`
	Halted     bool                     `json:"halted"`
	HaltReason string                   `json:"halt_reason,omitempty"`
	Belief     domain.PositionBelief    `json:"belief"`
	Brackets   []domain.BracketSnapshot `json:"brackets"`
	OpenOrders []domain.Order           `json:"open_orders"`
	Timestamp  time.Time                `json:"timestamp"`
}

// Config wires an Engine.
type Config struct {
	Gateway     gateway.Gateway
	Registry    *registry.Registry
	Guard       *guard.Guard
	Coordinator *bracket.Coordinator
	Sizer       *RiskSizer
	Journal     store.OrderJournal // optional
	Metrics     *metrics.Metrics
	Log         *slog.Logger

	Symbol          string
	EventBufferSize int
	SnapshotEvery   time.Duration

	// OnSnapshot receives the periodic snapshot, e.g. for the websocket hub.
	// Called from the engine's snapshot goroutine; must not block.
	OnSnapshot func(Snapshot)
}

// Engine accepts signals and runs the event workers.
type Engine struct {
	gw      gateway.Gateway
	reg     *registry.Registry
	guard   *guard.Guard
	coord   *bracket.Coordinator
	sizer   *RiskSizer
	journal store.OrderJournal
	met     *metrics.Metrics
	log     *slog.Logger

	symbol        string
	snapshotEvery time.Duration
	onSnapshot    func(Snapshot)

	events chan domain.OrderEvent

	mu         sync.Mutex
	halted     bool
	haltReason string
}

// New creates an Engine.
func New(cfg Config) *Engine {
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	return &Engine{
		gw:            cfg.Gateway,
		reg:           cfg.Registry,
		guard:         cfg.Guard,
		coord:         cfg.Coordinator,
		sizer:         cfg.Sizer,
		journal:       cfg.Journal,
		met:           cfg.Metrics,
		log:           cfg.Log,
		symbol:        cfg.Symbol,
		snapshotEvery: cfg.SnapshotEvery,
		onSnapshot:    cfg.OnSnapshot,
		events:        make(chan domain.OrderEvent, cfg.EventBufferSize),
	}
}

// ---------------------------------------------------------------------------
// Signal intake
// ---------------------------------------------------------------------------

// SubmitSignal attempts to open a bracket for the signal. Contention with an
// existing position fails fast: the caller gets ErrPositionOpen immediately
// and the signal is gone. Signals are perishable; executing a stale one
// later would be worse than skipping it.
func (e *Engine) SubmitSignal(ctx context.Context, sig domain.Signal) (string, error) {
	e.mu.Lock()
	halted := e.halted
	e.mu.Unlock()
	if halted {
		e.met.Signals.WithLabelValues("halted").Inc()
		return "", ErrHalted
	}

	token, ok := e.guard.TryAcquire(e.symbol)
	if !ok {
		e.met.Signals.WithLabelValues("blocked").Inc()
		e.log.Debug("signal dropped, position slot taken",
			"symbol", e.symbol, "direction", sig.Direction)
		return "", ErrPositionOpen
	}

	e.sizer.Observe(sig.Price)
	qty, stop, take := e.sizer.SizeBracket(sig)

	id, err := e.coord.OpenBracket(ctx, token, e.symbol, sig.Direction, qty, sig.Price, stop, take)
	if err != nil {
		// The coordinator released the token on its abort path.
		e.met.Signals.WithLabelValues("rejected").Inc()
		return "", err
	}

	e.met.Signals.WithLabelValues("submitted").Inc()
	e.log.Info("signal accepted", "bracket", id, "direction", sig.Direction,
		"confidence", sig.Confidence, "price", sig.Price, "stop", stop, "take", take)
	return id, nil
}

// ---------------------------------------------------------------------------
// Broker events
// ---------------------------------------------------------------------------

// OnBrokerEvent enqueues a gateway event for processing. It never blocks the
// delivery goroutine: on a full queue the event is dropped and counted, and
// reconciliation later repairs whatever state the drop cost us.
func (e *Engine) OnBrokerEvent(ev domain.OrderEvent) {
	select {
	case e.events <- ev:
	default:
		e.met.EventsDropped.Inc()
		e.log.Warn("event queue full, dropping broker event",
			"order", ev.OrderID, "status", ev.Status)
	}
}

// drainEvents folds queued events into the registry and routes transitions
// to the bracket coordinator.
func (e *Engine) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handleEvent(ev)
		}
	}
}

func (e *Engine) handleEvent(ev domain.OrderEvent) {
	o, transitioned := e.reg.Apply(ev)
	if !transitioned {
		return
	}

	if o.Status == domain.OrderStatusFilled && o.FilledAvgPrice > 0 {
		e.sizer.Observe(o.FilledAvgPrice)
	}

	switch {
	case o.Status == domain.OrderStatusFilled:
		if err := e.coord.OnLegFilled(o.ID); err != nil {
			e.log.Warn("fill handling failed", "order", o.ID, "error", err)
		}
	case o.Status.Terminal():
		e.coord.OnLegTerminal(o.ID)
	}

	if o.Status.Terminal() && e.journal != nil {
		if err := e.journal.SaveOrder(context.Background(), o); err != nil {
			e.log.Error("journaling terminal order failed", "order", o.ID, "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Run starts the event forwarder, the event worker, and the snapshot
// publisher, and blocks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	// Forward gateway events into the bounded queue.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-e.gw.Events():
				e.OnBrokerEvent(ev)
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.drainEvents(ctx)
	}()

	if e.snapshotEvery > 0 && e.onSnapshot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tick := time.NewTicker(e.snapshotEvery)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					e.onSnapshot(e.Snapshot())
				}
			}
		}()
	}

	e.log.Info("engine started", "symbol", e.symbol, "gateway", e.gw.Name())
	wg.Wait()
	e.log.Info("engine stopped")
}

// Halt stops signal intake. Event processing and reconciliation keep
// running; only new entries are refused.
func (e *Engine) Halt(reason string) {
	e.mu.Lock()
	already := e.halted
	e.halted = true
	e.haltReason = reason
	e.mu.Unlock()

	if !already {
		e.met.Halted.Set(1)
		e.log.Error("engine halted", "reason", reason)
	}
}

// Resume re-enables signal intake after an operator verified and resolved
// the halt cause. Deliberately manual; the engine never un-halts itself.
func (e *Engine) Resume() {
	e.mu.Lock()
	was := e.halted
	e.halted = false
	e.haltReason = ""
	e.mu.Unlock()

	if was {
		e.met.Halted.Set(0)
		e.log.Warn("engine resumed by operator")
	}
}

// Halted reports whether the engine is refusing signals, and why.
func (e *Engine) Halted() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted, e.haltReason
}

// Snapshot assembles the current read-only state view.
func (e *Engine) Snapshot() Snapshot {
	halted, reason := e.Halted()
	return Snapshot{
		Symbol:     e.symbol,
		Halted:     halted,
		HaltReason: reason,
		Belief:     e.guard.Belief(e.symbol),
		Brackets:   e.coord.Snapshots(),
		OpenOrders: e.reg.OpenOrders(e.symbol),
		Timestamp:  time.Now(),
	}
}
