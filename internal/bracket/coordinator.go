// Package bracket owns the OCO semantics: it groups entry, stop-loss, and
// take-profit orders into a bracket, arms it on entry fill, and on a
// protective-leg fill cancels the sibling leg with bounded retry.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wdotrader/internal/domain"
	"wdotrader/internal/gateway"
	"wdotrader/internal/guard"
	"wdotrader/internal/metrics"
	"wdotrader/internal/registry"
	"wdotrader/internal/store"
	"wdotrader/internal/util"
)

// ErrBracketExists is returned when a live bracket already occupies the
// symbol's single slot.
var ErrBracketExists = errors.New("bracket: live bracket already exists for symbol")

// ErrInvalidToken is returned when OpenBracket is called without a valid
// guard token for the symbol.
var ErrInvalidToken = errors.New("bracket: invalid or missing guard token")

// Config wires a Coordinator's collaborators.
type Config struct {
	Gateway  gateway.Gateway
	Registry *registry.Registry
	Guard    *guard.Guard
	Archive  store.BracketArchive // optional
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// CancelMaxAttempts and CancelBackoff bound the OCO sibling-cancellation
	// retry sequence.
	CancelMaxAttempts int
	CancelBackoff     time.Duration
}

// Coordinator manages the live bracket table. At most one live bracket per
// symbol, enforced here and in the position guard.
type Coordinator struct {
	gw      gateway.Gateway
	reg     *registry.Registry
	guard   *guard.Guard
	archive store.BracketArchive
	met     *metrics.Metrics
	log     *slog.Logger

	cancelMaxAttempts int
	cancelBackoff     time.Duration

	mu            sync.Mutex
	live          map[string]*domain.Bracket // bracket ID -> live bracket
	bySymbol      map[string]string          // symbol -> live bracket ID
	tokens        map[string]*guard.Token    // bracket ID -> guard token
	closingReason map[string]domain.CloseReason
	suspects      map[string]string // order ID -> bracket ID, cancels left to reconciliation
	flattens      map[string]string // bracket ID -> flatten order ID, at most one per bracket
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.CancelMaxAttempts <= 0 {
		cfg.CancelMaxAttempts = 3
	}
	return &Coordinator{
		gw:                cfg.Gateway,
		reg:               cfg.Registry,
		guard:             cfg.Guard,
		archive:           cfg.Archive,
		met:               cfg.Metrics,
		log:               cfg.Log,
		cancelMaxAttempts: cfg.CancelMaxAttempts,
		cancelBackoff:     cfg.CancelBackoff,
		live:              make(map[string]*domain.Bracket),
		bySymbol:          make(map[string]string),
		tokens:            make(map[string]*guard.Token),
		closingReason:     make(map[string]domain.CloseReason),
		suspects:          make(map[string]string),
		flattens:          make(map[string]string),
	}
}

// ---------------------------------------------------------------------------
// Opening
// ---------------------------------------------------------------------------

// OpenBracket submits a protected entry: the entry order plus its stop-loss
// and take-profit legs. It requires a live guard token for the symbol.
//
// If the entry submission is rejected the bracket is aborted and the token
// released immediately. If the entry succeeds but a protective leg is
// rejected, the bracket enters CLOSING and the coordinator flattens any
// filled exposure at market and cancels the rest. The gap between entry
// submission and both protective legs being live is surfaced as a health
// metric.
func (c *Coordinator) OpenBracket(
	ctx context.Context,
	token *guard.Token,
	symbol string,
	side domain.Side,
	qty int,
	entryPrice, stopPrice, takePrice float64,
) (string, error) {
	if token == nil || token.Symbol() != symbol {
		return "", ErrInvalidToken
	}

	b := &domain.Bracket{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: entryPrice,
		StopPrice:  stopPrice,
		TakePrice:  takePrice,
		State:      domain.BracketPending,
		OpenedAt:   time.Now(),
	}

	// Reserve the symbol's single slot before any gateway call.
	c.mu.Lock()
	if _, exists := c.bySymbol[symbol]; exists {
		c.mu.Unlock()
		return "", ErrBracketExists
	}
	c.live[b.ID] = b
	c.bySymbol[symbol] = b.ID
	c.tokens[b.ID] = token
	c.mu.Unlock()
	c.met.OpenBrackets.Set(float64(c.LiveCount()))

	unprotectedStart := time.Now()

	// Entry first: without a filled entry there is nothing to protect.
	entryID, err := c.submitLeg(ctx, b, domain.OrderSpec{
		BracketID:  b.ID,
		Symbol:     symbol,
		Leg:        domain.LegEntry,
		Side:       side,
		Qty:        qty,
		LimitPrice: entryPrice,
	})
	if err != nil {
		c.abortBracket(b.ID)
		return "", fmt.Errorf("entry submission failed: %w", err)
	}
	c.setLeg(b.ID, domain.LegEntry, entryID)

	// Protective legs on the opposite side. The window between here and the
	// take ack is the known unprotected-entry risk; it is measured, never
	// silently ignored.
	stopID, err := c.submitLeg(ctx, b, domain.OrderSpec{
		BracketID: b.ID,
		Symbol:    symbol,
		Leg:       domain.LegStop,
		Side:      side.Opposite(),
		Qty:       qty,
		StopPrice: stopPrice,
	})
	if err != nil {
		c.recoverProtectionFailure(ctx, b.ID, err)
		return "", fmt.Errorf("stop leg submission failed: %w", err)
	}
	c.setLeg(b.ID, domain.LegStop, stopID)

	takeID, err := c.submitLeg(ctx, b, domain.OrderSpec{
		BracketID:  b.ID,
		Symbol:     symbol,
		Leg:        domain.LegTake,
		Side:       side.Opposite(),
		Qty:        qty,
		LimitPrice: takePrice,
	})
	if err != nil {
		c.recoverProtectionFailure(ctx, b.ID, err)
		return "", fmt.Errorf("take leg submission failed: %w", err)
	}
	c.setLeg(b.ID, domain.LegTake, takeID)

	gap := time.Since(unprotectedStart)
	c.met.UnprotectedSecs.Set(gap.Seconds())
	c.log.Info("bracket opened", "bracket", b.ID, "symbol", symbol, "side", side,
		"entry", entryPrice, "stop", stopPrice, "take", takePrice,
		"unprotected_window", gap)

	return b.ID, nil
}

// submitLeg records the order locally, then submits it to the gateway under
// the same logical step.
func (c *Coordinator) submitLeg(ctx context.Context, b *domain.Bracket, spec domain.OrderSpec) (string, error) {
	spec.ID = uuid.NewString()
	id := c.reg.Submit(spec)

	if _, err := c.gw.SubmitOrder(ctx, spec); err != nil {
		// Mark the local order rejected so it never shows up as open.
		c.reg.Apply(domain.OrderEvent{OrderID: id, Status: domain.OrderStatusRejected, Timestamp: time.Now()})
		return "", err
	}
	c.reg.MarkSubmitted(id)
	c.met.Orders.WithLabelValues(string(spec.Leg)).Inc()
	return id, nil
}

func (c *Coordinator) setLeg(bracketID string, leg domain.Leg, orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.live[bracketID]
	if !ok {
		return
	}
	switch leg {
	case domain.LegEntry:
		b.EntryOrderID = orderID
	case domain.LegStop:
		b.StopOrderID = orderID
	case domain.LegTake:
		b.TakeOrderID = orderID
	}
}

// abortBracket unwinds a bracket whose entry never made it to the broker.
func (c *Coordinator) abortBracket(bracketID string) {
	c.mu.Lock()
	b, ok := c.live[bracketID]
	var token *guard.Token
	if ok {
		delete(c.live, bracketID)
		delete(c.bySymbol, b.Symbol)
		token = c.tokens[bracketID]
		delete(c.tokens, bracketID)
	}
	c.mu.Unlock()

	c.guard.Release(token)
	c.met.OpenBrackets.Set(float64(c.LiveCount()))
}

// recoverProtectionFailure handles a rejected protective leg after the entry
// was already accepted: cancel everything still open, flatten any filled
// exposure at market, and close the bracket.
func (c *Coordinator) recoverProtectionFailure(ctx context.Context, bracketID string, cause error) {
	c.log.Error("protective leg rejected, unwinding bracket", "bracket", bracketID, "error", cause)

	c.mu.Lock()
	b, ok := c.live[bracketID]
	if !ok {
		c.mu.Unlock()
		return
	}
	b.State = domain.BracketClosing
	c.closingReason[bracketID] = domain.CloseReasonManual
	entryID := b.EntryOrderID
	symbol := b.Symbol
	side := b.Side
	qty := b.Qty
	c.mu.Unlock()

	// Cancel open legs; a failure here is picked up by reconciliation.
	for _, o := range c.reg.OpenOrdersFor(bracketID) {
		if err := c.gw.CancelOrder(ctx, o.ID); err != nil {
			c.log.Warn("cancel during unwind failed", "order", o.ID, "error", err)
			c.markSuspect(o.ID, bracketID)
		}
	}

	// If the entry already filled we hold naked exposure: flatten at market.
	if entry, ok := c.reg.Get(entryID); ok && entry.Status == domain.OrderStatusFilled {
		c.flattenOnce(ctx, bracketID, symbol, side, qty)
	}

	c.closeBracket(bracketID, domain.CloseReasonManual)
}

// flattenOnce submits at most one flatten order per bracket, whatever path
// detects the exposure first.
func (c *Coordinator) flattenOnce(ctx context.Context, bracketID, symbol string, side domain.Side, qty int) {
	c.mu.Lock()
	if _, done := c.flattens[bracketID]; done {
		c.mu.Unlock()
		return
	}
	c.flattens[bracketID] = "" // reserve before the gateway call
	c.mu.Unlock()

	id := c.flatten(ctx, bracketID, symbol, side, qty)

	c.mu.Lock()
	c.flattens[bracketID] = id
	c.mu.Unlock()

	// A flatten that died on submission produces no broker event, so nothing
	// else would re-drive the closure.
	if o, ok := c.reg.Get(id); ok && o.Status.Terminal() {
		c.maybeClose(bracketID)
	}
}

// flatten submits a market order that closes the bracket's exposure. side is
// the side of the exposure; the order goes out on the opposite side.
func (c *Coordinator) flatten(ctx context.Context, bracketID, symbol string, side domain.Side, qty int) string {
	spec := domain.OrderSpec{
		ID:        uuid.NewString(),
		BracketID: bracketID,
		Symbol:    symbol,
		Leg:       domain.LegFlatten,
		Side:      side.Opposite(),
		Qty:       qty,
	}
	c.reg.Submit(spec)
	if _, err := c.gw.SubmitOrder(ctx, spec); err != nil {
		c.reg.Apply(domain.OrderEvent{OrderID: spec.ID, Status: domain.OrderStatusRejected, Timestamp: time.Now()})
		c.log.Error("flatten order failed, exposure unprotected", "bracket", bracketID, "error", err)
		return spec.ID
	}
	c.reg.MarkSubmitted(spec.ID)
	c.met.Orders.WithLabelValues(string(domain.LegFlatten)).Inc()
	c.log.Warn("position flattened at market", "bracket", bracketID, "qty", qty)
	return spec.ID
}

// ---------------------------------------------------------------------------
// Event handling
// ---------------------------------------------------------------------------

// OnLegFilled reacts to a FILLED transition reported by the registry. An
// entry fill arms the bracket; a protective fill triggers the OCO cancel of
// the sibling leg. The ARMED→CLOSING transition happens exactly once per
// bracket, so duplicate fill deliveries (already dropped by the registry) or
// racing legs cannot start a second cancellation sequence.
func (c *Coordinator) OnLegFilled(orderID string) error {
	o, ok := c.reg.Get(orderID)
	if !ok {
		return fmt.Errorf("fill for unknown order %s", orderID)
	}

	c.mu.Lock()
	b, ok := c.live[o.BracketID]
	if !ok {
		// Bracket already closed; late fill is reconciliation's problem.
		c.mu.Unlock()
		c.log.Warn("fill for closed bracket", "order", orderID, "bracket", o.BracketID)
		return nil
	}
	delete(c.suspects, orderID)

	switch o.Leg {
	case domain.LegEntry:
		if b.State == domain.BracketClosing {
			// The entry filled after a protective leg or an unwind already
			// started the close: its fill event was reordered behind the
			// protective one, or the fill beat our cancel at the broker.
			// The entry is terminal now, so re-evaluate the closure; any
			// residual exposure is flattened there.
			bracketID := b.ID
			c.mu.Unlock()
			c.maybeClose(bracketID)
			return nil
		}
		b.State = domain.BracketArmed
		b.EntryPrice = o.FilledAvgPrice
		c.mu.Unlock()
		c.log.Info("bracket armed", "bracket", b.ID, "fill_price", o.FilledAvgPrice)
		return nil

	case domain.LegStop, domain.LegTake:
		if b.State != domain.BracketArmed && b.State != domain.BracketPending {
			c.mu.Unlock()
			return nil
		}
		b.State = domain.BracketClosing

		reason := domain.CloseReasonStop
		if o.Leg == domain.LegTake {
			reason = domain.CloseReasonTake
		}
		c.closingReason[b.ID] = reason
		bracketID := b.ID

		// Every other leg comes off the book: the OCO sibling always, and
		// the entry too when the protective leg fired before it filled.
		var others []string
		for _, legID := range []string{b.EntryOrderID, b.StopOrderID, b.TakeOrderID} {
			if legID != "" && legID != o.ID {
				others = append(others, legID)
			}
		}
		c.mu.Unlock()

		c.log.Info("protective leg filled, cancelling remaining legs",
			"bracket", bracketID, "filled_leg", o.Leg)

		// Cancel off the event path: a slow or failing cancel must not stall
		// delivery of other order events.
		go func() {
			for _, legID := range others {
				if err := c.CancelWithRetry(context.Background(), legID, c.cancelMaxAttempts, c.cancelBackoff); err != nil {
					c.log.Error("leg cancel exhausted retries, deferred to reconciliation",
						"bracket", bracketID, "order", legID, "error", err)
				}
			}
			c.maybeClose(bracketID)
		}()
		return nil

	case domain.LegFlatten:
		bracketID := b.ID
		c.mu.Unlock()
		c.log.Info("flatten order filled", "bracket", bracketID, "fill_price", o.FilledAvgPrice)
		c.maybeClose(bracketID)
		return nil
	}

	c.mu.Unlock()
	return nil
}

// OnLegTerminal reacts to CANCELLED/REJECTED transitions. An entry rejection
// aborts a pending bracket; otherwise, once every leg of a closing bracket is
// terminal the bracket closes.
func (c *Coordinator) OnLegTerminal(orderID string) {
	o, ok := c.reg.Get(orderID)
	if !ok {
		return
	}

	c.mu.Lock()
	b, live := c.live[o.BracketID]
	if !live {
		c.mu.Unlock()
		return
	}
	delete(c.suspects, orderID)

	if o.Leg == domain.LegEntry && o.Status == domain.OrderStatusRejected && b.State == domain.BracketPending {
		b.State = domain.BracketClosing
		c.closingReason[b.ID] = domain.CloseReasonManual
		bracketID := b.ID
		c.mu.Unlock()

		c.log.Warn("entry rejected by broker, aborting bracket", "bracket", bracketID)
		for _, open := range c.reg.OpenOrdersFor(bracketID) {
			if err := c.gw.CancelOrder(context.Background(), open.ID); err != nil {
				c.markSuspect(open.ID, bracketID)
			}
		}
		c.maybeClose(bracketID)
		return
	}

	bracketID := b.ID
	c.mu.Unlock()
	c.maybeClose(bracketID)
}

// maybeClose closes a CLOSING bracket once all of its legs are terminal.
// Before finalising it squares the book: a protective fill whose entry ended
// up cancelled, or an entry fill whose protective legs never fired, leaves a
// naked position that gets flattened at market first.
func (c *Coordinator) maybeClose(bracketID string) {
	c.mu.Lock()
	b, ok := c.live[bracketID]
	if !ok || b.State != domain.BracketClosing {
		c.mu.Unlock()
		return
	}
	reason, ok := c.closingReason[bracketID]
	if !ok {
		reason = domain.CloseReasonManual
	}
	entryID, stopID, takeID := b.EntryOrderID, b.StopOrderID, b.TakeOrderID
	symbol, side, qty := b.Symbol, b.Side, b.Qty
	flattenID, flattening := c.flattens[bracketID]
	c.mu.Unlock()

	legIDs := []string{entryID, stopID, takeID, flattenID}
	for _, id := range legIDs {
		if id == "" {
			continue
		}
		if o, ok := c.reg.Get(id); ok && !o.Status.Terminal() {
			return // a leg is still live; wait for its terminal event
		}
	}
	if flattening && flattenID == "" {
		return // flatten submission in flight; its event drives the next pass
	}

	if !flattening {
		entryFilled := c.orderFilled(entryID)
		protFilled := c.orderFilled(stopID) || c.orderFilled(takeID)
		if entryFilled != protFilled {
			exposed := side
			if protFilled {
				exposed = exposed.Opposite()
			}
			c.flattenOnce(context.Background(), bracketID, symbol, exposed, qty)
			return // closure resumes once the flatten order resolves
		}
	}

	c.closeBracket(bracketID, reason)
}

func (c *Coordinator) orderFilled(orderID string) bool {
	o, ok := c.reg.Get(orderID)
	return ok && o.Status == domain.OrderStatusFilled
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

// CancelWithRetry cancels an order with bounded exponential backoff. It
// never holds the coordinator lock across attempts. On exhaustion it records
// the order as a cancellation suspect for the reconciliation loop instead of
// blocking the caller further.
func (c *Coordinator) CancelWithRetry(ctx context.Context, orderID string, maxAttempts int, backoff time.Duration) error {
	if o, ok := c.reg.Get(orderID); ok && o.Status.Terminal() {
		return nil
	}

	err := util.Retry(ctx, maxAttempts, backoff, func() error {
		if err := c.gw.CancelOrder(ctx, orderID); err != nil {
			c.met.Cancels.WithLabelValues("failed").Inc()
			return err
		}
		c.met.Cancels.WithLabelValues("ok").Inc()
		return nil
	})
	if err != nil {
		o, _ := c.reg.Get(orderID)
		c.markSuspect(orderID, o.BracketID)
		return fmt.Errorf("cancel of %s exhausted %d attempts: %w", orderID, maxAttempts, err)
	}
	return nil
}

func (c *Coordinator) markSuspect(orderID, bracketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suspects[orderID] = bracketID
}

// Suspects returns the orders whose cancellation exhausted its retries and
// now belongs to the reconciliation loop.
func (c *Coordinator) Suspects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.suspects))
	for id := range c.suspects {
		out = append(out, id)
	}
	return out
}

// ClearSuspect removes an order from the suspect set once its cancellation
// was confirmed.
func (c *Coordinator) ClearSuspect(orderID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.suspects, orderID)
}

// ---------------------------------------------------------------------------
// Forced closure
// ---------------------------------------------------------------------------

// ForceClose cancels every non-terminal leg of a bracket regardless of its
// state and marks it CLOSED with the given reason. Used by the
// reconciliation loop. Safe to call twice: a bracket that is already closed
// is a no-op.
func (c *Coordinator) ForceClose(ctx context.Context, bracketID string, reason domain.CloseReason) error {
	c.mu.Lock()
	b, ok := c.live[bracketID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	b.State = domain.BracketClosing
	// A bracket already winding down keeps its original close reason.
	if r, ok := c.closingReason[bracketID]; ok {
		reason = r
	} else {
		c.closingReason[bracketID] = reason
	}
	c.mu.Unlock()

	var lastErr error
	for _, o := range c.reg.OpenOrdersFor(bracketID) {
		if err := c.gw.CancelOrder(ctx, o.ID); err != nil {
			c.log.Warn("force-close cancel failed", "bracket", bracketID, "order", o.ID, "error", err)
			c.markSuspect(o.ID, bracketID)
			lastErr = err
			continue
		}
		c.met.Cancels.WithLabelValues("ok").Inc()
	}

	c.closeBracket(bracketID, reason)
	return lastErr
}

// ResolveClosing re-drives a bracket sitting in CLOSING: it re-issues cancels
// for any leg still open and closes the bracket if every leg has since gone
// terminal. The reconciliation loop calls it when the events that should have
// finished the closure were lost.
func (c *Coordinator) ResolveClosing(ctx context.Context, bracketID string) {
	c.mu.Lock()
	b, ok := c.live[bracketID]
	if !ok || b.State != domain.BracketClosing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	for _, o := range c.reg.OpenOrdersFor(bracketID) {
		if o.Leg == domain.LegFlatten {
			continue // a working flatten closes exposure; never cancel it
		}
		if err := c.gw.CancelOrder(ctx, o.ID); err != nil {
			c.log.Warn("closing-leg cancel failed", "bracket", bracketID, "order", o.ID, "error", err)
			c.markSuspect(o.ID, bracketID)
		}
	}
	c.maybeClose(bracketID)
}

// closeBracket finalises a bracket: removes it from the live table, releases
// the guard token, and archives the closed record. Idempotent.
func (c *Coordinator) closeBracket(bracketID string, reason domain.CloseReason) {
	c.mu.Lock()
	b, ok := c.live[bracketID]
	if !ok {
		c.mu.Unlock()
		return
	}
	b.State = domain.BracketClosed
	b.ClosedAt = time.Now()
	b.ClosedReason = reason
	delete(c.live, bracketID)
	delete(c.bySymbol, b.Symbol)
	delete(c.closingReason, bracketID)
	delete(c.flattens, bracketID)
	token := c.tokens[bracketID]
	delete(c.tokens, bracketID)
	closed := *b
	c.mu.Unlock()

	c.guard.Release(token)
	c.met.BracketsClosed.WithLabelValues(string(reason)).Inc()
	c.met.OpenBrackets.Set(float64(c.LiveCount()))
	c.log.Info("bracket closed", "bracket", bracketID, "reason", reason)

	if c.archive != nil {
		if err := c.archive.SaveClosedBracket(context.Background(), closed); err != nil {
			c.log.Error("archiving closed bracket failed", "bracket", bracketID, "error", err)
		}
	}
}

// ---------------------------------------------------------------------------
// Read accessors
// ---------------------------------------------------------------------------

// Get returns the live bracket with the given ID.
func (c *Coordinator) Get(bracketID string) (domain.Bracket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.live[bracketID]
	if !ok {
		return domain.Bracket{}, false
	}
	return *b, true
}

// BracketFor returns the live bracket occupying the symbol's slot.
func (c *Coordinator) BracketFor(symbol string) (domain.Bracket, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.bySymbol[symbol]
	if !ok {
		return domain.Bracket{}, false
	}
	return *c.live[id], true
}

// LiveCount returns the number of live brackets.
func (c *Coordinator) LiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// Snapshots returns the read-only view of every live bracket.
func (c *Coordinator) Snapshots() []domain.BracketSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.BracketSnapshot, 0, len(c.live))
	for _, b := range c.live {
		out = append(out, domain.BracketSnapshot{
			Symbol:     b.Symbol,
			BracketID:  b.ID,
			Side:       b.Side,
			Qty:        b.Qty,
			EntryPrice: b.EntryPrice,
			StopPrice:  b.StopPrice,
			TakePrice:  b.TakePrice,
			State:      b.State,
			OpenedAt:   b.OpenedAt,
		})
	}
	return out
}
